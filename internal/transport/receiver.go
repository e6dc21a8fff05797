package transport

import (
	"context"
	"errors"
	"net"
	"net/netip"

	"github.com/1ureka/coopsync/internal/protocol"
	"github.com/1ureka/coopsync/internal/util"
	"golang.org/x/time/rate"
)

const (
	maxDatagramSize = 64 * 1024
	inboxSize       = 512 // decoded packets waiting for the tick
	maxLimiters     = 1024
)

// receiver is the blocking read side of the socket. It decodes datagrams,
// acknowledges reliable ones straight away and hands everything else to the
// tick through inbox. It never touches the dedup history.
type receiver struct {
	conn    *net.UDPConn
	inbox   chan *protocol.Received
	sender  *sender
	localID func() byte
	hooks   *hooks

	limit    rate.Limit
	burst    int
	limiters map[netip.Addr]*rate.Limiter // owned by the read goroutine
}

func newReceiver(conn *net.UDPConn, s *sender, localID func() byte, hooks *hooks, limit rate.Limit, burst int) *receiver {
	return &receiver{
		conn:     conn,
		inbox:    make(chan *protocol.Received, inboxSize),
		sender:   s,
		localID:  localID,
		hooks:    hooks,
		limit:    limit,
		burst:    burst,
		limiters: make(map[netip.Addr]*rate.Limiter),
	}
}

// loop runs until the socket is closed. Read faults other than a closed
// socket are logged and the loop continues.
func (r *receiver) loop(ctx context.Context) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := r.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			util.LogWarning("receive failed: %v", err)
			continue
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())

		util.Stats.AddRecv(n)
		r.hooks.received(from, buf[:n])

		if !r.allow(from.Addr()) {
			r.hooks.rateLimited()
			continue
		}

		rcv, err := protocol.Decode(buf[:n], from)
		if err != nil {
			util.LogDebug("dropping datagram from %s: %v", from, err)
			continue
		}

		// Acks go out on every delivery, duplicates included: the sender
		// cannot tell which attempt arrived.
		if rcv.Reliable {
			ack := protocol.NewAck(rcv, r.localID())
			r.sender.send(ctx, ack.Raw, from)
		}

		select {
		case r.inbox <- rcv:
		case <-ctx.Done():
			return
		}
	}
}

// allow applies the per-source rate limit. A zero limit disables it.
func (r *receiver) allow(addr netip.Addr) bool {
	if r.limit == 0 || r.limit == rate.Inf {
		return true
	}

	limiter, ok := r.limiters[addr]
	if !ok {
		if len(r.limiters) >= maxLimiters {
			clear(r.limiters)
		}
		limiter = rate.NewLimiter(r.limit, r.burst)
		r.limiters[addr] = limiter
	}
	return limiter.Allow()
}
