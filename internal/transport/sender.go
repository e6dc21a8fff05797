package transport

import (
	"context"
	"net"
	"net/netip"

	"github.com/1ureka/coopsync/internal/util"
)

const sendBufferSize = 256 // outgoing datagram channel capacity

type datagram struct {
	raw  []byte
	dest netip.AddrPort
}

// sender is a goroutine-based datagram writer that serializes all writes to
// the UDP socket. It blocks on its inbox instead of polling.
type sender struct {
	inbox chan datagram
}

// newSender creates a sender and starts the background loop. The loop exits
// when ctx is cancelled; anything still queued at that point is discarded.
func newSender(ctx context.Context, conn *net.UDPConn, hooks *hooks, done func()) *sender {
	s := &sender{
		inbox: make(chan datagram, sendBufferSize),
	}

	go func() {
		defer done()
		s.loop(ctx, conn, hooks)
	}()

	return s
}

// loop is the single-writer goroutine. A failed write is logged and that
// datagram is abandoned; the loop keeps going.
func (s *sender) loop(ctx context.Context, conn *net.UDPConn, hooks *hooks) {
	for {
		select {
		case dg := <-s.inbox:
			n, err := conn.WriteToUDPAddrPort(dg.raw, dg.dest)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				util.LogError("failed to send datagram to %s (%d bytes): %v", dg.dest, len(dg.raw), err)
				continue
			}

			util.Stats.AddSent(n)
			hooks.sent(dg.dest, dg.raw)

		case <-ctx.Done():
			return
		}
	}
}

// send enqueues a datagram for transmission. It blocks if the internal buffer
// is full and returns silently when ctx is already cancelled.
func (s *sender) send(ctx context.Context, raw []byte, dest netip.AddrPort) {
	select {
	case s.inbox <- datagram{raw: raw, dest: dest}:
	case <-ctx.Done():
	}
}
