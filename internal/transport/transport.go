// Package transport moves protocol packets over a single UDP socket and adds
// reliable delivery on top: confirmations, bounded resends driven by the
// caller's tick, and deduplication of received datagrams.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/coopsync/internal/protocol"
	"github.com/1ureka/coopsync/internal/util"
	"golang.org/x/time/rate"
)

// Options tunes a Transport. The zero value is usable.
type Options struct {
	RateLimit rate.Limit // per-source datagrams per second; 0 disables limiting
	RateBurst int
	Observer  Observer
	Tap       Tap
}

// Transport owns one UDP socket, a sender goroutine and a receiver goroutine.
//
// Lifecycle:
//  1. Listen binds the socket and starts both goroutines.
//  2. The tick goroutine calls Step every frame to age resends and dedup
//     entries and to collect received packets.
//  3. Close cancels the context, closes the socket and waits for both
//     goroutines. Queued sends and pending confirmations are discarded.
type Transport struct {
	conn     *net.UDPConn
	sender   *sender
	receiver *receiver
	hooks    *hooks

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	localID atomic.Uint32

	mu          sync.Mutex
	pending     pendingSet
	onExhausted func(*Pending)

	history *history // tick goroutine only

	closeOnce sync.Once
	closeErr  error
}

// Listen binds a UDP socket on addr (for example ":11000") and starts the
// delivery goroutines. They stop when ctx is cancelled or Close is called.
func Listen(ctx context.Context, addr string, opts Options) (*Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	tCtx, tCancel := context.WithCancel(ctx)

	t := &Transport{
		conn:    conn,
		hooks:   &hooks{observer: opts.Observer, tap: opts.Tap},
		ctx:     tCtx,
		cancel:  tCancel,
		history: newHistory(),
	}

	burst := opts.RateBurst
	if burst <= 0 {
		burst = 1
	}

	t.wg.Add(2)
	t.sender = newSender(tCtx, conn, t.hooks, t.wg.Done)
	t.receiver = newReceiver(conn, t.sender, t.LocalID, t.hooks, opts.RateLimit, burst)
	go func() {
		defer t.wg.Done()
		t.receiver.loop(tCtx)
	}()

	// Parent context cancelled → release the socket so the read unblocks.
	go func() {
		<-tCtx.Done()
		t.Close()
	}()

	return t, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Done returns a channel that is closed when the Transport is shut down.
func (t *Transport) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Close stops both goroutines and closes the socket. Anything still queued
// or awaiting confirmation is dropped without invoking callbacks.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		err := t.conn.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		t.wg.Wait()

		t.mu.Lock()
		dropped := t.pending.len()
		t.pending.reset()
		t.mu.Unlock()

		if dropped > 0 {
			util.LogDebug("transport closed with %d unconfirmed packet(s)", dropped)
		}
		t.closeErr = err
	})
	return t.closeErr
}

// LocalAddr returns the bound socket address.
func (t *Transport) LocalAddr() netip.AddrPort {
	return t.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// LocalID returns the peer id stamped on acknowledgements.
func (t *Transport) LocalID() byte {
	return byte(t.localID.Load())
}

// SetLocalID updates the peer id used for acknowledgements, e.g. after the
// host assigned one.
func (t *Transport) SetLocalID(id byte) {
	t.localID.Store(uint32(id))
}

// OnExhausted registers the hook run after a reliable packet's onFailure,
// so the caller can probe or drop the destination.
func (t *Transport) OnExhausted(fn func(*Pending)) {
	t.mu.Lock()
	t.onExhausted = fn
	t.mu.Unlock()
}

// PendingCount returns the number of reliable packets awaiting confirmation.
func (t *Transport) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending.len()
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// Enqueue queues pkt for dest. A reliable packet with track set is held
// until confirmed (onSuccess) or until resends run out (onFailure). Either
// callback may be nil. Safe to call from any goroutine.
func (t *Transport) Enqueue(pkt *protocol.Packet, dest netip.AddrPort, onSuccess, onFailure func(), track bool) {
	if pkt.Reliable && track {
		t.mu.Lock()
		t.pending.add(&Pending{
			Sequence:  pkt.Sequence,
			Packet:    pkt,
			Dest:      dest,
			onSuccess: onSuccess,
			onFailure: onFailure,
		})
		t.mu.Unlock()
	}
	t.sender.send(t.ctx, pkt.Raw, dest)
}

// Send queues pkt for dest, tracking it if reliable, with no callbacks.
func (t *Transport) Send(pkt *protocol.Packet, dest netip.AddrPort) {
	t.Enqueue(pkt, dest, nil, nil, true)
}

// ---------------------------------------------------------------------------
// Tick
// ---------------------------------------------------------------------------

// Step advances delivery state by dt and returns the packets received since
// the previous step, duplicates and confirmations removed. It must only be
// called from the tick goroutine.
func (t *Transport) Step(dt time.Duration) []*protocol.Received {
	t.history.age(dt)
	out := t.drain()
	t.retry(dt)
	return out
}

// drain takes what is already queued by the receiver without blocking.
func (t *Transport) drain() []*protocol.Received {
	n := len(t.receiver.inbox)
	if n == 0 {
		return nil
	}

	out := make([]*protocol.Received, 0, n)
	for ; n > 0; n-- {
		rcv := <-t.receiver.inbox

		if !t.history.observe(rcv.Key()) {
			util.Stats.AddDuplicate()
			t.hooks.duplicate()
			util.LogDebug("duplicate %s", rcv)
			continue
		}

		if rcv.Subtype == protocol.SubConfirmation {
			t.confirm(rcv)
			continue
		}
		out = append(out, rcv)
	}
	return out
}

// confirm matches a confirmation to its pending entry by sequence id.
func (t *Transport) confirm(rcv *protocol.Received) {
	seq, ok := rcv.AckedSequence()
	if !ok {
		util.LogDebug("malformed confirmation %s", rcv)
		return
	}

	t.mu.Lock()
	p := t.pending.take(seq)
	t.mu.Unlock()

	if p == nil {
		util.LogDebug("confirmation for unknown seq=%d from %s", seq, rcv.From)
		return
	}

	t.hooks.confirmed()
	if p.onSuccess != nil {
		p.onSuccess()
	}
}

// retry ages pending entries and acts on at most one that is due: resend it
// with its original bytes, or give up once MaxResends is reached.
func (t *Transport) retry(dt time.Duration) {
	t.mu.Lock()
	due := t.pending.advance(dt)
	if due == nil {
		t.mu.Unlock()
		return
	}

	if due.Resends < MaxResends {
		due.Resends++
		due.Elapsed = 0
		t.mu.Unlock()

		util.Stats.AddResend()
		t.hooks.resent()
		util.LogDebug("resend #%d %s to %s", due.Resends, due.Packet, due.Dest)
		t.sender.send(t.ctx, due.Packet.Raw, due.Dest)
		return
	}

	t.pending.take(due.Sequence)
	exhausted := t.onExhausted
	t.mu.Unlock()

	t.hooks.exhausted()
	util.LogWarning("no confirmation for %s to %s after %d resends", due.Packet, due.Dest, due.Resends)
	if due.onFailure != nil {
		due.onFailure()
	}
	if exhausted != nil {
		exhausted(due)
	}
}
