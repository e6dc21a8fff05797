// Package session is the tick-driven context object of a multiplayer
// session. It owns the peer registry, drives the transport's retry and
// dedup clocks, dispatches received packets to subscribers and runs the
// membership handshake (host, join, leave, liveness pings).
//
// Every exported method except State, ID, Post and the Subscribe family
// must be called on the tick goroutine, the one calling Tick or Run. Other
// goroutines hand work over with Post.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/coopsync/internal/peer"
	"github.com/1ureka/coopsync/internal/protocol"
	"github.com/1ureka/coopsync/internal/transport"
	"github.com/1ureka/coopsync/internal/util"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/1ureka/coopsync/internal/session"

// DefaultJoinTimeout is how long a join may wait for the host's peer list.
const DefaultJoinTimeout = time.Duration(transport.MaxResends+2) * transport.ResendInterval

// Transporter is the delivery layer a Session runs on. *transport.Transport
// implements it.
type Transporter interface {
	Enqueue(pkt *protocol.Packet, dest netip.AddrPort, onSuccess, onFailure func(), track bool)
	Step(dt time.Duration) []*protocol.Received
	SetLocalID(id byte)
	OnExhausted(fn func(*transport.Pending))
}

// State is the membership state of the local peer.
type State int32

const (
	StateIdle State = iota
	StateJoining
	StateInLobby
	StateInGame
	StateLeft
)

var stateNames = [...]string{"idle", "joining", "in-lobby", "in-game", "left"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Connected reports whether the peer is part of a session.
func (s State) Connected() bool {
	return s == StateInLobby || s == StateInGame
}

// Options tunes a Session. Zero fields take their defaults.
type Options struct {
	PingInterval time.Duration // default 5s
	SyncInterval time.Duration // default 50ms
	JoinTimeout  time.Duration // default: one full resend cycle
	Tracer       trace.Tracer  // default: global otel tracer
}

// Session is the explicit context object shared by collaborators.
type Session struct {
	id     string
	tr     Transporter
	reg    *peer.Registry
	opts   Options
	tracer trace.Tracer
	ctx    context.Context

	state atomic.Int32
	ev    events

	postMu sync.Mutex
	posted []func()

	pingElapsed time.Duration
	syncElapsed time.Duration
	joinElapsed time.Duration

	joinAddr netip.AddrPort
	joinSpan trace.Span
	leave    *leaveOp
}

// New wires a session to a transport and a registry. The registry's local
// record is the local peer.
func New(tr Transporter, reg *peer.Registry, opts Options) *Session {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 5 * time.Second
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 50 * time.Millisecond
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultJoinTimeout
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}

	s := &Session{
		id:     uuid.NewString(),
		tr:     tr,
		reg:    reg,
		opts:   opts,
		tracer: opts.Tracer,
		ctx:    context.Background(),
	}
	tr.SetLocalID(reg.Local().ID())
	tr.OnExhausted(s.onExhausted)
	return s
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// ID returns the random instance id of this session object (for logs and
// monitoring, never sent on the wire).
func (s *Session) ID() string { return s.id }

// State returns the current membership state. Safe from any goroutine.
func (s *Session) State() State { return State(s.state.Load()) }

// Registry returns the peer registry.
func (s *Session) Registry() *peer.Registry { return s.reg }

// LocalID returns the local peer id.
func (s *Session) LocalID() byte { return s.reg.Local().ID() }

func (s *Session) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev == next {
		return
	}
	util.LogDebug("session state %s → %s", prev, next)
	s.ev.publishState(next)
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// Subscribe registers fn for every received packet of type t (confirmations
// excluded; the transport consumes them).
func (s *Session) Subscribe(t protocol.Type, fn PacketHandler) *Subscription {
	return s.ev.packetHub(t).add(fn)
}

// OnDisconnect registers fn for peer removals. self is true when the local
// peer left.
func (s *Session) OnDisconnect(fn DisconnectHandler) *Subscription {
	return s.ev.disconnect.add(fn)
}

// OnPeersChanged registers fn for every membership change.
func (s *Session) OnPeersChanged(fn PeersChangedHandler) *Subscription {
	return s.ev.peersChanged.add(fn)
}

// OnSyncStep registers fn to run every sync interval while connected.
func (s *Session) OnSyncStep(fn SyncStepHandler) *Subscription {
	return s.ev.syncStep.add(fn)
}

// OnStateChange registers fn for membership state transitions.
func (s *Session) OnStateChange(fn StateHandler) *Subscription {
	return s.ev.state.add(fn)
}

func (s *Session) peersChanged() {
	s.ev.publishPeers(s.reg.Snapshot())
}

// ---------------------------------------------------------------------------
// Tick
// ---------------------------------------------------------------------------

// Post schedules fn to run at the start of the next tick. Safe from any
// goroutine.
func (s *Session) Post(fn func()) {
	s.postMu.Lock()
	s.posted = append(s.posted, fn)
	s.postMu.Unlock()
}

func (s *Session) runPosted() {
	s.postMu.Lock()
	fns := s.posted
	s.posted = nil
	s.postMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Tick advances the session by dt:
//  1. run functions handed over with Post
//  2. step the transport (inbound drain, dedup aging, one resend decision)
//  3. dispatch each received packet
//  4. expire a join the host never answered
//  5. fire the ping and sync-step timers
func (s *Session) Tick(dt time.Duration) {
	s.runPosted()

	for _, rcv := range s.tr.Step(dt) {
		s.dispatch(rcv)
	}

	if s.State() == StateJoining {
		s.joinElapsed += dt
		if s.joinElapsed >= s.opts.JoinTimeout {
			util.LogError("no peer list from %s after %s", s.joinAddr, s.opts.JoinTimeout)
			s.failJoin(errors.New("join timed out"))
		}
	}

	if !s.State().Connected() {
		s.pingElapsed, s.syncElapsed = 0, 0
		return
	}

	s.pingElapsed += dt
	if s.pingElapsed >= s.opts.PingInterval {
		s.pingElapsed = 0
		s.pingAll()
	}

	s.syncElapsed += dt
	if s.syncElapsed >= s.opts.SyncInterval {
		s.syncElapsed -= s.opts.SyncInterval
		if s.syncElapsed >= s.opts.SyncInterval {
			s.syncElapsed = 0
		}
		s.ev.publishSyncStep(s.opts.SyncInterval)
	}
}

// Run calls Tick at rate ticks per second until ctx is done.
func (s *Session) Run(ctx context.Context, rate int) error {
	if rate <= 0 {
		rate = 60
	}
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case now := <-ticker.C:
			s.Tick(now.Sub(last))
			last = now
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dispatch runs the built-in membership handling, then the subscribers.
func (s *Session) dispatch(rcv *protocol.Received) {
	switch rcv.Type {
	case protocol.TypeConnectToNetwork:
		if rcv.Subtype == protocol.SubAddUpdate {
			s.handleConnect(rcv)
		}
	case protocol.TypeReturnNetwork:
		if rcv.Subtype == protocol.SubCompleteList {
			s.handlePeerList(rcv)
		}
	case protocol.TypeDisconnectNetwork:
		s.handleDisconnect(rcv)
	case protocol.TypeStartGame:
		if s.State() == StateInLobby {
			s.setState(StateInGame)
		}
	}

	s.ev.publishPacket(rcv)
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// SendTo sends a packet to one peer. onSuccess and onFailure only fire for
// reliable packets.
func (s *Session) SendTo(id byte, t protocol.Type, sub protocol.Subtype, payload []byte, reliable bool, onSuccess, onFailure func()) error {
	p, ok := s.reg.Get(id)
	if !ok {
		return fmt.Errorf("no peer with id %d", id)
	}
	pkt := protocol.NewPacket(t, sub, s.LocalID(), reliable, payload)
	s.tr.Enqueue(pkt, p.Addr(), onSuccess, onFailure, true)
	return nil
}

// Broadcast sends a separate packet, each with its own sequence id, to
// every remote peer.
func (s *Session) Broadcast(t protocol.Type, sub protocol.Subtype, payload []byte, reliable bool) {
	s.broadcast(t, sub, payload, reliable, nil)
}

func (s *Session) broadcast(t protocol.Type, sub protocol.Subtype, payload []byte, reliable bool, skip *peer.Peer) {
	for _, p := range s.reg.Remotes() {
		if p == skip {
			continue
		}
		pkt := protocol.NewPacket(t, sub, s.LocalID(), reliable, payload)
		s.tr.Enqueue(pkt, p.Addr(), nil, nil, true)
	}
}

// StartGame moves the lobby into the game and tells every peer to do the
// same. Only the host may start.
func (s *Session) StartGame() error {
	if s.State() != StateInLobby {
		return fmt.Errorf("cannot start game in state %s", s.State())
	}
	if !s.reg.IsLocalHost() {
		return fmt.Errorf("only the host can start the game")
	}
	s.Broadcast(protocol.TypeStartGame, protocol.SubChangeUpdate, nil, true)
	s.setState(StateInGame)
	return nil
}
