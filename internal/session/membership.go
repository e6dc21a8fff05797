package session

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/1ureka/coopsync/internal/peer"
	"github.com/1ureka/coopsync/internal/protocol"
	"github.com/1ureka/coopsync/internal/transport"
	"github.com/1ureka/coopsync/internal/util"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// leaveOp tracks the confirmations a departing peer is waiting for.
type leaveOp struct {
	outstanding int
	done        chan struct{}
	span        trace.Span
}

// ---------------------------------------------------------------------------
// Host / Join
// ---------------------------------------------------------------------------

// Host opens a lobby with the local peer as host.
func (s *Session) Host() error {
	if st := s.State(); st != StateIdle {
		return fmt.Errorf("cannot host in state %s", st)
	}
	s.reg.ClaimHost()
	s.tr.SetLocalID(s.LocalID())
	s.setState(StateInLobby)
	util.LogSuccess("hosting lobby as %s", s.reg.Local())
	s.peersChanged()
	return nil
}

// Join sends the local peer record to a host. The session moves to
// InLobby when the host's peer list arrives, or back to Idle if the
// connect request is never confirmed.
func (s *Session) Join(addr netip.AddrPort) error {
	if st := s.State(); st != StateIdle {
		return fmt.Errorf("cannot join in state %s", st)
	}

	record, err := s.reg.Local().Encode()
	if err != nil {
		return fmt.Errorf("encode local peer: %w", err)
	}

	_, s.joinSpan = s.tracer.Start(s.ctx, "session.join",
		trace.WithAttributes(
			attribute.String("coopsync.session_id", s.id),
			attribute.String("coopsync.host_addr", addr.String()),
		),
	)
	s.joinAddr = addr
	s.joinElapsed = 0
	s.setState(StateJoining)

	pkt := protocol.NewPacket(protocol.TypeConnectToNetwork, protocol.SubAddUpdate, s.LocalID(), true, record)
	s.tr.Enqueue(pkt, addr,
		func() { util.LogDebug("host %s confirmed connect request", addr) },
		func() {
			if s.State() != StateJoining {
				return
			}
			util.LogError("host %s did not answer", addr)
			s.failJoin(errors.New("connect request not confirmed"))
		},
		true,
	)
	util.LogInfo("joining %s", addr)
	return nil
}

// failJoin abandons a pending join and returns to Idle.
func (s *Session) failJoin(err error) {
	s.endJoin(err)
	s.joinElapsed = 0
	s.setState(StateIdle)
}

func (s *Session) endJoin(err error) {
	if s.joinSpan == nil {
		return
	}
	if err != nil {
		s.joinSpan.RecordError(err)
		s.joinSpan.SetStatus(codes.Error, err.Error())
	} else {
		s.joinSpan.SetStatus(codes.Ok, "")
	}
	s.joinSpan.End()
	s.joinSpan = nil
}

// handleConnect admits a joining peer on the host, replies with the full peer
// list and, once that is confirmed, pushes the list to everyone else.
func (s *Session) handleConnect(rcv *protocol.Received) {
	if s.State() != StateInLobby || !s.reg.IsLocalHost() {
		util.LogDebug("ignoring connect request from %s: not accepting", rcv.From)
		return
	}

	_, span := s.tracer.Start(s.ctx, "session.admit",
		trace.WithAttributes(attribute.String("coopsync.peer_addr", rcv.From.String())))
	defer span.End()

	values, err := peer.Schema.Decode(rcv.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad peer record")
		util.LogWarning("bad connect request from %s: %v", rcv.From, err)
		return
	}
	newcomer, err := peer.FromValues(values)
	if err != nil {
		span.RecordError(err)
		util.LogWarning("bad connect request from %s: %v", rcv.From, err)
		return
	}
	if addr, err := netip.ParseAddr(newcomer.IP); err != nil || addr.IsUnspecified() {
		newcomer.IP = rcv.From.Addr().String()
	}

	admitted, added, err := s.reg.Admit(newcomer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		util.LogError("cannot admit %s: %v", rcv.From, err)
		return
	}
	span.SetAttributes(attribute.Int("coopsync.peer_id", int(admitted.ID())))
	if added {
		util.LogSuccess("peer joined: %s", admitted)
		s.peersChanged()
	}

	list, err := s.reg.EncodeAll()
	if err != nil {
		span.RecordError(err)
		util.LogError("encode peer list: %v", err)
		return
	}

	dest := admitted.Addr()
	pkt := protocol.NewPacket(protocol.TypeReturnNetwork, protocol.SubCompleteList, s.LocalID(), true, list)
	s.tr.Enqueue(pkt, dest,
		func() {
			if _, ok := s.reg.Get(admitted.ID()); !ok {
				return
			}
			s.broadcastPeerList(admitted)
		},
		func() {
			if p, ok := s.reg.ByAddr(dest); ok && p == admitted {
				util.LogWarning("peer %s never confirmed the peer list", admitted)
				s.removeRemote(admitted.ID())
			}
		},
		true,
	)
}

// broadcastPeerList sends the current list to every remote except skip.
// A peer that never confirms it is removed.
func (s *Session) broadcastPeerList(skip *peer.Peer) {
	list, err := s.reg.EncodeAll()
	if err != nil {
		util.LogError("encode peer list: %v", err)
		return
	}
	for _, p := range s.reg.Remotes() {
		if p == skip {
			continue
		}
		target := p
		pkt := protocol.NewPacket(protocol.TypeReturnNetwork, protocol.SubCompleteList, s.LocalID(), true, list)
		s.tr.Enqueue(pkt, target.Addr(), nil, func() {
			if cur, ok := s.reg.Get(target.ID()); ok && cur == target {
				util.LogWarning("peer %s never confirmed the peer list", target)
				s.removeRemote(target.ID())
			}
		}, true)
	}
}

// handlePeerList adopts the full list sent by the host.
func (s *Session) handlePeerList(rcv *protocol.Received) {
	st := s.State()
	if st != StateJoining && !st.Connected() {
		return
	}

	removed, err := s.reg.AdoptList(rcv.Payload)
	if err != nil {
		util.LogWarning("bad peer list from %s: %v", rcv.From, err)
		return
	}
	s.tr.SetLocalID(s.LocalID())

	if st == StateJoining {
		s.endJoin(nil)
		s.setState(StateInLobby)
		util.LogSuccess("joined lobby as %s", s.reg.Local())
	}
	for _, id := range removed {
		util.LogInfo("peer #%d missing from the host's list", id)
		s.ev.publishDisconnect(id, false)
	}
	s.peersChanged()
}

// ---------------------------------------------------------------------------
// Disconnect
// ---------------------------------------------------------------------------

func (s *Session) handleDisconnect(rcv *protocol.Received) {
	if rcv.Subtype == protocol.SubConfirmation || !s.State().Connected() {
		return
	}
	if len(rcv.Payload) == 0 {
		util.LogWarning("empty disconnect from %s", rcv.From)
		return
	}

	id := rcv.Payload[0]
	if id == s.LocalID() {
		util.LogWarning("peer %d reported the local peer as disconnected", rcv.SenderID)
		return
	}
	s.removeRemote(id)
}

// removeRemote drops a peer and publishes the change. Host migration is done
// by the registry.
func (s *Session) removeRemote(id byte) {
	removed, migrated := s.reg.Remove(id)
	if removed == nil {
		return
	}
	util.LogInfo("peer left: %s", removed)

	if migrated {
		host := s.reg.Host()
		_, span := s.tracer.Start(s.ctx, "session.host_migration",
			trace.WithAttributes(
				attribute.Int("coopsync.old_host", int(id)),
				attribute.Int("coopsync.new_host", int(host.ID())),
			))
		span.End()
		if s.reg.IsLocalHost() {
			util.LogSuccess("local peer is now host")
		}
	}

	s.ev.publishDisconnect(id, false)
	s.peersChanged()
}

// declareDisconnected removes an unresponsive peer and tells the others.
func (s *Session) declareDisconnected(p *peer.Peer) {
	_, span := s.tracer.Start(s.ctx, "session.declare_disconnected",
		trace.WithAttributes(attribute.Int("coopsync.peer_id", int(p.ID()))))
	defer span.End()

	payload, err := p.Encode()
	if err != nil {
		payload = []byte{p.ID()}
	}
	util.LogWarning("peer %s stopped answering", p)
	s.removeRemote(p.ID())
	s.Broadcast(protocol.TypeDisconnectNetwork, protocol.SubRemoveUpdate, payload, false)
}

// Leave tells every peer the local peer is going and resolves the returned
// channel once all of them confirmed or gave up, or at once when alone.
func (s *Session) Leave() <-chan struct{} {
	if s.leave != nil {
		return s.leave.done
	}

	op := &leaveOp{done: make(chan struct{})}
	_, op.span = s.tracer.Start(s.ctx, "session.leave",
		trace.WithAttributes(attribute.String("coopsync.session_id", s.id)))
	s.leave = op

	remotes := s.reg.Remotes()
	if !s.State().Connected() || len(remotes) == 0 {
		s.finishLeave()
		return op.done
	}

	record, err := s.reg.Local().Encode()
	if err != nil {
		record = []byte{s.LocalID()}
	}

	op.outstanding = len(remotes)
	op.span.SetAttributes(attribute.Int("coopsync.peers", len(remotes)))
	settle := func() {
		op.outstanding--
		if op.outstanding == 0 {
			s.finishLeave()
		}
	}
	for _, p := range remotes {
		pkt := protocol.NewPacket(protocol.TypeDisconnectNetwork, protocol.SubChangeUpdate, s.LocalID(), true, record)
		s.tr.Enqueue(pkt, p.Addr(), settle, settle, true)
	}
	util.LogInfo("leaving, waiting for %d peer(s)", len(remotes))
	return op.done
}

func (s *Session) finishLeave() {
	op := s.leave
	id := s.LocalID()

	s.endJoin(errors.New("left before joining"))
	s.reg.Reset()
	s.tr.SetLocalID(0)
	s.setState(StateLeft)
	s.ev.publishDisconnect(id, true)

	op.span.End()
	close(op.done)
	util.LogInfo("left session")
}

// ---------------------------------------------------------------------------
// Liveness
// ---------------------------------------------------------------------------

func (s *Session) pingAll() {
	for _, p := range s.reg.Remotes() {
		s.ping(p)
	}
}

func (s *Session) ping(p *peer.Peer) {
	pkt := protocol.NewPacket(protocol.TypePing, protocol.SubAddUpdate, s.LocalID(), true, []byte{s.LocalID()})
	s.tr.Enqueue(pkt, p.Addr(), nil, nil, true)
}

// onExhausted runs after a reliable packet to a peer ran out of resends. A
// failed ping means the peer is gone; anything else earns one more ping.
func (s *Session) onExhausted(pending *transport.Pending) {
	if !s.State().Connected() || s.leave != nil {
		return
	}
	p, ok := s.reg.ByAddr(pending.Dest)
	if !ok || p == s.reg.Local() {
		return
	}

	if pending.Packet.Type == protocol.TypePing {
		s.declareDisconnected(p)
		return
	}
	util.LogDebug("probing %s after %s went unconfirmed", p, pending.Packet)
	s.ping(p)
}
