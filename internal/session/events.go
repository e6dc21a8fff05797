package session

import (
	"sync"
	"time"

	"github.com/1ureka/coopsync/internal/peer"
	"github.com/1ureka/coopsync/internal/protocol"
)

// Handler functions. All of them run on the tick goroutine.
type (
	PacketHandler       func(*protocol.Received)
	DisconnectHandler   func(peerID byte, self bool)
	PeersChangedHandler func([]peer.Info)
	SyncStepHandler     func(dt time.Duration)
	StateHandler        func(State)
)

// Subscription is the handle returned by every registration method.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe removes the handler. It is safe to call more than once and
// from inside the handler itself.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

type entry[F any] struct {
	id uint64
	fn F
}

// hub is an ordered list of handlers of one kind.
type hub[F any] struct {
	mu      sync.Mutex
	nextID  uint64
	entries []entry[F]
}

func (h *hub[F]) add(fn F) *Subscription {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.entries = append(h.entries, entry[F]{id: id, fn: fn})
	h.mu.Unlock()

	return &Subscription{cancel: func() { h.remove(id) }}
}

func (h *hub[F]) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, e := range h.entries {
		if e.id == id {
			h.entries = append(h.entries[:i], h.entries[i+1:]...)
			return
		}
	}
}

// handlers returns a copy so handlers may (un)subscribe while being called.
func (h *hub[F]) handlers() []F {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]F, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.fn
	}
	return out
}

func (h *hub[F]) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// events groups every hub a Session publishes to.
type events struct {
	mu      sync.Mutex
	packets map[protocol.Type]*hub[PacketHandler]

	disconnect   hub[DisconnectHandler]
	peersChanged hub[PeersChangedHandler]
	syncStep     hub[SyncStepHandler]
	state        hub[StateHandler]
}

func (e *events) packetHub(t protocol.Type) *hub[PacketHandler] {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.packets == nil {
		e.packets = make(map[protocol.Type]*hub[PacketHandler])
	}
	h, ok := e.packets[t]
	if !ok {
		h = &hub[PacketHandler]{}
		e.packets[t] = h
	}
	return h
}

func (e *events) publishPacket(rcv *protocol.Received) {
	for _, fn := range e.packetHub(rcv.Type).handlers() {
		fn(rcv)
	}
}

func (e *events) publishDisconnect(id byte, self bool) {
	for _, fn := range e.disconnect.handlers() {
		fn(id, self)
	}
}

func (e *events) publishPeers(peers []peer.Info) {
	for _, fn := range e.peersChanged.handlers() {
		fn(peers)
	}
}

func (e *events) publishSyncStep(dt time.Duration) {
	for _, fn := range e.syncStep.handlers() {
		fn(dt)
	}
}

func (e *events) publishState(s State) {
	for _, fn := range e.state.handlers() {
		fn(s)
	}
}
