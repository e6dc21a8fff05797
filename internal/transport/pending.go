package transport

import (
	"net/netip"
	"time"

	"github.com/1ureka/coopsync/internal/protocol"
)

const (
	// ResendInterval is how long a reliable packet waits for its
	// confirmation before being sent again.
	ResendInterval = 500 * time.Millisecond

	// MaxResends bounds the number of resends. The next timeout after the
	// last resend is terminal.
	MaxResends = 4
)

// Pending is a reliable packet awaiting confirmation.
type Pending struct {
	Sequence uint16
	Packet   *protocol.Packet
	Dest     netip.AddrPort
	Elapsed  time.Duration // since the last (re)send
	Resends  int

	onSuccess func()
	onFailure func()
}

// pendingSet holds Pending entries in creation order. Callers hold
// Transport.mu.
type pendingSet struct {
	items []*Pending
}

func (s *pendingSet) add(p *Pending) {
	s.items = append(s.items, p)
}

// take removes and returns the entry with the given sequence id.
func (s *pendingSet) take(seq uint16) *Pending {
	for i, p := range s.items {
		if p.Sequence == seq {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return p
		}
	}
	return nil
}

// advance adds dt to every entry and returns the oldest one that is due, or
// nil. At most one entry is acted on per step.
func (s *pendingSet) advance(dt time.Duration) *Pending {
	var due *Pending
	for _, p := range s.items {
		p.Elapsed += dt
		if due == nil && p.Elapsed >= ResendInterval {
			due = p
		}
	}
	return due
}

func (s *pendingSet) len() int { return len(s.items) }

func (s *pendingSet) reset() { s.items = nil }
