package peer

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/1ureka/coopsync/internal/codec"
	"github.com/1ureka/coopsync/internal/syncdir"
	"github.com/1ureka/coopsync/internal/util"
)

// Registry is the local view of the session's peers. The local record is a
// member like any other and is also kept as the directory's local reference.
//
// Mutations happen on the tick goroutine; readers such as the monitor may
// call the accessors concurrently.
type Registry struct {
	mu   sync.RWMutex
	dir  *syncdir.Directory[*Peer]
	host *Peer
}

// NewRegistry creates a registry holding only the local record. When isHost
// is set the local peer starts as host.
func NewRegistry(local *Peer, isHost bool) *Registry {
	r := &Registry{dir: syncdir.New(Schema)}
	local.IsHost = false
	r.dir.Add(local)
	r.dir.SetLocal(local)
	if isHost {
		r.setHost(local)
	}
	return r
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Local returns the local record.
func (r *Registry) Local() *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	local, _ := r.dir.Local()
	return local
}

// Get returns the peer with id.
func (r *Registry) Get(id byte) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dir.Get(id)
}

// ByAddr returns the peer registered at addr.
func (r *Registry) ByAddr(addr netip.AddrPort) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byAddr(addr)
}

func (r *Registry) byAddr(addr netip.AddrPort) (*Peer, bool) {
	var found *Peer
	r.dir.Each(func(p *Peer) bool {
		if p.Addr() == addr {
			found = p
			return false
		}
		return true
	})
	return found, found != nil
}

// Remotes returns every peer except the local one, in join order.
func (r *Registry) Remotes() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	local, _ := r.dir.Local()
	out := make([]*Peer, 0, r.dir.Len())
	for _, p := range r.dir.List() {
		if p != local {
			out = append(out, p)
		}
	}
	return out
}

// Snapshot returns copies of every record, local included.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	local, _ := r.dir.Local()
	out := make([]Info, 0, r.dir.Len())
	for _, p := range r.dir.List() {
		out = append(out, p.info(p == local))
	}
	return out
}

// Len returns the number of peers including the local one.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dir.Len()
}

// Host returns the current host, or nil before one is known.
func (r *Registry) Host() *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.host
}

// IsLocalHost reports whether the local peer is host.
func (r *Registry) IsLocalHost() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	local, _ := r.dir.Local()
	return r.host != nil && r.host == local
}

// EncodeAll returns the full peer list as a length-prefixed record stream.
func (r *Registry) EncodeAll() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dir.EncodeAll()
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// Admit registers a connecting peer on the host. A peer already known at the
// same address is returned as is; otherwise the lowest unused id is
// assigned. The bool reports whether a new record was added.
func (r *Registry) Admit(p *Peer) (*Peer, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byAddr(p.Addr()); ok {
		return existing, false, nil
	}

	id, err := r.dir.FreeID(0)
	if err != nil {
		return nil, false, err
	}
	p.AssignID(id)
	p.IsHost = false
	if err := r.dir.Add(p); err != nil {
		return nil, false, err
	}
	util.Stats.AddPeer()
	return p, true, nil
}

// Merge applies one synced record. The record keeps its id; a record flagged
// isHost becomes the host.
func (r *Registry) Merge(v codec.Values) (*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.merge(v)
}

func (r *Registry) merge(v codec.Values) (*Peer, error) {
	incoming, err := FromValues(v)
	if err != nil {
		return nil, fmt.Errorf("peer record: %w", err)
	}

	local, _ := r.dir.Local()
	p, ok := r.dir.Get(incoming.id)
	if ok && p == local && p.Addr() != incoming.Addr() {
		return nil, fmt.Errorf("record %s collides with local peer id", incoming)
	}
	if !ok {
		if byAddr, found := r.byAddr(incoming.Addr()); found {
			old := byAddr.id
			byAddr.AssignID(incoming.id)
			if err := r.dir.Rekey(old); err != nil {
				byAddr.AssignID(old)
				return nil, err
			}
			p, ok = byAddr, true
		}
	}

	if !ok {
		p = incoming
		if err := r.dir.Add(p); err != nil {
			return nil, err
		}
		util.Stats.AddPeer()
	} else if err := p.ApplyDecoded(v, 0); err != nil {
		return nil, err
	}

	if p.IsHost {
		r.setHost(p)
	} else if p == r.host {
		// Keep the current host until another record claims it.
		p.IsHost = true
	}
	return p, nil
}

// AdoptList replaces the registry contents with a full peer list received
// from the host. The local record is found by its address and re-keyed
// first, then the other records are merged and remotes missing from the
// list are dropped. It returns the ids of the dropped remotes.
func (r *Registry) AdoptList(data []byte) ([]byte, error) {
	var records []codec.Values
	if err := r.dir.DecodeAll(data, 0, func(v codec.Values, _ float32) {
		records = append(records, v)
	}); err != nil {
		return nil, fmt.Errorf("peer list: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	local, _ := r.dir.Local()
	keep := map[byte]bool{}
	found := false

	for i, v := range records {
		rec, err := FromValues(v)
		if err != nil {
			return nil, fmt.Errorf("peer list record %d: %w", i, err)
		}
		if rec.Addr() != local.Addr() {
			continue
		}

		if rec.id != local.id {
			if stale, ok := r.dir.Get(rec.id); ok && stale != local {
				r.dir.Remove(rec.id)
				util.Stats.RemovePeer()
			}
			old := local.id
			local.AssignID(rec.id)
			if err := r.dir.Rekey(old); err != nil {
				return nil, err
			}
		}
		if err := local.ApplyDecoded(v, 0); err != nil {
			return nil, err
		}
		if local.IsHost {
			r.setHost(local)
		}
		records = append(records[:i], records[i+1:]...)
		found = true
		break
	}
	if !found {
		util.LogWarning("local peer %s missing from received peer list", local)
	}
	keep[local.id] = true

	for _, v := range records {
		p, err := r.merge(v)
		if err != nil {
			util.LogWarning("skipping peer record: %v", err)
			continue
		}
		keep[p.id] = true
	}

	var removed []byte
	for _, id := range r.dir.IDs() {
		if keep[id] {
			continue
		}
		if p, _ := r.remove(id); p != nil {
			removed = append(removed, id)
		}
	}
	return removed, nil
}

// Remove drops the peer with id. Removing the host elects the remaining peer
// with the lowest id, local included. The local record cannot be removed.
func (r *Registry) Remove(id byte) (removed *Peer, migrated bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remove(id)
}

func (r *Registry) remove(id byte) (*Peer, bool) {
	if local, _ := r.dir.Local(); local != nil && local.id == id {
		return nil, false
	}

	p, ok := r.dir.Remove(id)
	if !ok {
		return nil, false
	}
	util.Stats.RemovePeer()

	if p != r.host {
		return p, false
	}
	p.IsHost = false
	r.host = nil
	r.electHost()
	return p, true
}

// electHost makes the member with the lowest id host.
func (r *Registry) electHost() {
	var lowest *Peer
	r.dir.Each(func(p *Peer) bool {
		if lowest == nil || p.id < lowest.id {
			lowest = p
		}
		return true
	})
	if lowest != nil {
		r.setHost(lowest)
		util.LogInfo("host migrated to %s", lowest)
	}
}

func (r *Registry) setHost(p *Peer) {
	r.dir.Each(func(q *Peer) bool {
		q.IsHost = q == p
		return true
	})
	r.host = p
}

// Reset drops every remote record and the host, keeping only the local
// record with id 0.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	local, _ := r.dir.Local()
	r.dir.Reset()
	local.AssignID(0)
	local.IsHost = false
	r.dir.Add(local)
	r.dir.SetLocal(local)
	r.host = nil
}

// ClaimHost makes the local peer host.
func (r *Registry) ClaimHost() {
	r.mu.Lock()
	defer r.mu.Unlock()
	local, _ := r.dir.Local()
	r.setHost(local)
}
