// Package syncdir keeps the live synchronizable objects of one kind, keyed by
// their byte id, and maps bulk payloads and per-object updates onto them.
//
// A Directory is not safe for concurrent use; it belongs to the tick
// goroutine (or to a caller that wraps it in a lock).
package syncdir

import (
	"errors"
	"fmt"

	"github.com/1ureka/coopsync/internal/codec"
	"github.com/1ureka/coopsync/internal/util"
)

// Object is the contract every synchronizable type implements.
type Object interface {
	ID() byte
	AssignID(id byte)
	Encode() ([]byte, error)
	ApplyDecoded(v codec.Values, dt float32) error
}

var (
	ErrDuplicateID   = errors.New("duplicate object id")
	ErrRecordTooBig  = errors.New("encoded object longer than 255 bytes")
	ErrDirectoryFull = errors.New("no free object id")
)

// Directory maps ids to live objects, remembers insertion order for bulk
// encoding, and holds an optional reference to the locally owned object.
type Directory[T Object] struct {
	schema *codec.Schema[T]
	items  map[byte]T
	order  []byte
	dirty  map[byte]struct{}

	local    T
	hasLocal bool

	dropped int
}

// New creates an empty directory whose records are decoded with schema.
func New[T Object](schema *codec.Schema[T]) *Directory[T] {
	return &Directory[T]{
		schema: schema,
		items:  make(map[byte]T),
		dirty:  make(map[byte]struct{}),
	}
}

// Schema returns the record schema.
func (d *Directory[T]) Schema() *codec.Schema[T] { return d.schema }

// ---------------------------------------------------------------------------
// Membership
// ---------------------------------------------------------------------------

// Add inserts obj under obj.ID().
func (d *Directory[T]) Add(obj T) error {
	id := obj.ID()
	if _, exists := d.items[id]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}
	d.items[id] = obj
	d.order = append(d.order, id)
	return nil
}

// Remove deletes the object with id. If it was the local object, the local
// reference is cleared as well.
func (d *Directory[T]) Remove(id byte) (T, bool) {
	obj, ok := d.items[id]
	if !ok {
		var zero T
		return zero, false
	}
	delete(d.items, id)
	delete(d.dirty, id)
	d.dropOrder(id)

	if d.hasLocal && d.local.ID() == id {
		d.ClearLocal()
	}
	return obj, true
}

// Get returns the object with id.
func (d *Directory[T]) Get(id byte) (T, bool) {
	obj, ok := d.items[id]
	return obj, ok
}

// Len returns the number of members.
func (d *Directory[T]) Len() int { return len(d.items) }

// IDs returns member ids in insertion order.
func (d *Directory[T]) IDs() []byte {
	return append([]byte(nil), d.order...)
}

// List returns members in insertion order.
func (d *Directory[T]) List() []T {
	out := make([]T, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.items[id])
	}
	return out
}

// Each calls fn for every member in insertion order until fn returns false.
func (d *Directory[T]) Each(fn func(T) bool) {
	for _, id := range d.IDs() {
		obj, ok := d.items[id]
		if !ok {
			continue
		}
		if !fn(obj) {
			return
		}
	}
}

// FreeID returns the lowest id not in use, starting at from.
func (d *Directory[T]) FreeID(from byte) (byte, error) {
	for id := int(from); id <= 0xFF; id++ {
		if _, used := d.items[byte(id)]; !used {
			return byte(id), nil
		}
	}
	return 0, ErrDirectoryFull
}

// Reset removes every member and the local reference.
func (d *Directory[T]) Reset() {
	clear(d.items)
	clear(d.dirty)
	d.order = d.order[:0]
	d.ClearLocal()
}

// Rekey moves the object stored under from to its current ID().
func (d *Directory[T]) Rekey(from byte) error {
	obj, ok := d.items[from]
	if !ok {
		return fmt.Errorf("no object with id %d", from)
	}
	to := obj.ID()
	if to == from {
		return nil
	}
	if _, taken := d.items[to]; taken {
		return fmt.Errorf("%w: %d", ErrDuplicateID, to)
	}

	delete(d.items, from)
	d.items[to] = obj
	for i, id := range d.order {
		if id == from {
			d.order[i] = to
			break
		}
	}
	if _, ok := d.dirty[from]; ok {
		delete(d.dirty, from)
		d.dirty[to] = struct{}{}
	}
	return nil
}

func (d *Directory[T]) dropOrder(id byte) {
	for i, v := range d.order {
		if v == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Local object
// ---------------------------------------------------------------------------

// Local returns the locally owned object, if one is set.
func (d *Directory[T]) Local() (T, bool) {
	return d.local, d.hasLocal
}

// SetLocal designates obj as the locally owned object. It does not add obj
// to the directory.
func (d *Directory[T]) SetLocal(obj T) {
	d.local = obj
	d.hasLocal = true
}

func (d *Directory[T]) ClearLocal() {
	var zero T
	d.local = zero
	d.hasLocal = false
}

// ---------------------------------------------------------------------------
// Wire
// ---------------------------------------------------------------------------

// EncodeAll concatenates every member as [len byte][record], in insertion
// order. An empty directory encodes to an empty slice.
func (d *Directory[T]) EncodeAll() ([]byte, error) {
	return d.encode(d.order)
}

func (d *Directory[T]) encode(ids []byte) ([]byte, error) {
	buf := make([]byte, 0, 16*len(ids))
	for _, id := range ids {
		rec, err := d.items[id].Encode()
		if err != nil {
			return nil, fmt.Errorf("encode object %d: %w", id, err)
		}
		if len(rec) > 0xFF {
			return nil, fmt.Errorf("object %d: %w (%d)", id, ErrRecordTooBig, len(rec))
		}
		buf = append(buf, byte(len(rec)))
		buf = append(buf, rec...)
	}
	return buf, nil
}

// DecodeAll walks a stream produced by EncodeAll and calls fn with each
// record's values and dt. It stops at the first malformed record.
func (d *Directory[T]) DecodeAll(data []byte, dt float32, fn func(codec.Values, float32)) error {
	for off := 0; off < len(data); {
		n := int(data[off])
		off++
		if off+n > len(data) {
			return fmt.Errorf("record at offset %d: %w: need %d bytes, have %d",
				off-1, codec.ErrShortBuffer, n, len(data)-off)
		}
		values, err := d.schema.Decode(data[off : off+n])
		if err != nil {
			return fmt.Errorf("record at offset %d: %w", off-1, err)
		}
		fn(values, dt)
		off += n
	}
	return nil
}

// ApplyUpdate routes a decoded record to the member whose id is the first
// value. An unknown id is dropped with a warning and reported as false.
func (d *Directory[T]) ApplyUpdate(v codec.Values, dt float32) (T, bool) {
	var zero T
	if len(v) == 0 {
		d.drop("empty update")
		return zero, false
	}

	id := v.Byte(0)
	obj, ok := d.items[id]
	if !ok {
		d.drop(fmt.Sprintf("update for unknown object %d", id))
		return zero, false
	}

	// Snapshot so an update that moves the object onto a taken id can be
	// undone.
	before, snapErr := obj.Encode()

	if err := obj.ApplyDecoded(v, dt); err != nil {
		d.drop(fmt.Sprintf("update for object %d: %v", id, err))
		return zero, false
	}

	if to := obj.ID(); to != id {
		if _, taken := d.items[to]; taken {
			d.restore(obj, id, before, snapErr)
			d.drop(fmt.Sprintf("update moving object %d onto taken id %d", id, to))
			return zero, false
		}
		if err := d.Rekey(id); err != nil {
			util.LogWarning("object %d changed id to %d: %v", id, to, err)
		}
	}
	return obj, true
}

// restore puts obj back to its encoded state before a rejected update.
func (d *Directory[T]) restore(obj T, id byte, before []byte, snapErr error) {
	if snapErr == nil {
		if v, err := d.schema.Decode(before); err == nil {
			if err := obj.ApplyDecoded(v, 0); err != nil {
				util.LogWarning("restore object %d: %v", id, err)
			}
		}
	}
	obj.AssignID(id)
}

// Dropped returns how many updates ApplyUpdate has discarded.
func (d *Directory[T]) Dropped() int { return d.dropped }

func (d *Directory[T]) drop(reason string) {
	d.dropped++
	util.LogWarning("dropping %s", reason)
}

// ---------------------------------------------------------------------------
// Dirty tracking
// ---------------------------------------------------------------------------

// MarkDirty flags a member for the next FlushDirty. Unknown ids are ignored.
func (d *Directory[T]) MarkDirty(id byte) {
	if _, ok := d.items[id]; ok {
		d.dirty[id] = struct{}{}
	}
}

// DirtyLen returns the number of flagged members.
func (d *Directory[T]) DirtyLen() int { return len(d.dirty) }

// FlushDirty encodes only the flagged members, in insertion order, and clears
// the flags. It returns nil when nothing is flagged.
func (d *Directory[T]) FlushDirty() ([]byte, error) {
	if len(d.dirty) == 0 {
		return nil, nil
	}
	ids := make([]byte, 0, len(d.dirty))
	for _, id := range d.order {
		if _, ok := d.dirty[id]; ok {
			ids = append(ids, id)
		}
	}
	buf, err := d.encode(ids)
	if err != nil {
		return nil, err
	}
	clear(d.dirty)
	return buf, nil
}
