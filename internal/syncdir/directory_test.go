package syncdir

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/1ureka/coopsync/internal/codec"
)

// crate is a minimal synchronizable object used by the tests.
type crate struct {
	id    byte
	label string
	pos   codec.Vec2
	dt    float32
}

var crateSchema = codec.MustSchema(
	codec.ByteField("id", func(c *crate) byte { return c.id }, func(c *crate, v byte) { c.id = v }),
	codec.StringField("label", func(c *crate) string { return c.label }, func(c *crate, v string) { c.label = v }),
	codec.Vec2Field("pos", func(c *crate) codec.Vec2 { return c.pos }, func(c *crate, v codec.Vec2) { c.pos = v }),
)

func (c *crate) ID() byte                { return c.id }
func (c *crate) AssignID(id byte)        { c.id = id }
func (c *crate) Encode() ([]byte, error) { return crateSchema.Encode(c) }
func (c *crate) ApplyDecoded(v codec.Values, dt float32) error {
	c.dt = dt
	return crateSchema.Apply(c, v)
}

func newDir(t *testing.T, n int) *Directory[*crate] {
	t.Helper()
	d := New(crateSchema)
	for i := 0; i < n; i++ {
		c := &crate{id: byte(10 + i), label: fmt.Sprintf("crate-%d", i), pos: codec.Vec2{X: float32(i), Y: -float32(i)}}
		if err := d.Add(c); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	return d
}

// TestBulkRoundTrip encodes directories of 0, 1 and N objects and checks that
// DecodeAll yields the same values in the same order.
func TestBulkRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 3, 40} {
		t.Run(fmt.Sprintf("%d objects", n), func(t *testing.T) {
			d := newDir(t, n)

			data, err := d.EncodeAll()
			if err != nil {
				t.Fatalf("EncodeAll failed: %v", err)
			}
			if n == 0 && len(data) != 0 {
				t.Fatalf("empty directory encoded to %d bytes", len(data))
			}

			var got []codec.Values
			var dts []float32
			err = d.DecodeAll(data, 0.25, func(v codec.Values, dt float32) {
				got = append(got, v)
				dts = append(dts, dt)
			})
			if err != nil {
				t.Fatalf("DecodeAll failed: %v", err)
			}

			if len(got) != n {
				t.Fatalf("records: got %d, want %d", len(got), n)
			}
			for i, c := range d.List() {
				want := codec.Values{c.id, c.label, c.pos}
				if !reflect.DeepEqual(got[i], want) {
					t.Errorf("record %d: got %v, want %v", i, got[i], want)
				}
				if dts[i] != 0.25 {
					t.Errorf("record %d dt: got %v, want 0.25", i, dts[i])
				}
			}
		})
	}
}

func TestDecodeAllTruncated(t *testing.T) {
	d := newDir(t, 2)
	data, err := d.EncodeAll()
	if err != nil {
		t.Fatalf("EncodeAll failed: %v", err)
	}

	calls := 0
	err = d.DecodeAll(data[:len(data)-1], 0, func(codec.Values, float32) { calls++ })
	if !errors.Is(err, codec.ErrShortBuffer) {
		t.Fatalf("got error %v, want ErrShortBuffer", err)
	}
	if calls != 1 {
		t.Errorf("callbacks before failure: got %d, want 1", calls)
	}
}

// TestUnknownTargetDropped applies an update for an id with no member. The
// directory must stay unchanged and the drop must be counted.
func TestUnknownTargetDropped(t *testing.T) {
	d := newDir(t, 2)
	before, _ := d.EncodeAll()

	obj, ok := d.ApplyUpdate(codec.Values{byte(99), "ghost", codec.Vec2{X: 1}}, 0.1)
	if ok || obj != nil {
		t.Fatalf("ApplyUpdate: got (%v, %t), want (nil, false)", obj, ok)
	}

	after, _ := d.EncodeAll()
	if !reflect.DeepEqual(before, after) {
		t.Error("directory changed after dropped update")
	}
	if d.Len() != 2 {
		t.Errorf("Len: got %d, want 2", d.Len())
	}
	if d.Dropped() != 1 {
		t.Errorf("Dropped: got %d, want 1", d.Dropped())
	}
}

func TestApplyUpdate(t *testing.T) {
	d := newDir(t, 2)

	obj, ok := d.ApplyUpdate(codec.Values{byte(11), "moved", codec.Vec2{X: 7, Y: 8}}, 0.05)
	if !ok {
		t.Fatal("ApplyUpdate returned false for a known id")
	}
	if obj.label != "moved" || obj.pos != (codec.Vec2{X: 7, Y: 8}) || obj.dt != 0.05 {
		t.Errorf("object not updated: %+v", *obj)
	}

	// Wrong value types are dropped, not applied.
	if _, ok := d.ApplyUpdate(codec.Values{byte(11), 5, codec.Vec2{}}, 0); ok {
		t.Error("mismatched update was applied")
	}
	if d.Dropped() != 1 {
		t.Errorf("Dropped: got %d, want 1", d.Dropped())
	}
}

func TestAddRemoveAndLocal(t *testing.T) {
	d := newDir(t, 3)

	if err := d.Add(&crate{id: 10}); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("duplicate Add: got %v, want ErrDuplicateID", err)
	}

	local, _ := d.Get(11)
	d.SetLocal(local)
	if got, ok := d.Local(); !ok || got != local {
		t.Fatal("Local not set")
	}

	removed, ok := d.Remove(11)
	if !ok || removed != local {
		t.Fatalf("Remove(11): got (%v, %t)", removed, ok)
	}
	if _, ok := d.Local(); ok {
		t.Error("local reference survived removal of its object")
	}
	if _, ok := d.Remove(11); ok {
		t.Error("second Remove(11) reported success")
	}
	if got := d.IDs(); !reflect.DeepEqual(got, []byte{10, 12}) {
		t.Errorf("IDs: got %v, want [10 12]", got)
	}

	id, err := d.FreeID(10)
	if err != nil || id != 11 {
		t.Errorf("FreeID(10): got (%d, %v), want (11, nil)", id, err)
	}

	d.Reset()
	if d.Len() != 0 || len(d.IDs()) != 0 {
		t.Errorf("Reset left %d members", d.Len())
	}
}

func TestRekeyOnIDChange(t *testing.T) {
	d := newDir(t, 2)
	c, _ := d.Get(10)
	c.AssignID(0)
	d.MarkDirty(10)

	if err := d.Rekey(10); err != nil {
		t.Fatalf("Rekey failed: %v", err)
	}
	if _, ok := d.Get(10); ok {
		t.Error("old key still present")
	}
	if got, ok := d.Get(0); !ok || got != c {
		t.Error("object not found under new key")
	}
	if got := d.IDs(); !reflect.DeepEqual(got, []byte{0, 11}) {
		t.Errorf("IDs: got %v, want [0 11]", got)
	}
	if d.DirtyLen() != 1 {
		t.Errorf("dirty flag lost on rekey")
	}

	c2, _ := d.Get(11)
	c2.AssignID(0)
	if err := d.Rekey(11); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("colliding Rekey: got %v, want ErrDuplicateID", err)
	}
}

// badge moves to the id carried in its "next" field when updated.
type badge struct {
	id, next byte
	label    string
}

var badgeSchema = codec.MustSchema(
	codec.ByteField("id", func(b *badge) byte { return b.id }, func(b *badge, v byte) { b.id = v }),
	codec.ByteField("next", func(b *badge) byte { return b.next }, func(b *badge, v byte) { b.next = v }),
	codec.StringField("label", func(b *badge) string { return b.label }, func(b *badge, v string) { b.label = v }),
)

func (b *badge) ID() byte                { return b.id }
func (b *badge) AssignID(id byte)        { b.id = id }
func (b *badge) Encode() ([]byte, error) { return badgeSchema.Encode(b) }
func (b *badge) ApplyDecoded(v codec.Values, _ float32) error {
	if err := badgeSchema.Apply(b, v); err != nil {
		return err
	}
	b.id = b.next
	return nil
}

func TestApplyUpdateIDChange(t *testing.T) {
	d := New(badgeSchema)
	a := &badge{id: 1, next: 1, label: "a"}
	b := &badge{id: 2, next: 2, label: "b"}
	for _, obj := range []*badge{a, b} {
		if err := d.Add(obj); err != nil {
			t.Fatalf("Add(%d): %v", obj.id, err)
		}
	}

	// Moving onto a free id re-keys.
	if obj, ok := d.ApplyUpdate(codec.Values{byte(1), byte(5), "a5"}, 0); !ok || obj != a {
		t.Fatalf("ApplyUpdate to free id: got (%v, %t)", obj, ok)
	}
	if got, ok := d.Get(5); !ok || got != a {
		t.Fatal("object not stored under its new id")
	}

	// Moving onto a taken id is rejected and leaves the object as it was.
	if _, ok := d.ApplyUpdate(codec.Values{byte(5), byte(2), "clash"}, 0); ok {
		t.Fatal("ApplyUpdate onto a taken id succeeded")
	}
	if a.id != 5 || a.next != 5 || a.label != "a5" {
		t.Errorf("rejected update changed the object: %+v", *a)
	}
	if got, ok := d.Get(5); !ok || got != a {
		t.Error("object lost its key")
	}
	if got, _ := d.Get(2); got != b {
		t.Error("occupant of the taken id replaced")
	}
	if d.Dropped() != 1 {
		t.Errorf("Dropped: got %d, want 1", d.Dropped())
	}
}

func TestFlushDirty(t *testing.T) {
	d := newDir(t, 4)

	if data, err := d.FlushDirty(); err != nil || data != nil {
		t.Fatalf("clean FlushDirty: got (%v, %v), want (nil, nil)", data, err)
	}

	d.MarkDirty(13)
	d.MarkDirty(11)
	d.MarkDirty(200) // not a member

	data, err := d.FlushDirty()
	if err != nil {
		t.Fatalf("FlushDirty failed: %v", err)
	}

	var ids []byte
	if err := d.DecodeAll(data, 0, func(v codec.Values, _ float32) { ids = append(ids, v.Byte(0)) }); err != nil {
		t.Fatalf("DecodeAll failed: %v", err)
	}
	if !reflect.DeepEqual(ids, []byte{11, 13}) {
		t.Errorf("flushed ids: got %v, want [11 13]", ids)
	}
	if d.DirtyLen() != 0 {
		t.Errorf("dirty set not cleared: %d", d.DirtyLen())
	}
}

func TestEncodeAllRecordTooBig(t *testing.T) {
	d := New(crateSchema)
	long := make([]byte, 250)
	for i := range long {
		long[i] = 'a'
	}
	// 1 (id) + 1+250 (label) + 8 (pos) > 255
	if err := d.Add(&crate{id: 1, label: string(long)}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := d.EncodeAll(); !errors.Is(err, ErrRecordTooBig) {
		t.Errorf("got %v, want ErrRecordTooBig", err)
	}
}
