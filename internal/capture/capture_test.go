package capture

import (
	"bytes"
	"errors"
	"io"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

func TestWriteRead(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(nopCloser{&buf})
	at := time.UnixMicro(1_700_000_000_123_456)
	w.nowFunc = func() time.Time { return at }

	a := netip.MustParseAddrPort("10.0.0.2:11000")
	b := netip.MustParseAddrPort("[::ffff:192.168.1.9]:4000")
	w.Record(true, a, []byte{1, 2, 3})
	w.Record(false, b, nil)
	w.Record(false, a, bytes.Repeat([]byte{0xAB}, 1200))

	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if w.Count() != 3 {
		t.Errorf("Count: got %d, want 3", w.Count())
	}

	r := NewReader(&buf)
	want := []struct {
		out  bool
		peer string
		n    int
	}{
		{true, "10.0.0.2:11000", 3},
		{false, "192.168.1.9:4000", 0},
		{false, "10.0.0.2:11000", 1200},
	}
	for i, wr := range want {
		rec, err := r.Next()
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if rec.Outbound != wr.out || rec.Peer.String() != wr.peer || len(rec.Datagram) != wr.n {
			t.Errorf("record %d: got out=%t peer=%s len=%d, want %+v", i, rec.Outbound, rec.Peer, len(rec.Datagram), wr)
		}
		if !rec.Time.Equal(at) {
			t.Errorf("record %d time: got %s, want %s", i, rec.Time, at)
		}
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("after last record: got %v, want io.EOF", err)
	}
}

func TestRecordAfterCloseIsDropped(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(nopCloser{&buf})
	w.Close()
	w.Record(true, netip.MustParseAddrPort("1.2.3.4:5"), []byte{1})
	if w.Count() != 0 {
		t.Errorf("Count after close: got %d, want 0", w.Count())
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestConcurrentRecordsAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.cap")
	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				w.Record(g%2 == 0, netip.MustParseAddrPort("127.0.0.1:11000"), []byte{byte(g), byte(i)})
			}
		}(g)
	}
	wg.Wait()
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	recs, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(recs) != 200 {
		t.Errorf("records: got %d, want 200", len(recs))
	}
}

func TestTruncatedCapture(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(nopCloser{&buf})
	w.Record(true, netip.MustParseAddrPort("1.2.3.4:5"), []byte("hello"))
	w.Close()

	// Decompress, cut the record short, and re-compress.
	raw, err := io.ReadAll(NewReader(&buf).src)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	var cut bytes.Buffer
	cw := NewWriter(nopCloser{&cut})
	cw.zw.Write(raw[:len(raw)-2])
	cw.Close()

	if _, err := NewReader(&cut).Next(); !errors.Is(err, ErrCorrupt) {
		t.Errorf("truncated record: got %v, want ErrCorrupt", err)
	}
}
