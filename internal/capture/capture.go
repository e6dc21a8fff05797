// Package capture records every datagram a transport sends or receives into
// an lz4-compressed file, and reads such files back.
//
// Record layout (little-endian), repeated until EOF:
//
//	[0]      direction (0 = in, 1 = out)
//	[1:9]    unix time in microseconds
//	[9:15]   peer IPv4 address and port
//	[15:19]  datagram length n
//	[19:19+n] datagram
package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/1ureka/coopsync/internal/transport"
	"github.com/1ureka/coopsync/internal/util"
	"github.com/pierrec/lz4/v4"
)

const recordHeaderSize = 19

var le = binary.LittleEndian

var ErrCorrupt = errors.New("capture: corrupt record")

// Record is one captured datagram.
type Record struct {
	Outbound bool
	Time     time.Time
	Peer     netip.AddrPort
	Datagram []byte
}

// ---------------------------------------------------------------------------
// Writer
// ---------------------------------------------------------------------------

// Writer implements transport.Tap. It is safe for concurrent use; the sender
// and receiver goroutines both record into it.
type Writer struct {
	mu      sync.Mutex
	dst     io.Closer
	zw      *lz4.Writer
	buf     []byte
	count   int
	err     error
	nowFunc func() time.Time
}

var _ transport.Tap = (*Writer)(nil)

// Create opens path for writing, truncating it.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}
	return NewWriter(f), nil
}

// NewWriter compresses records into w. Close closes w.
func NewWriter(w io.WriteCloser) *Writer {
	return &Writer{
		dst:     w,
		zw:      lz4.NewWriter(w),
		nowFunc: time.Now,
	}
}

// Record appends one datagram. The first write error is kept and returned by
// Close; later records are dropped.
func (w *Writer) Record(outbound bool, peer netip.AddrPort, datagram []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil || w.zw == nil {
		return
	}

	w.buf = appendRecord(w.buf[:0], Record{
		Outbound: outbound,
		Time:     w.nowFunc(),
		Peer:     peer,
		Datagram: datagram,
	})
	if _, err := w.zw.Write(w.buf); err != nil {
		w.err = err
		util.LogError("capture stopped: %v", err)
		return
	}
	w.count++
}

// Count returns the number of records written.
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Close flushes the compressor and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.zw == nil {
		return w.err
	}

	err := w.zw.Close()
	w.zw = nil
	if cerr := w.dst.Close(); err == nil {
		err = cerr
	}
	if w.err == nil {
		w.err = err
	}
	return w.err
}

func appendRecord(buf []byte, r Record) []byte {
	var dir byte
	if r.Outbound {
		dir = 1
	}
	buf = append(buf, dir)
	buf = le.AppendUint64(buf, uint64(r.Time.UnixMicro()))
	var ip [4]byte
	if addr := r.Peer.Addr().Unmap(); addr.Is4() {
		ip = addr.As4()
	}
	buf = append(buf, ip[:]...)
	buf = le.AppendUint16(buf, r.Peer.Port())
	buf = le.AppendUint32(buf, uint32(len(r.Datagram)))
	return append(buf, r.Datagram...)
}

// ---------------------------------------------------------------------------
// Reader
// ---------------------------------------------------------------------------

// Reader iterates over the records of a capture.
type Reader struct {
	src io.Reader
	hdr [recordHeaderSize]byte
}

// NewReader decompresses records from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{src: bufio.NewReader(lz4.NewReader(r))}
}

// Next returns the next record, or io.EOF after the last one.
func (r *Reader) Next() (Record, error) {
	if _, err := io.ReadFull(r.src, r.hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, ErrCorrupt
		}
		return Record{}, err
	}

	h := r.hdr[:]
	if h[0] > 1 {
		return Record{}, fmt.Errorf("%w: direction %d", ErrCorrupt, h[0])
	}
	rec := Record{
		Outbound: h[0] == 1,
		Time:     time.UnixMicro(int64(le.Uint64(h[1:9]))),
		Peer:     netip.AddrPortFrom(netip.AddrFrom4([4]byte(h[9:13])), le.Uint16(h[13:15])),
	}

	n := le.Uint32(h[15:19])
	if n > 64*1024 {
		return Record{}, fmt.Errorf("%w: datagram length %d", ErrCorrupt, n)
	}
	rec.Datagram = make([]byte, n)
	if _, err := io.ReadFull(r.src, rec.Datagram); err != nil {
		return Record{}, ErrCorrupt
	}
	return rec, nil
}

// ReadFile loads every record of the capture at path.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Record
	r := NewReader(f)
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("record %d: %w", len(out), err)
		}
		out = append(out, rec)
	}
}
