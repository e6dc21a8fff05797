// Package codec encodes and decodes ordered, typed field schemas to and from
// the compact binary form carried in packet payloads.
//
// A Schema is declared once per synchronizable type as an ordered list of
// typed accessors. Encode, Decode and Apply all walk that same list, so the
// field order on the wire is fixed by construction.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/netip"
)

var le = binary.LittleEndian

// Kind is the semantic wire type of a schema field.
type Kind uint8

const (
	KindBool    Kind = iota + 1 // 1 byte, 0 or 1
	KindInt32                   // 4 bytes, little-endian
	KindUint16                  // 2 bytes, little-endian
	KindFloat32                 // 4 bytes, little-endian IEEE 754
	KindByte                    // 1 byte, verbatim
	KindString                  // 1-byte length prefix + ASCII
	KindIPv4                    // 4 address octets
	KindVec2                    // two float32, x then y
)

// MaxStringLen is the longest string a 1-byte length prefix can describe.
const MaxStringLen = math.MaxUint8

var kindNames = map[Kind]string{
	KindBool:    "bool",
	KindInt32:   "int32",
	KindUint16:  "uint16",
	KindFloat32: "float32",
	KindByte:    "byte",
	KindString:  "string",
	KindIPv4:    "ipv4",
	KindVec2:    "vec2",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is one of the supported kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// Vec2 is a 2D float vector.
type Vec2 struct {
	X, Y float32
}

var (
	ErrUnsupportedKind = errors.New("unsupported field kind")
	ErrShortBuffer     = errors.New("short buffer")
	ErrTrailingData    = errors.New("trailing data")
	ErrTypeMismatch    = errors.New("value type mismatch")
	ErrStringTooLong   = errors.New("string longer than 255 bytes")
	ErrNotASCII        = errors.New("string is not ASCII")
	ErrNotIPv4         = errors.New("not an IPv4 address")
)

// appendValue appends the wire form of v (which must match k) to buf.
func appendValue(buf []byte, k Kind, v any) ([]byte, error) {
	switch k {
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return buf, mismatch(k, v)
		}
		if b {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil

	case KindInt32:
		n, ok := v.(int32)
		if !ok {
			return buf, mismatch(k, v)
		}
		return le.AppendUint32(buf, uint32(n)), nil

	case KindUint16:
		n, ok := v.(uint16)
		if !ok {
			return buf, mismatch(k, v)
		}
		return le.AppendUint16(buf, n), nil

	case KindFloat32:
		f, ok := v.(float32)
		if !ok {
			return buf, mismatch(k, v)
		}
		return le.AppendUint32(buf, math.Float32bits(f)), nil

	case KindByte:
		b, ok := v.(byte)
		if !ok {
			return buf, mismatch(k, v)
		}
		return append(buf, b), nil

	case KindString:
		s, ok := v.(string)
		if !ok {
			return buf, mismatch(k, v)
		}
		if len(s) > MaxStringLen {
			return buf, fmt.Errorf("%w: %d bytes", ErrStringTooLong, len(s))
		}
		for i := 0; i < len(s); i++ {
			if s[i] > 0x7f {
				return buf, fmt.Errorf("%w: %q", ErrNotASCII, s)
			}
		}
		buf = append(buf, byte(len(s)))
		return append(buf, s...), nil

	case KindIPv4:
		s, ok := v.(string)
		if !ok {
			return buf, mismatch(k, v)
		}
		addr, err := netip.ParseAddr(s)
		if err != nil || !addr.Unmap().Is4() {
			return buf, fmt.Errorf("%w: %q", ErrNotIPv4, s)
		}
		octets := addr.Unmap().As4()
		return append(buf, octets[:]...), nil

	case KindVec2:
		vec, ok := v.(Vec2)
		if !ok {
			return buf, mismatch(k, v)
		}
		buf = le.AppendUint32(buf, math.Float32bits(vec.X))
		return le.AppendUint32(buf, math.Float32bits(vec.Y)), nil
	}

	return buf, fmt.Errorf("%w: %s", ErrUnsupportedKind, k)
}

// readValue decodes one value of kind k from data[off:], returning the value
// and the offset just past it.
func readValue(data []byte, off int, k Kind) (any, int, error) {
	need := func(n int) error {
		if len(data)-off < n {
			return fmt.Errorf("%w: %s needs %d bytes at offset %d, have %d",
				ErrShortBuffer, k, n, off, len(data)-off)
		}
		return nil
	}

	switch k {
	case KindBool:
		if err := need(1); err != nil {
			return nil, off, err
		}
		return data[off] != 0, off + 1, nil

	case KindInt32:
		if err := need(4); err != nil {
			return nil, off, err
		}
		return int32(le.Uint32(data[off:])), off + 4, nil

	case KindUint16:
		if err := need(2); err != nil {
			return nil, off, err
		}
		return le.Uint16(data[off:]), off + 2, nil

	case KindFloat32:
		if err := need(4); err != nil {
			return nil, off, err
		}
		return math.Float32frombits(le.Uint32(data[off:])), off + 4, nil

	case KindByte:
		if err := need(1); err != nil {
			return nil, off, err
		}
		return data[off], off + 1, nil

	case KindString:
		if err := need(1); err != nil {
			return nil, off, err
		}
		n := int(data[off])
		off++
		if err := need(n); err != nil {
			return nil, off, err
		}
		return string(data[off : off+n]), off + n, nil

	case KindIPv4:
		if err := need(4); err != nil {
			return nil, off, err
		}
		addr := netip.AddrFrom4([4]byte(data[off : off+4]))
		return addr.String(), off + 4, nil

	case KindVec2:
		if err := need(8); err != nil {
			return nil, off, err
		}
		return Vec2{
			X: math.Float32frombits(le.Uint32(data[off:])),
			Y: math.Float32frombits(le.Uint32(data[off+4:])),
		}, off + 8, nil
	}

	return nil, off, fmt.Errorf("%w: %s", ErrUnsupportedKind, k)
}

// checkValue reports whether v has the Go type that kind k decodes to.
func checkValue(k Kind, v any) error {
	var ok bool
	switch k {
	case KindBool:
		_, ok = v.(bool)
	case KindInt32:
		_, ok = v.(int32)
	case KindUint16:
		_, ok = v.(uint16)
	case KindFloat32:
		_, ok = v.(float32)
	case KindByte:
		_, ok = v.(byte)
	case KindString, KindIPv4:
		_, ok = v.(string)
	case KindVec2:
		_, ok = v.(Vec2)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedKind, k)
	}
	if !ok {
		return mismatch(k, v)
	}
	return nil
}

func mismatch(k Kind, v any) error {
	return fmt.Errorf("%w: %s field got %T", ErrTypeMismatch, k, v)
}
