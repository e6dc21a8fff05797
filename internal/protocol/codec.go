package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"time"
)

var le = binary.LittleEndian

// ErrShortPacket is returned by Decode for datagrams smaller than the header.
var ErrShortPacket = errors.New("packet too short")

// Encode serializes a Packet into a byte slice for UDP transmission.
func Encode(pkt *Packet) []byte {
	buf := make([]byte, HeaderSize+len(pkt.Payload))
	buf[0] = byte(pkt.Type)
	buf[1] = byte(pkt.Subtype)
	buf[2] = pkt.SenderID
	if pkt.Reliable {
		buf[3] = 1
	}
	le.PutUint16(buf[4:6], pkt.Sequence)
	le.PutUint64(buf[6:14], uint64(pkt.Timestamp))
	copy(buf[HeaderSize:], pkt.Payload)
	return buf
}

// Decode deserializes a datagram read from `from`. The payload is copied so
// the caller may reuse data.
func Decode(data []byte, from netip.AddrPort) (*Received, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrShortPacket, len(data), HeaderSize)
	}
	rcv := &Received{
		Type:       Type(data[0]),
		Subtype:    Subtype(data[1]),
		SenderID:   data[2],
		Reliable:   data[3] != 0,
		Sequence:   le.Uint16(data[4:6]),
		Timestamp:  int64(le.Uint64(data[6:14])),
		From:       from,
		ReceivedAt: time.Now(),
	}
	if len(data) > HeaderSize {
		rcv.Payload = make([]byte, len(data)-HeaderSize)
		copy(rcv.Payload, data[HeaderSize:])
	}
	return rcv, nil
}
