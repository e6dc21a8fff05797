// Package protocol defines the datagram envelope shared by every peer in a
// session: a fixed 14-byte little-endian header followed by the payload.
package protocol

import (
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"
)

// HeaderSize is the fixed header size:
// Type(1) + Subtype(1) + Sender(1) + Reliable(1) + Sequence(2) + Timestamp(8).
const HeaderSize = 14

// Type is the packet type carried in header byte 0.
type Type uint8

const (
	TypePing Type = iota
	TypeConnectToNetwork
	TypeReturnNetwork
	TypeDisconnectNetwork
	TypeCharSelect
	TypeStartGame
	TypePlayerMove
	TypePlayerAttack
	TypeProjectile
	TypeEnemy
	TypeInteractable
	TypeObjectMove
)

var typeNames = [...]string{
	"ping",
	"connectToNetwork",
	"returnNetwork",
	"disconnectNetwork",
	"charSelect",
	"startGame",
	"playerMove",
	"playerAttack",
	"projectile",
	"enemy",
	"interactable",
	"objectMove",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Subtype qualifies a Type. SubConfirmation marks an acknowledgement.
type Subtype uint8

const (
	SubConfirmation Subtype = iota
	SubCompleteList
	SubAddUpdate
	SubRemoveUpdate
	SubChangeUpdate
)

var subtypeNames = [...]string{
	"confirmation",
	"completeList",
	"addUpdate",
	"removeUpdate",
	"changeUpdate",
}

func (s Subtype) String() string {
	if int(s) < len(subtypeNames) {
		return subtypeNames[s]
	}
	return fmt.Sprintf("subtype(%d)", uint8(s))
}

// sequence is shared by every outbound packet of the process. Receivers pair
// it with the sender id, so a per-peer counter is not needed.
var sequence atomic.Uint32

// NextSequence returns the next process-wide sequence id. It wraps from
// 65535 to 0.
func NextSequence() uint16 {
	return uint16(sequence.Add(1) - 1)
}

// Packet is an outbound datagram. It is immutable once built by NewPacket;
// Raw holds the serialized bytes that are written (and re-written on resend).
type Packet struct {
	Type      Type
	Subtype   Subtype
	SenderID  byte
	Reliable  bool
	Sequence  uint16
	Timestamp int64 // unix milliseconds at construction
	Payload   []byte
	Raw       []byte
}

// NewPacket stamps a fresh sequence id and the current wall-clock time, then
// serializes the packet. The payload is copied.
func NewPacket(typ Type, sub Subtype, sender byte, reliable bool, payload []byte) *Packet {
	pkt := &Packet{
		Type:      typ,
		Subtype:   sub,
		SenderID:  sender,
		Reliable:  reliable,
		Sequence:  NextSequence(),
		Timestamp: time.Now().UnixMilli(),
	}
	if len(payload) > 0 {
		pkt.Payload = append([]byte(nil), payload...)
	}
	pkt.Raw = Encode(pkt)
	return pkt
}

// NewAck builds the acknowledgement for a reliable packet: same type,
// subtype confirmation, unreliable, payload = acknowledged sequence (LE).
func NewAck(rcv *Received, localID byte) *Packet {
	var seq [2]byte
	le.PutUint16(seq[:], rcv.Sequence)
	return NewPacket(rcv.Type, SubConfirmation, localID, false, seq[:])
}

func (p *Packet) String() string {
	return fmt.Sprintf("%s/%s seq=%d from=%d rel=%t len=%d",
		p.Type, p.Subtype, p.Sequence, p.SenderID, p.Reliable, len(p.Payload))
}

// Key identifies a received datagram for deduplication. Joiners all send
// as peer 0 until they are assigned an id, so the source address is part of
// the key; resends come from the same address.
type Key struct {
	From     netip.AddrPort
	SenderID byte
	Sequence uint16
}

// Received is an inbound datagram with its source address.
type Received struct {
	Type       Type
	Subtype    Subtype
	SenderID   byte
	Reliable   bool
	Sequence   uint16
	Timestamp  int64
	Payload    []byte
	From       netip.AddrPort
	ReceivedAt time.Time
}

// Key returns the dedup key (From, SenderID, Sequence).
func (r *Received) Key() Key {
	return Key{From: r.From, SenderID: r.SenderID, Sequence: r.Sequence}
}

// TimeDelta estimates one-way latency in seconds from the sender's
// timestamp. Clocks are not synchronized, so this is only an estimate.
func (r *Received) TimeDelta() float32 {
	d := time.Now().UnixMilli() - r.Timestamp
	if d < 0 {
		d = -d
	}
	return float32(d) / 1000
}

// AckedSequence returns the sequence id carried by a confirmation packet.
func (r *Received) AckedSequence() (uint16, bool) {
	if r.Subtype != SubConfirmation || len(r.Payload) < 2 {
		return 0, false
	}
	return le.Uint16(r.Payload), true
}

func (r *Received) String() string {
	return fmt.Sprintf("%s/%s seq=%d from=%d(%s) rel=%t len=%d",
		r.Type, r.Subtype, r.Sequence, r.SenderID, r.From, r.Reliable, len(r.Payload))
}
