// Package peer tracks session membership: who is connected, at which
// address, and which peer is host.
package peer

import (
	"fmt"
	"net/netip"

	"github.com/1ureka/coopsync/internal/codec"
)

// Peer is one participant. Its wire record is, in order:
// id (byte), ip (IPv4), port (uint16), name (string), isHost (bool).
type Peer struct {
	id     byte
	IP     string
	Port   uint16
	Name   string
	IsHost bool
}

// Schema is the wire schema of a Peer record.
var Schema = codec.MustSchema(
	codec.ByteField("id", func(p *Peer) byte { return p.id }, func(p *Peer, v byte) { p.id = v }),
	codec.IPv4Field("ip", func(p *Peer) string { return p.IP }, func(p *Peer, v string) { p.IP = v }),
	codec.Uint16Field("port", func(p *Peer) uint16 { return p.Port }, func(p *Peer, v uint16) { p.Port = v }),
	codec.StringField("name", func(p *Peer) string { return p.Name }, func(p *Peer, v string) { p.Name = v }),
	codec.BoolField("isHost", func(p *Peer) bool { return p.IsHost }, func(p *Peer, v bool) { p.IsHost = v }),
)

// New creates a peer record.
func New(id byte, ip string, port uint16, name string) *Peer {
	return &Peer{id: id, IP: ip, Port: port, Name: name}
}

// FromValues builds a peer from a decoded record.
func FromValues(v codec.Values) (*Peer, error) {
	p := &Peer{}
	if err := Schema.Apply(p, v); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Peer) ID() byte         { return p.id }
func (p *Peer) AssignID(id byte) { p.id = id }

func (p *Peer) Encode() ([]byte, error) {
	return Schema.Encode(p)
}

func (p *Peer) ApplyDecoded(v codec.Values, _ float32) error {
	return Schema.Apply(p, v)
}

// Addr returns the peer's UDP address. It is invalid if IP does not parse.
func (p *Peer) Addr() netip.AddrPort {
	addr, err := netip.ParseAddr(p.IP)
	if err != nil {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(addr.Unmap(), p.Port)
}

func (p *Peer) String() string {
	role := ""
	if p.IsHost {
		role = " host"
	}
	return fmt.Sprintf("#%d %q %s:%d%s", p.id, p.Name, p.IP, p.Port, role)
}

// Info is a read-only copy of a peer for display and JSON.
type Info struct {
	ID     byte   `json:"id"`
	IP     string `json:"ip"`
	Port   uint16 `json:"port"`
	Name   string `json:"name"`
	IsHost bool   `json:"isHost"`
	Local  bool   `json:"local"`
}

func (p *Peer) info(local bool) Info {
	return Info{ID: p.id, IP: p.IP, Port: p.Port, Name: p.Name, IsHost: p.IsHost, Local: local}
}
