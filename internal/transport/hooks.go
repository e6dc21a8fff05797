package transport

import (
	"net/netip"
)

// Observer receives delivery events, typically to feed metrics. Methods are
// called from the sender, receiver and tick goroutines.
type Observer interface {
	DatagramSent(bytes int)
	DatagramReceived(bytes int)
	Resent()
	Confirmed()
	Exhausted()
	Duplicate()
	RateLimited()
}

// Tap sees every raw datagram written to or read from the socket.
type Tap interface {
	Record(outbound bool, peer netip.AddrPort, datagram []byte)
}

// hooks fans events out to the optional Observer and Tap.
type hooks struct {
	observer Observer
	tap      Tap
}

func (h *hooks) sent(dest netip.AddrPort, raw []byte) {
	if h.observer != nil {
		h.observer.DatagramSent(len(raw))
	}
	if h.tap != nil {
		h.tap.Record(true, dest, raw)
	}
}

func (h *hooks) received(from netip.AddrPort, raw []byte) {
	if h.observer != nil {
		h.observer.DatagramReceived(len(raw))
	}
	if h.tap != nil {
		h.tap.Record(false, from, raw)
	}
}

func (h *hooks) resent() {
	if h.observer != nil {
		h.observer.Resent()
	}
}

func (h *hooks) confirmed() {
	if h.observer != nil {
		h.observer.Confirmed()
	}
}

func (h *hooks) exhausted() {
	if h.observer != nil {
		h.observer.Exhausted()
	}
}

func (h *hooks) duplicate() {
	if h.observer != nil {
		h.observer.Duplicate()
	}
}

func (h *hooks) rateLimited() {
	if h.observer != nil {
		h.observer.RateLimited()
	}
}
