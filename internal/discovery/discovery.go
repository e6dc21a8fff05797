// Package discovery finds the IPv4 address a peer should advertise in its
// peer record.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/1ureka/coopsync/internal/config"
	"github.com/1ureka/coopsync/internal/util"
	"github.com/pion/stun/v3"
)

const defaultTimeout = 3 * time.Second

var ErrNoMappedAddress = errors.New("stun response has no mapped address")

// PublicAddr asks a STUN server for the address this host is seen from.
// The request is sent from a throwaway socket, so the returned port says
// nothing about the session socket's mapping; only the IP is meaningful.
func PublicAddr(ctx context.Context, server string) (netip.AddrPort, error) {
	raddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve stun server: %w", err)
	}

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("open stun socket: %w", err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return netip.AddrPort{}, err
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("build binding request: %w", err)
	}
	if _, err := conn.WriteToUDP(req.Raw, raddr); err != nil {
		return netip.AddrPort{}, fmt.Errorf("send binding request: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return netip.AddrPort{}, ctx.Err()
			}
			return netip.AddrPort{}, fmt.Errorf("read binding response: %w", err)
		}

		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil {
			util.LogDebug("ignoring non-STUN datagram: %v", err)
			continue
		}
		if res.TransactionID != req.TransactionID {
			continue
		}
		if res.Type != stun.BindingSuccess {
			return netip.AddrPort{}, fmt.Errorf("unexpected stun response %s", res.Type)
		}

		var xor stun.XORMappedAddress
		if err := xor.GetFrom(res); err != nil {
			return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrNoMappedAddress, err)
		}
		addr, ok := netip.AddrFromSlice(xor.IP)
		if !ok {
			return netip.AddrPort{}, ErrNoMappedAddress
		}
		return netip.AddrPortFrom(addr.Unmap(), uint16(xor.Port)), nil
	}
}

// OutboundIP returns the local address the kernel would use to reach the
// internet. No packet is sent.
func OutboundIP() (netip.Addr, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return netip.Addr{}, err
	}
	defer conn.Close()

	ap, err := netip.ParseAddrPort(conn.LocalAddr().String())
	if err != nil {
		return netip.Addr{}, err
	}
	return ap.Addr().Unmap(), nil
}

// Resolve picks the advertised IPv4 address: the configured one, then STUN,
// then the outbound interface, then loopback. It never fails.
func Resolve(ctx context.Context, cfg config.Config) netip.Addr {
	if cfg.AdvertiseIP != "" {
		if addr, err := netip.ParseAddr(cfg.AdvertiseIP); err == nil && addr.Is4() {
			return addr
		}
		util.LogWarning("ignoring advertise IP %q", cfg.AdvertiseIP)
	}

	if cfg.STUNServer != "" {
		ap, err := PublicAddr(ctx, cfg.STUNServer)
		switch {
		case err != nil:
			util.LogWarning("stun discovery failed: %v", err)
		case !ap.Addr().Is4():
			util.LogWarning("stun server returned non-IPv4 address %s", ap.Addr())
		default:
			util.LogInfo("public address from %s: %s", cfg.STUNServer, ap.Addr())
			return ap.Addr()
		}
	}

	if addr, err := OutboundIP(); err == nil && addr.Is4() {
		util.LogInfo("advertising outbound interface address %s", addr)
		return addr
	}

	util.LogWarning("no usable address found, advertising loopback")
	return netip.AddrFrom4([4]byte{127, 0, 0, 1})
}
