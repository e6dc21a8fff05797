package discovery

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/1ureka/coopsync/internal/config"
	"github.com/pion/stun/v3"
)

// fakeSTUN answers every binding request with a fixed mapped address.
func fakeSTUN(t *testing.T, mapped *net.UDPAddr) string {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := req.Decode(); err != nil || req.Type != stun.BindingRequest {
				continue
			}
			res, err := stun.Build(
				stun.NewTransactionIDSetter(req.TransactionID),
				stun.BindingSuccess,
				&stun.XORMappedAddress{IP: mapped.IP, Port: mapped.Port},
				stun.Fingerprint,
			)
			if err != nil {
				continue
			}
			conn.WriteToUDP(res.Raw, from)
		}
	}()

	return conn.LocalAddr().String()
}

func TestPublicAddr(t *testing.T) {
	server := fakeSTUN(t, &net.UDPAddr{IP: net.IPv4(203, 0, 113, 7), Port: 40000})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := PublicAddr(ctx, server)
	if err != nil {
		t.Fatalf("PublicAddr failed: %v", err)
	}
	want := netip.MustParseAddrPort("203.0.113.7:40000")
	if got != want {
		t.Errorf("PublicAddr: got %s, want %s", got, want)
	}
}

func TestPublicAddrTimeout(t *testing.T) {
	// A socket that never answers.
	silent, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	defer silent.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := PublicAddr(ctx, silent.LocalAddr().String()); err == nil {
		t.Fatal("PublicAddr succeeded without a response")
	}
}

func TestResolve(t *testing.T) {
	server := fakeSTUN(t, &net.UDPAddr{IP: net.IPv4(198, 51, 100, 2), Port: 1234})

	testCases := []struct {
		name      string
		advertise string
		stun      string
		want      string
	}{
		{"configured address wins", "192.168.1.20", server, "192.168.1.20"},
		{"stun when unconfigured", "", server, "198.51.100.2"},
		{"invalid configured address falls through", "not-an-ip", server, "198.51.100.2"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.AdvertiseIP = tc.advertise
			cfg.STUNServer = tc.stun

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			if got := Resolve(ctx, cfg); got.String() != tc.want {
				t.Errorf("Resolve: got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestResolveWithoutSTUN(t *testing.T) {
	cfg := config.Default()
	cfg.STUNServer = ""

	got := Resolve(context.Background(), cfg)
	if !got.Is4() {
		t.Errorf("Resolve: got %s, want an IPv4 address", got)
	}
}
