// Package config holds the CLI configuration types.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"
)

// Role represents the user's chosen role (host or join).
type Role string

const (
	RoleHost Role = "host"
	RoleJoin Role = "join"
)

const (
	DefaultListenPort   = 11000
	DefaultTickRate     = 60
	DefaultPingInterval = 5 * time.Second
	DefaultSyncInterval = 50 * time.Millisecond
	DefaultSTUNServer   = "stun.l.google.com:19302"
)

// Config stores all parameters gathered from flags or the interactive prompts.
type Config struct {
	Role Role
	Name string // display name sent in the peer record

	ListenAddr  string // local UDP bind address, e.g. ":11000"
	JoinAddr    string // Join: host address ip:port
	AdvertiseIP string // IPv4 put in the local peer record; empty = discover
	STUNServer  string // empty disables STUN discovery

	TickRate     int           // ticks per second
	PingInterval time.Duration // liveness ping period
	SyncInterval time.Duration // sync-step hook period

	RateLimit float64 // inbound datagrams per second per source; 0 = unlimited
	RateBurst int

	AutoStart int // Host: start the game once this many peers are in the lobby; 0 = never

	MonitorAddr string // HTTP monitor listen address; empty disables it
	CapturePath string // lz4 datagram capture file; empty disables it
	LogLevel    string
}

// Default returns a Config with every tunable set to its default.
func Default() Config {
	return Config{
		Role:         RoleHost,
		ListenAddr:   fmt.Sprintf(":%d", DefaultListenPort),
		STUNServer:   DefaultSTUNServer,
		TickRate:     DefaultTickRate,
		PingInterval: DefaultPingInterval,
		SyncInterval: DefaultSyncInterval,
		RateLimit:    500,
		RateBurst:    100,
		LogLevel:     "info",
	}
}

// Validate checks the fields that the session cannot run without.
func (c *Config) Validate() error {
	var errs []error

	switch c.Role {
	case RoleHost:
	case RoleJoin:
		if _, err := netip.ParseAddrPort(c.JoinAddr); err != nil {
			errs = append(errs, fmt.Errorf("join address %q: %w", c.JoinAddr, err))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown role %q", c.Role))
	}

	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	} else if len(c.Name) > 255 {
		errs = append(errs, errors.New("name longer than 255 bytes"))
	}

	if _, err := c.ListenPort(); err != nil {
		errs = append(errs, err)
	}

	if c.AdvertiseIP != "" {
		addr, err := netip.ParseAddr(c.AdvertiseIP)
		if err != nil || !addr.Unmap().Is4() {
			errs = append(errs, fmt.Errorf("advertise ip %q is not IPv4", c.AdvertiseIP))
		}
	}

	if c.TickRate <= 0 {
		errs = append(errs, fmt.Errorf("tick rate must be positive, got %d", c.TickRate))
	}
	if c.PingInterval <= 0 {
		errs = append(errs, fmt.Errorf("ping interval must be positive, got %s", c.PingInterval))
	}
	if c.SyncInterval <= 0 {
		errs = append(errs, fmt.Errorf("sync interval must be positive, got %s", c.SyncInterval))
	}
	if c.AutoStart < 0 || c.AutoStart > 256 {
		errs = append(errs, fmt.Errorf("auto-start peer count out of range, got %d", c.AutoStart))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate limit must not be negative, got %g", c.RateLimit))
	}

	return errors.Join(errs...)
}

// ListenPort extracts the port from ListenAddr.
func (c *Config) ListenPort() (uint16, error) {
	_, portStr, err := net.SplitHostPort(c.ListenAddr)
	if err != nil {
		return 0, fmt.Errorf("listen address %q: %w", c.ListenAddr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("listen port %q: %w", portStr, err)
	}
	return uint16(port), nil
}

// TickPeriod returns the duration of one tick.
func (c *Config) TickPeriod() time.Duration {
	if c.TickRate <= 0 {
		return time.Second / DefaultTickRate
	}
	return time.Second / time.Duration(c.TickRate)
}
