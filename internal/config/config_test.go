package config

import (
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	c.Name = "alice"
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	port, err := c.ListenPort()
	if err != nil || port != DefaultListenPort {
		t.Errorf("ListenPort: got (%d, %v), want (%d, nil)", port, err, DefaultListenPort)
	}
	if got := c.TickPeriod(); got != time.Second/60 {
		t.Errorf("TickPeriod: got %s", got)
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"join with address", func(c *Config) { c.Role = RoleJoin; c.JoinAddr = "10.0.0.2:11000" }, false},
		{"join without address", func(c *Config) { c.Role = RoleJoin }, true},
		{"unknown role", func(c *Config) { c.Role = "spectator" }, true},
		{"missing name", func(c *Config) { c.Name = "" }, true},
		{"bad listen port", func(c *Config) { c.ListenAddr = ":99999" }, true},
		{"listen without port", func(c *Config) { c.ListenAddr = "localhost" }, true},
		{"ipv6 advertise", func(c *Config) { c.AdvertiseIP = "::1" }, true},
		{"ipv4 advertise", func(c *Config) { c.AdvertiseIP = "192.168.0.4" }, false},
		{"zero tick rate", func(c *Config) { c.TickRate = 0 }, true},
		{"negative rate limit", func(c *Config) { c.RateLimit = -1 }, true},
		{"unlimited rate", func(c *Config) { c.RateLimit = 0 }, false},
		{"auto-start", func(c *Config) { c.AutoStart = 4 }, false},
		{"negative auto-start", func(c *Config) { c.AutoStart = -1 }, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			c.Name = "alice"
			tc.mutate(&c)
			err := c.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate: got %v, wantErr %t", err, tc.wantErr)
			}
		})
	}
}
