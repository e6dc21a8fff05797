package main

import (
	"net/netip"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/coopsync/internal/config"
	"github.com/1ureka/coopsync/internal/util"
)

// runInteractive fills in the role, name and host address with prompts when
// no subcommand is given. Flags already set are kept.
func runInteractive(cfg *config.Config) error {
	role, err := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Host — Open a lobby", "Join — Connect to a host"}).
		WithDefaultText("Select your role").
		Show()
	if err != nil {
		return err
	}
	pterm.Println()

	if cfg.Name == "" {
		cfg.Name = askName()
	}

	if strings.HasPrefix(role, "Host") {
		cfg.Role = config.RoleHost
		return nil
	}
	cfg.Role = config.RoleJoin
	cfg.JoinAddr = askHostAddr()
	return nil
}

// askName prompts for a display name until a valid one is entered.
func askName() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Display name").
			Show()

		name := strings.TrimSpace(raw)
		if name != "" && len(name) <= 255 {
			pterm.Println()
			return name
		}

		util.LogWarning("name must be 1 ~ 255 bytes")
		pterm.Println()
	}
}

// askHostAddr prompts for the host's ip:port until a valid one is entered.
func askHostAddr() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Host address (e.g. 192.168.1.10:11000)").
			Show()

		addr, err := netip.ParseAddrPort(strings.TrimSpace(raw))
		if err == nil && addr.Addr().Unmap().Is4() {
			pterm.Println()
			return addr.String()
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter an IPv4 address and port")
	}
}
