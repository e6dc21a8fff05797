// Command coopsync is the CLI entry point.
//
// Runs one peer of a peer-to-peer session over raw UDP: host a lobby, join
// one, or inspect a datagram capture. Launched without a subcommand it falls
// back to interactive prompts.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/coopsync/internal/config"
	"github.com/1ureka/coopsync/internal/util"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Default()

	rootCmd := &cobra.Command{
		Use:   "coopsync",
		Short: "Peer-to-peer session sync over UDP",
		Long: `coopsync runs one peer of a small cooperative session.

Peers exchange typed records over raw UDP with acknowledgements,
bounded resends and duplicate suppression. The host admits newcomers
and hands its role to the lowest remaining id when it leaves.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runInteractive(&cfg); err != nil {
				return err
			}
			return run(ctx, cfg)
		},
	}

	bindSessionFlags(rootCmd, &cfg)
	rootCmd.AddCommand(
		hostCmd(ctx, &cfg),
		joinCmd(ctx, &cfg),
		inspectCmd(),
		versionCmd(),
	)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

// bindSessionFlags registers the flags shared by every session command.
func bindSessionFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.PersistentFlags()
	f.StringVarP(&cfg.Name, "name", "n", cfg.Name, "display name sent to other peers")
	f.StringVarP(&cfg.ListenAddr, "listen", "l", cfg.ListenAddr, "local UDP address")
	f.StringVar(&cfg.AdvertiseIP, "advertise", cfg.AdvertiseIP, "IPv4 address put in the peer record (default: discover)")
	f.StringVar(&cfg.STUNServer, "stun", cfg.STUNServer, "STUN server for address discovery; empty disables it")
	f.IntVar(&cfg.TickRate, "tick-rate", cfg.TickRate, "session ticks per second")
	f.DurationVar(&cfg.PingInterval, "ping", cfg.PingInterval, "liveness ping interval")
	f.DurationVar(&cfg.SyncInterval, "sync", cfg.SyncInterval, "sync step interval")
	f.Float64Var(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "inbound datagrams per second per source; 0 disables")
	f.IntVar(&cfg.RateBurst, "rate-burst", cfg.RateBurst, "inbound rate limit burst")
	f.StringVar(&cfg.MonitorAddr, "monitor", cfg.MonitorAddr, "HTTP monitor address, e.g. :9090")
	f.StringVar(&cfg.CapturePath, "capture", cfg.CapturePath, "write every datagram to this lz4 capture file")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "trace, debug, info, warn or error")
}

func hostCmd(ctx context.Context, cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Open a lobby and admit peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Role = config.RoleHost
			return run(ctx, *cfg)
		},
	}
	cmd.Flags().IntVar(&cfg.AutoStart, "start-with", 0, "start the game once this many peers are in the lobby")
	return cmd
}

func joinCmd(ctx context.Context, cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:     "join <host-ip:port>",
		Short:   "Join a lobby",
		Example: "  coopsync join 192.168.1.10:11000 --name bob --listen :11001",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Role = config.RoleJoin
			cfg.JoinAddr = args[0]
			return run(ctx, *cfg)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			pterm.Info.Printfln("coopsync %s (%s)", version, commit)
		},
	}
}
