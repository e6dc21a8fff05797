package main

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/pterm/pterm"
	"golang.org/x/time/rate"

	"github.com/1ureka/coopsync/internal/capture"
	"github.com/1ureka/coopsync/internal/config"
	"github.com/1ureka/coopsync/internal/discovery"
	"github.com/1ureka/coopsync/internal/metrics"
	"github.com/1ureka/coopsync/internal/monitor"
	"github.com/1ureka/coopsync/internal/peer"
	"github.com/1ureka/coopsync/internal/session"
	"github.com/1ureka/coopsync/internal/transport"
	"github.com/1ureka/coopsync/internal/util"
)

// leaveTimeout bounds the wait for disconnect confirmations on Ctrl+C. It
// covers a full resend cycle.
const leaveTimeout = time.Duration(transport.MaxResends+2) * transport.ResendInterval

// autoStartDelay gives the newest peer time to adopt the peer list before
// the game starts.
const autoStartDelay = time.Second

// run executes one peer until ctx is cancelled, then leaves the session.
func run(ctx context.Context, cfg config.Config) error {
	if err := util.SetLogLevel(cfg.LogLevel); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	pterm.Info.Printfln("coopsync — v%s", version)
	pterm.Println()

	// The tick loop and socket outlive ctx so the leave handshake can run.
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	obs := metrics.New(metrics.WithRegistry(promReg))

	opts := transport.Options{
		RateLimit: rate.Limit(cfg.RateLimit),
		RateBurst: cfg.RateBurst,
		Observer:  obs,
	}
	if cfg.CapturePath != "" {
		w, err := capture.Create(cfg.CapturePath)
		if err != nil {
			return err
		}
		defer func() {
			if err := w.Close(); err != nil {
				util.LogError("close capture: %v", err)
			}
			util.LogInfo("captured %d datagrams to %s", w.Count(), cfg.CapturePath)
		}()
		opts.Tap = w
	}

	tr, err := transport.Listen(runCtx, cfg.ListenAddr, opts)
	if err != nil {
		return err
	}
	defer tr.Close()

	discoverCtx, cancelDiscover := context.WithTimeout(ctx, 3*time.Second)
	ip := discovery.Resolve(discoverCtx, cfg)
	cancelDiscover()

	local := peer.New(0, ip.String(), tr.LocalAddr().Port(), cfg.Name)
	s := session.New(tr, peer.NewRegistry(local, false), session.Options{
		PingInterval: cfg.PingInterval,
		SyncInterval: cfg.SyncInterval,
	})
	util.LogInfo("session %s, local peer %s", s.ID(), local)

	s.OnPeersChanged(obs.PeersChanged)
	s.OnPeersChanged(printPeers)
	s.OnStateChange(func(st session.State) { util.LogInfo("session is %s", st) })
	s.OnDisconnect(func(id byte, self bool) {
		if !self {
			util.LogWarning("peer #%d disconnected", id)
		}
	})
	if cfg.AutoStart > 0 {
		watchAutoStart(s, cfg.AutoStart)
	}

	if cfg.MonitorAddr != "" {
		mon := monitor.New(s.ID(), promReg)
		s.OnPeersChanged(mon.PeersChanged)
		go func() {
			if err := mon.Serve(runCtx, cfg.MonitorAddr); err != nil {
				util.LogError("monitor stopped: %v", err)
			}
		}()
	}

	switch cfg.Role {
	case config.RoleHost:
		err = s.Host()
	case config.RoleJoin:
		err = s.Join(netip.MustParseAddrPort(cfg.JoinAddr))
	}
	if err != nil {
		return err
	}

	util.StartStatsReporter(runCtx)

	go func() {
		<-ctx.Done()
		util.LogInfo("leaving session...")
		s.Post(func() {
			done := s.Leave()
			go func() {
				select {
				case <-done:
				case <-time.After(leaveTimeout):
					util.LogWarning("leave timed out")
				}
				cancel()
			}()
		})
	}()

	if err := s.Run(runCtx, cfg.TickRate); err != nil && runCtx.Err() == nil {
		return err
	}
	util.LogInfo("session closed")
	return nil
}

// watchAutoStart starts the game once the lobby has held n peers for
// autoStartDelay.
func watchAutoStart(s *session.Session, n int) {
	var held time.Duration
	var sub *session.Subscription
	sub = s.OnSyncStep(func(dt time.Duration) {
		if s.State() != session.StateInLobby || !s.Registry().IsLocalHost() || s.Registry().Len() < n {
			held = 0
			return
		}
		held += dt
		if held < autoStartDelay {
			return
		}
		if err := s.StartGame(); err != nil {
			util.LogError("auto-start: %v", err)
		}
		sub.Unsubscribe()
	})
}

// printPeers renders the lobby as a table.
func printPeers(peers []peer.Info) {
	data := pterm.TableData{{"ID", "Name", "Address", "Role"}}
	for _, p := range peers {
		var role []string
		if p.IsHost {
			role = append(role, "host")
		}
		if p.Local {
			role = append(role, "you")
		}
		data = append(data, []string{
			strconv.Itoa(int(p.ID)),
			p.Name,
			net.JoinHostPort(p.IP, strconv.Itoa(int(p.Port))),
			strings.Join(role, ", "),
		})
	}
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
