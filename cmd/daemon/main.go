// Command daemon runs the process supervisor: it loads a config file,
// reconstitutes persisted state, launches declared processes, and serves
// the control-plane socket until told to stop.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/provisr/internal/config"
	"github.com/loykin/provisr/internal/control"
	"github.com/loykin/provisr/internal/health"
	"github.com/loykin/provisr/internal/history"
	"github.com/loykin/provisr/internal/history/factory"
	"github.com/loykin/provisr/internal/logger"
	"github.com/loykin/provisr/internal/metrics"
	"github.com/loykin/provisr/internal/state"
	"github.com/loykin/provisr/internal/supervisor"
	"github.com/loykin/provisr/internal/watcher"
)

func defaultHome() string {
	if h, err := os.UserHomeDir(); err == nil && h != "" {
		return filepath.Join(h, ".nodedaemon")
	}
	return ".nodedaemon"
}

func main() {
	var configPath string
	var home string

	root := &cobra.Command{
		Use:   "daemon",
		Short: "Run the process supervisor daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, home)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to the daemon config file (yaml/json/toml)")
	root.Flags().StringVar(&home, "home", defaultHome(), "daemon home directory for state, socket and logs")

	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, home string) error {
	var cfg config.Config
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
		cfg = *loaded
	}
	if cfg.Home != "" {
		home = cfg.Home
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		return fmt.Errorf("daemon: create home %s: %w", home, err)
	}

	logCfg := cfg.Log
	if logCfg == nil {
		d := logger.DefaultConfig(filepath.Join(home, "logs"))
		logCfg = &d
	}
	log := buildDaemonLogger(*logCfg, home)
	slog.SetDefault(log)

	log.Info("daemon starting", "home", home, "pid", os.Getpid())

	store := state.New(filepath.Join(home, "state.json"), os.Getpid(), log)
	if err := store.Load(); err != nil {
		log.Warn("state: load failed, starting empty", "error", err)
	}
	store.StartAutosave()
	defer store.Close()

	bus := supervisor.NewBus()
	sampler := health.NewGopsutilSampler()
	orch := supervisor.New(store, bus, log, sampler)

	for _, mp := range store.Snapshot() {
		orch.Adopt(mp)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("metrics: register failed", "error", err)
		}
		fw := metrics.NewForwarder(bus, log)
		go fw.Run(ctx)
		if cfg.Metrics.PerProcess.Enabled {
			pmc := metrics.NewProcessMetricsCollector(metrics.ProcessMetricsConfig(cfg.Metrics.PerProcess))
			if err := pmc.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
				log.Warn("metrics: per-process register failed", "error", err)
			} else if err := pmc.Start(ctx, func() map[string]int32 { return runningReplicaPIDs(orch) }); err != nil {
				log.Warn("metrics: per-process collector failed to start", "error", err)
			}
		}
		if cfg.Metrics.Listen != "" {
			go serveMetrics(ctx, cfg.Metrics.Listen, log)
		}
	}

	if cfg.History != nil && cfg.History.Enabled && cfg.Store != nil {
		sink, err := factory.NewSinkFromDSN(cfg.Store.DSN)
		if err != nil {
			log.Warn("history: sink init failed, audit trail disabled", "error", err)
		} else {
			hfw := history.NewForwarder(bus, sink, log)
			go hfw.Run(ctx)
		}
	}

	watchers := startWatchers(ctx, orch, cfg.Processes, log)
	defer func() {
		for _, w := range watchers {
			_ = w.Unwatch()
		}
	}()

	for _, pc := range cfg.Processes {
		if _, err := orch.Start(pc); err != nil {
			if errors.Is(err, supervisor.ErrConflict) {
				log.Info("process already present from recovered state", "name", pc.Name)
				continue
			}
			log.Error("failed to start configured process", "name", pc.Name, "error", err)
		}
	}

	groupMembers := make(map[string][]string, len(cfg.Groups))
	for _, g := range cfg.Groups {
		groupMembers[g.Name] = g.Members
	}

	sockPath := filepath.Join(home, "daemon.sock")
	dispatcher := control.New(sockPath, orch, log)
	dispatcher.SetGroups(groupMembers)
	go func() {
		if err := dispatcher.Serve(ctx); err != nil {
			log.Error("control: serve failed", "error", err)
		}
	}()

	if cfg.Server != nil && cfg.Server.Listen != "" {
		go serveHTTPControl(ctx, *cfg.Server, orch, groupMembers, log)
	}

	waitForSignal(ctx, cancel, orch, log)
	log.Info("daemon stopped")
	return nil
}

// buildDaemonLogger wires the daemon's own operational log into a
// lumberjack-rotated file under cfg.Dir (home/logs when unset). Stderr is
// used only when no file writer comes back from cfg.Writers.
func buildDaemonLogger(cfg logger.Config, home string) *slog.Logger {
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(home, "logs")
	}
	out, _, err := cfg.Writers("daemon")
	if err != nil || out == nil {
		return logger.NewDaemonLogger(os.Stderr, slog.LevelInfo)
	}
	return logger.NewDaemonLogger(out, slog.LevelInfo)
}

// startWatchers wires one file watcher per configured process that
// declares watch paths, restarting that process on a verified change.
func startWatchers(ctx context.Context, orch *supervisor.Orchestrator, processes []supervisor.Config, log *slog.Logger) []*watcher.Watcher {
	var watchers []*watcher.Watcher
	for _, pc := range processes {
		if len(pc.Watch) == 0 {
			continue
		}
		baseDir := pc.Cwd
		if baseDir == "" {
			baseDir = "."
		}
		w, err := watcher.New(baseDir, watcher.DefaultIgnorePatterns, log)
		if err != nil {
			log.Error("watcher: init failed", "process", pc.Name, "error", err)
			continue
		}
		if err := w.Watch(pc.Watch, true); err != nil {
			log.Error("watcher: watch failed", "process", pc.Name, "error", err)
			continue
		}
		name := pc.Name
		changes := w.Subscribe()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-changes:
					if !ok {
						return
					}
					mp, err := orch.GetByName(name)
					if err != nil {
						continue
					}
					if err := orch.Restart(mp.ID); err != nil {
						log.Warn("watcher: restart failed", "process", name, "error", err)
					}
				}
			}
		}()
		watchers = append(watchers, w)
	}
	return watchers
}

// runningReplicaPIDs snapshots every live replica's pid, keyed
// "<process-name>-<index>" so the per-process metrics collector's
// parseProcessName split recovers the declared process name.
func runningReplicaPIDs(orch *supervisor.Orchestrator) map[string]int32 {
	out := make(map[string]int32)
	for _, mp := range orch.List() {
		for i, r := range mp.Replicas {
			if r.Status == supervisor.ReplicaRunning && r.PID != 0 {
				out[fmt.Sprintf("%s-%d", mp.Name, i)] = int32(r.PID)
			}
		}
	}
	return out
}

func serveMetrics(ctx context.Context, listen string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics: server failed", "error", err)
	}
}

// serveHTTPControl runs the optional HTTP control surface on 127.0.0.1,
// built on the same gin router idiom as the rest of the stack, guarded by
// a per-client-IP rate limiter and a single shared-secret basic challenge
// instead of per-user accounts.
func serveHTTPControl(ctx context.Context, sc config.ServerConfig, orch *supervisor.Orchestrator, groups map[string][]string, log *slog.Logger) {
	if host, _, err := net.SplitHostPort(sc.Listen); err != nil || host != "127.0.0.1" {
		log.Error("http control: listen address must be on 127.0.0.1", "listen", sc.Listen)
		return
	}
	router := control.NewHTTPRouter(orch, sc.AuthSecret, log)
	router.SetGroups(groups)
	srv := &http.Server{Addr: sc.Listen, Handler: router.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("http control: server failed", "error", err)
	}
}

// waitForSignal routes every OS signal through this single intake: SIGHUP
// triggers a reload, SIGTERM/SIGINT trigger a graceful shutdown. No other
// package installs its own signal.Notify.
func waitForSignal(ctx context.Context, cancel context.CancelFunc, orch *supervisor.Orchestrator, log *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				log.Info("reload requested")
				orch.ReloadAll()
			default:
				log.Info("shutdown requested", "signal", sig.String())
				shutCtx, shutCancel := context.WithTimeout(context.Background(), supervisor.GracefulShutdownTimeout+supervisor.ForceKillTimeout)
				orch.Shutdown(shutCtx)
				shutCancel()
				cancel()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
