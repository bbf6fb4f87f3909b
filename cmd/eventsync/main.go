// Eventsync keeps a device-local SQLite cache of organization events in step
// with a shared remote store, resolving conflicts by version number.
//
// Usage:
//
//	eventsync sync-once [--yes]   # first-run bootstrap, then one pass per organization
//	eventsync daemon              # poll every organization until SIGINT/SIGTERM
//	eventsync status              # show config and local cache state
//	eventsync version             # print version
//
// Global flags --config and --verbose apply to every command. A .env file in
// the working directory is loaded first, so EVENTSYNC_REMOTE_URL can live there.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	gosync "sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/swent-agendapp/eventsync/internal/config"
	"github.com/swent-agendapp/eventsync/internal/local"
	"github.com/swent-agendapp/eventsync/internal/remote"
	"github.com/swent-agendapp/eventsync/internal/sync"
	"github.com/swent-agendapp/eventsync/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	_ = godotenv.Load()

	if err := newApp().Run(os.Args); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	defaultCfg, _ := config.DefaultPath()

	return &cli.App{
		Name:  "eventsync",
		Usage: "synchronize organization events between a local cache and a remote store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config.yaml",
				Value:   defaultCfg,
				EnvVars: []string{"EVENTSYNC_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			syncOnceCommand(),
			daemonCommand(),
			statusCommand(),
			{
				Name:  "version",
				Usage: "print version",
				Action: func(c *cli.Context) error {
					fmt.Fprintln(c.App.Writer, "eventsync", version)
					return nil
				},
			},
		},
	}
}

func syncOnceCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync-once",
		Usage: "run a single synchronization pass then exit",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "yes",
				Usage: "confirm the first-run bootstrap without prompting",
			},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			rt, err := start(ctx, c.String("config"), c.Bool("verbose"))
			if err != nil {
				return err
			}
			defer rt.close()

			var prompt io.Reader = os.Stdin
			if c.Bool("yes") {
				prompt = strings.NewReader("y\n")
			}
			bootstrap := sync.NewBootstrap(rt.engine, rt.cache, rt.log, prompt, os.Stdout)
			pending, err := bootstrap.Pending(ctx, rt.cfg.Organizations)
			if err != nil {
				return fmt.Errorf("first-run bootstrap: %w", err)
			}
			ran, err := bootstrap.Run(ctx, rt.cfg.Organizations)
			if err != nil {
				return fmt.Errorf("first-run bootstrap: %w", err)
			}
			if len(pending) > 0 && !ran {
				return errors.New("first-run bootstrap declined, nothing synchronized")
			}

			rt.log.Info("running single sync pass", "organizations", len(rt.cfg.Organizations))
			stats, err := rt.poller.RunOnce(ctx)
			rt.log.Info("sync complete",
				"pulled", stats.Pulled,
				"pushed", stats.Pushed,
				"repaired", stats.Repaired,
				"deleted", stats.Deleted,
				"push_failed", stats.PushFailed,
				"unchanged", stats.Unchanged,
			)
			rt.failures.print(os.Stdout)
			return err
		},
	}
}

func daemonCommand() *cli.Command {
	return &cli.Command{
		Name:  "daemon",
		Usage: "synchronize every poll_interval until interrupted",
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			rt, err := start(ctx, c.String("config"), c.Bool("verbose"))
			if err != nil {
				return err
			}
			defer rt.close()

			rt.log.Info("daemon starting", "poll_interval", rt.cfg.PollInterval)
			if err := rt.poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("sync poller: %w", err)
			}
			rt.log.Info("shutdown complete")
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show configuration and local cache state",
		Action: func(c *cli.Context) error {
			return printStatus(c.Context, c.App.Writer, c.String("config"))
		},
	}
}

// session bundles everything a sync command needs.
type session struct {
	cfg      *config.Config
	log      *slog.Logger
	cache    *local.Store
	backend  remote.Backend
	engine   *sync.Engine
	poller   *sync.Poller
	failures *failureTally
	closers  []func()
}

func (rt *session) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// start loads the config and opens both stores. An unreachable remote store is
// not an error; the engine serves the local cache until it comes back. On
// error everything already opened has been closed.
func start(ctx context.Context, cfgPath string, verbose bool) (_ *session, err error) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	logger.Info("config loaded",
		"driver", cfg.Remote.Driver,
		"organizations", len(cfg.Organizations),
		"poll_interval", cfg.PollInterval,
	)

	rt := &session{cfg: cfg, log: logger, failures: newFailureTally()}
	defer func() {
		if err != nil {
			rt.close()
		}
	}()

	if cfg.Telemetry != nil {
		startTelemetry(ctx, rt)
	}

	dbPath := cfg.LocalDBPath
	if dbPath == "" {
		if dbPath, err = local.DefaultDBPath(); err != nil {
			return nil, fmt.Errorf("resolving local cache path: %w", err)
		}
	}
	rt.cache, err = local.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening local cache at %q: %w", dbPath, err)
	}
	rt.closers = append(rt.closers, func() {
		if err := rt.cache.Close(); err != nil {
			logger.Error("closing local cache", "error", err)
		}
	})
	logger.Info("local cache opened", "path", dbPath)

	rt.backend, err = remote.Open(ctx, remote.Options{
		Driver:      cfg.Remote.Driver,
		URL:         cfg.Remote.URL,
		DialTimeout: cfg.Remote.Timeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s remote store: %w", cfg.Remote.Driver, err)
	}
	rt.closers = append(rt.closers, func() {
		if err := rt.backend.Close(); err != nil {
			logger.Error("closing remote store", "error", err)
		}
	})

	rt.engine = sync.NewEngine(rt.cache, rt.backend,
		sync.WithLogger(logger),
		sync.WithRemoteTimeout(cfg.Remote.Timeout),
		sync.WithErrorSink(rt.failures.record),
	)
	rt.poller = sync.NewPoller(rt.engine, cfg.Organizations, cfg.PollInterval, logger)
	return rt, nil
}

// startTelemetry is best effort: a broken collector must not stop syncing.
func startTelemetry(ctx context.Context, rt *session) {
	host, _ := os.Hostname()
	shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		OTLPEndpoint: rt.cfg.Telemetry.OTLPEndpoint,
		Insecure:     rt.cfg.Telemetry.Insecure,
		ServiceName:  rt.cfg.Telemetry.ServiceName,
		DeviceID:     host,
		Headers:      rt.cfg.Telemetry.Headers,
	})
	if err != nil {
		rt.log.Error("telemetry setup failed, continuing without telemetry", "error", err)
		return
	}
	rt.log.Info("telemetry enabled", "endpoint", rt.cfg.Telemetry.OTLPEndpoint)
	rt.closers = append(rt.closers, func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			rt.log.Error("telemetry shutdown error", "error", err)
		}
	})
}

// failureTally counts remote failures per kind for the end-of-run summary.
type failureTally struct {
	mu     gosync.Mutex
	counts map[sync.RemoteSyncError]int
}

func newFailureTally() *failureTally {
	return &failureTally{counts: make(map[sync.RemoteSyncError]int)}
}

func (f *failureTally) record(kind sync.RemoteSyncError, _ error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[kind]++
}

func (f *failureTally) print(w io.Writer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.counts) == 0 {
		return
	}
	kinds := make([]sync.RemoteSyncError, 0, len(f.counts))
	for k := range f.counts {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	fmt.Fprintln(w, "Remote failures (local cache kept the data):")
	for _, k := range kinds {
		fmt.Fprintf(w, "  %-14s %d\n", k, f.counts[k])
	}
}

// printStatus reports config and cache state without touching the remote.
func printStatus(ctx context.Context, w io.Writer, cfgPath string) error {
	fmt.Fprintln(w, "Eventsync Status")
	fmt.Fprintln(w, "────────────────")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		if _, statErr := os.Stat(cfgPath); statErr != nil {
			fmt.Fprintf(w, "  Config:    not found (%s)\n", cfgPath)
		} else {
			fmt.Fprintf(w, "  Config:    %s (invalid: %v)\n", cfgPath, err)
		}
		return nil
	}
	fmt.Fprintf(w, "  Config:    %s ✓\n", cfgPath)
	fmt.Fprintf(w, "  Remote:    %s (timeout %s)\n", cfg.Remote.Driver, cfg.Remote.Timeout)
	fmt.Fprintf(w, "  Poll:      %s\n", cfg.PollInterval)

	dbPath := cfg.LocalDBPath
	if dbPath == "" {
		if dbPath, err = local.DefaultDBPath(); err != nil {
			return fmt.Errorf("resolving local cache path: %w", err)
		}
	}
	info, err := os.Stat(dbPath)
	if err != nil {
		fmt.Fprintf(w, "  Cache:     not found (%s)\n", dbPath)
		return nil
	}
	fmt.Fprintf(w, "  Cache:     %s (%s)\n", dbPath, humanSize(info.Size()))

	store, err := local.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening local cache at %q: %w", dbPath, err)
	}
	defer store.Close()

	for _, org := range cfg.Organizations {
		sum, err := store.Summarize(ctx, org)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  %-10s %d live, %d local-only, %d soft-deleted, %d pending deletes\n",
			org+":", sum.Live, sum.LocalOnly, sum.SoftDelete, sum.Tombstones)
	}
	return nil
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
