package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/quarry/internal/api"
	"github.com/mattjoyce/quarry/internal/breaker"
	"github.com/mattjoyce/quarry/internal/dispatch"
	"github.com/mattjoyce/quarry/internal/events"
	"github.com/mattjoyce/quarry/internal/lock"
	"github.com/mattjoyce/quarry/internal/log"
	"github.com/mattjoyce/quarry/internal/metrics"
	"github.com/mattjoyce/quarry/internal/plugin"
	"github.com/mattjoyce/quarry/internal/quarantine"
	"github.com/mattjoyce/quarry/internal/queue"
	"github.com/mattjoyce/quarry/internal/reconcile"
	"github.com/mattjoyce/quarry/internal/sandbox"
	"github.com/mattjoyce/quarry/internal/storage"
)

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("quarry starting", "version", version, "config", *configPath)

	lockPath := lock.PathFor(cfg.State.Path)
	pidLock, err := lock.Acquire(lockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another dispatcher may be running)", "path", lockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", lockPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	registry := plugin.NewRegistry(db)
	report, err := plugin.Sync(ctx, registry, []string{cfg.PluginsDir}, cfg.Dispatcher.AutoPromote, log.WithComponent("plugin"))
	if err != nil {
		logger.Error("plugin sync failed", "plugins_dir", cfg.PluginsDir, "error", err)
		return 1
	}
	logger.Info("plugin sync complete",
		"discovered", len(report.Discovered),
		"registered", len(report.Registered),
		"promoted", len(report.Promoted),
		"conflicts", len(report.Conflicts))

	q := queue.New(db)
	hub := events.NewHub(256)
	m := metrics.New()
	br := breaker.New(db, cfg.Breaker, clockwork.NewRealClock())
	rec := reconcile.New(db, cfg.Reconciler, br, m, hub, log.WithComponent("reconcile"))

	disp := dispatch.New(cfg, dispatch.Deps{
		Queue:      q,
		Manifests:  registry,
		Breaker:    br,
		Reconciler: rec,
		Runner:     sandbox.New(cfg.Sandbox, log.WithComponent("sandbox")),
		Events:     hub,
		Metrics:    m,
		Logger:     log.WithComponent("dispatch"),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := disp.Run(gctx); err != nil {
			return fmt.Errorf("dispatcher: %w", err)
		}
		return nil
	})

	if cfg.API.Enabled {
		srv := api.New(api.Config{
			Listen:      cfg.API.Listen,
			APIKey:      cfg.API.APIKey,
			ReadKey:     cfg.API.ReadKey,
			MaxAttempts: cfg.Reconciler.MaxAttempts,
		}, api.Deps{
			Queue:      q,
			Quarantine: quarantine.NewStore(db),
			Breakers:   br,
			Manifests:  registry,
			Dispatcher: disp,
			Events:     hub,
			Metrics:    m,
		}, log.WithComponent("api"))
		g.Go(func() error {
			if err := srv.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("quarry running (press Ctrl+C to stop)")
	if err := g.Wait(); err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}
	logger.Info("quarry stopped")
	return 0
}
