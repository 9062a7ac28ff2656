package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/artifact-mirror/cache"
	"github.com/wolfeidau/artifact-mirror/delivery"
	"github.com/wolfeidau/artifact-mirror/monitor"
	"github.com/wolfeidau/artifact-mirror/scheduler"
	"github.com/wolfeidau/artifact-mirror/server"
	"github.com/wolfeidau/artifact-mirror/telemetry"
)

// ServeCmd runs the mirror.
type ServeCmd struct {
	Address    string `help:"Listen address. Overrides server.address." placeholder:"ADDR"`
	NoSync     bool   `name:"no-sync" help:"Serve content only. Jobs are still accepted and left pending."`
	NoPeriodic bool   `name:"no-periodic" help:"Disable periodic syncs even when sync.periodic is set."`
}

func (c *ServeCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(g)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.cfg
	if c.Address != "" {
		cfg.Server.Address = c.Address
	}
	if c.NoPeriodic {
		cfg.Sync.Periodic = false
	}
	logger := a.logger

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "artifact-mirror",
		ServiceVersion:   version,
		OTLPEndpoint:     cfg.Metrics.OTLPEndpoint,
		EnablePrometheus: cfg.Metrics.Prometheus,
		FlushInterval:    cfg.Metrics.FlushInterval,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(sctx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	content, err := a.content()
	if err != nil {
		return err
	}
	cacheStore, err := a.cache()
	if err != nil {
		return err
	}
	store, err := a.jobs()
	if err != nil {
		return err
	}
	runner, err := a.runner(ctx, store)
	if err != nil {
		return err
	}

	sched := scheduler.New(store, a.catalog, runner,
		scheduler.WithLogger(logger),
		scheduler.WithWorkers(cfg.Sync.Workers),
		scheduler.WithPollInterval(cfg.Sync.PollInterval),
		scheduler.WithPeriodic(cfg.Sync.Periodic),
	)

	srvCfg := server.Config{
		Address:      cfg.Server.Address,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Delivery: delivery.NewHandler(content.Root(),
			delivery.WithCache(cacheStore),
			delivery.WithListingTTL(cfg.Cache.ListingTTL),
			delivery.WithLogger(logger),
		),
		Jobs:    store,
		Trigger: sched,
		Cache:   cacheStore,
		Logger:  logger,
	}

	var mon *monitor.Monitor
	if cfg.Monitor.Enabled {
		mon, err = monitor.New(ctx, content.Root(),
			monitor.WithLogger(logger),
			monitor.WithCache(cacheStore),
			monitor.WithThresholds(cfg.Monitor.Thresholds),
			monitor.WithInterval(cfg.Monitor.Interval),
			monitor.WithHistorySize(cfg.Monitor.HistorySize),
			monitor.WithInventoryTTL(cfg.Monitor.InventoryTTL),
		)
		if err != nil {
			return fmt.Errorf("starting monitor: %w", err)
		}
		srvCfg.Monitor = mon
	}

	srv, err := server.New(srvCfg)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	reaper := cache.NewReaper(cacheStore,
		cache.WithReaperInterval(cfg.Cache.ReapInterval),
		cache.WithReaperLogger(logger),
	)

	logger.Info("mirror starting",
		"version", version,
		"address", srv.Address(),
		"content", content.Root(),
		"job_store", cfg.Storage.JobStore,
		"mirrors", len(cfg.Mirrors),
		"sync", !c.NoSync,
	)

	grp, gctx := errgroup.WithContext(ctx)
	if !c.NoSync {
		grp.Go(func() error {
			return sched.Run(gctx)
		})
	}
	grp.Go(func() error {
		reaper.Run(gctx)
		return nil
	})
	if mon != nil {
		mon.Start(gctx)
		defer mon.Stop()
	}
	grp.Go(func() error {
		if err := srv.Start(); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := grp.Wait(); err != nil {
		return err
	}
	logger.Info("mirror stopped")
	return nil
}
