/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/fleetcron/orchestrator/internal/capability"
	"github.com/fleetcron/orchestrator/internal/config"
	"github.com/fleetcron/orchestrator/internal/engine"
	"github.com/fleetcron/orchestrator/internal/executor"
	"github.com/fleetcron/orchestrator/internal/httpserver"
	"github.com/fleetcron/orchestrator/internal/metrics"
	"github.com/fleetcron/orchestrator/internal/notify"
	"github.com/fleetcron/orchestrator/internal/notify/channels"
	"github.com/fleetcron/orchestrator/internal/scheduler"
	"github.com/fleetcron/orchestrator/internal/store"
)

// Version is the daemon version (set at build time).
var Version = "dev"

func main() {
	flags := pflag.NewFlagSet("orchestratord", pflag.ExitOnError)
	config.BindFlags(flags)

	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Stderr.WriteString("failed to parse flags: " + err.Error() + "\n")
		os.Exit(1)
	}

	cfg, err := config.Load(flags)
	if err != nil {
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()
	log := zerologr.New(&zl)

	if cfg.ConfigFileUsed() != "" {
		log.Info("configuration loaded", "file", cfg.ConfigFileUsed(), "logLevel", cfg.LogLevel)
	} else {
		log.Info("no config file found, using defaults and flags", "logLevel", cfg.LogLevel)
	}
	log.Info("starting orchestrator daemon", "version", Version)

	dialect, dsn, err := cfg.DSN()
	if err != nil {
		log.Error(err, "unable to build storage DSN")
		os.Exit(1)
	}

	dataStore, err := store.NewGormStore(dialect, dsn)
	if err != nil {
		log.Error(err, "unable to create store")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dataStore.Init(ctx); err != nil {
		log.Error(err, "unable to initialize store")
		os.Exit(1)
	}
	defer func() { _ = dataStore.Close() }()
	log.Info("initialized store", "type", cfg.Storage.Type)

	execManager := executor.NewManager(dataStore, cfg.Engine.SSHKeyPath)
	limiter := engine.NewLimiter(cfg.Engine.MaxConcurrentJobs)

	dispatcher := notify.New(dataStore, channels.Default(), cfg.NotificationStartupGrace(), log.WithName("notify"))
	dispatcher.SetSendTimeout(cfg.NotificationTransportTimeout())

	eng := engine.New(dataStore, execManager, limiter, engine.Config{
		DefaultTimeout:    cfg.CommandTimeout(),
		DefaultRetryDelay: cfg.RetryDefaultDelay(),
		OutputCaptureCap:  cfg.Engine.OutputCaptureMaxBytes,
		WatchdogBuffer:    cfg.WatchdogBuffer(),
	}, log.WithName("engine"), dispatcher.HandleCompletion)

	watchdog := engine.NewWatchdog(eng, cfg.WatchdogInterval())
	sched := scheduler.New(dataStore, eng, cfg.SchedulerTick(), log.WithName("scheduler"))
	pruner := scheduler.NewHistoryPruner(dataStore, cfg.HistoryRetention.DefaultDays, log.WithName("pruner"))
	pruner.SetInterval(cfg.HistoryPruneInterval())

	detector := capability.NewDetector(dataStore, execManager, cfg.CapabilityProbeTimeout(), log.WithName("capability"))
	refresher := capability.NewRefresher(detector, dataStore, cfg.CapabilityRefreshInterval(), log.WithName("capability"))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return watchdog.Run(gctx) })
	g.Go(func() error { return pruner.Start(gctx) })
	g.Go(func() error { return refresher.Run(gctx) })
	g.Go(func() error { return reportConcurrency(gctx, limiter) })

	if cfg.Ops.BindAddress != "0" && cfg.Ops.BindAddress != "" {
		opsServer := httpserver.New(cfg.Ops.BindAddress, dataStore, log.WithName("ops"))
		g.Go(func() error { return opsServer.Start(gctx) })
	}

	log.Info("orchestrator daemon ready",
		"maxConcurrentJobs", cfg.Engine.MaxConcurrentJobs,
		"schedulerTick", cfg.SchedulerTick().String(),
		"opsBindAddress", cfg.Ops.BindAddress,
	)

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		log.Error(err, "orchestrator daemon exited with error")
		os.Exit(1)
	}
	log.Info("orchestrator daemon stopped")
}

// reportConcurrency publishes the concurrency limiter's occupancy to
// internal/metrics on a fixed interval, keeping the limiter itself free of
// a metrics dependency.
func reportConcurrency(ctx context.Context, limiter *engine.Limiter) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			metrics.UpdateConcurrencySlots(limiter.InUse(), limiter.Capacity())
		}
	}
}
