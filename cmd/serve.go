package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"icc.tech/capture-agent/internal/bus"
	"icc.tech/capture-agent/internal/capturelog"
	"icc.tech/capture-agent/internal/cleanup"
	"icc.tech/capture-agent/internal/config"
	"icc.tech/capture-agent/internal/eventexport"
	"icc.tech/capture-agent/internal/httpapi"
	"icc.tech/capture-agent/internal/manager"
	"icc.tech/capture-agent/internal/metrics"
	"icc.tech/capture-agent/internal/pdef"
	"icc.tech/capture-agent/internal/reload"
	"icc.tech/capture-agent/internal/sampler"
	"icc.tech/capture-agent/internal/tasktable"
	"icc.tech/capture-agent/internal/worker"
)

var strategyFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the capture-agent daemon in the foreground",
	Long: `Run the capture-agent daemon in foreground.

The daemon loads its configuration, starts every actor (capture manager,
worker pool, cleanup, sampler, reload, metrics, and optional event export),
and serves the HTTP control plane until SIGINT/SIGTERM.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServe(); err != nil {
			exitWithError("serve failed", err)
		}
	},
}

func init() {
	serveCmd.Flags().StringVar(&strategyFile, "strategy", "/etc/capture-agent/strategy.json",
		"sampler strategy file path")
}

// reportMailboxDepths periodically republishes bus.Depth for the
// well-known singleton actor mailboxes as BusMailboxDepth (spec.md §7
// "bounded mailbox" invariant), so queue buildup is visible before a
// Send starts returning ErrQueueFull.
func reportMailboxDepths(ctx context.Context, b *bus.Bus, dests map[string]bus.Dest) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for actor, dest := range dests {
				metrics.BusMailboxDepth.WithLabelValues(actor).Set(float64(b.Depth(dest)))
			}
		}
	}
}

func runServe() error {
	g, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := capturelog.Init(g.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	snapshot := config.BuildSnapshot(g)

	strategy, err := config.LoadStrategy(strategyFile)
	if err != nil {
		logger.Warn("serve: strategy file unreadable, sampler disabled until reload picks it up", "path", strategyFile, "err", err)
		strategy = &config.StrategyConfig{}
	}

	b := bus.New(256)
	table := tasktable.New()
	pdefCache := pdef.NewCache(30*time.Minute, 5*time.Minute)

	protocolsDir := filepath.Join(filepath.Dir(snapshot.TempPdefDir), "protocols")

	cleanupDest := bus.Dest{Actor: bus.ActorCleanup}
	cleanupActor := cleanup.New(b, bus.Dest{Actor: bus.ActorManager}, filepath.Join(snapshot.ArchiveDir, "cleanup-meta.jsonl"), logger)

	workerCount := g.Server.CaptureThreads
	if workerCount <= 0 {
		workerCount = 4
	}
	reloadDest := bus.Dest{Actor: bus.ActorReload}
	workers := make([]*worker.Worker, workerCount)
	workerDests := make([]bus.Dest, workerCount)
	for i := 0; i < workerCount; i++ {
		w := worker.New(strconv.Itoa(i), b, bus.Dest{Actor: bus.ActorManager}, reloadDest, logger)
		workers[i] = w
		workerDests[i] = w.Self()
	}

	mgr := manager.New(b, cleanupDest, table, pdefCache, workerDests, snapshot, logger)

	var eventActor *eventexport.Actor
	if g.EventKafka.Enabled {
		eventActor, err = eventexport.New(b, eventexport.Config{
			Brokers: g.EventKafka.Brokers,
			Topic:   g.EventKafka.Topic,
		}, logger)
		if err != nil {
			return fmt.Errorf("init event export: %w", err)
		}
		mgr.SetEventExportDest(eventActor.Self())
	}

	samplerActor := sampler.New(b, mgr.Self(), strategy, logger)
	reloadActor := reload.New(b, mgr.Self(), configFile, strategyFile, samplerActor, logger)

	httpHandler := httpapi.New(b, mgr.Self(), protocolsDir, snapshot.TempPdefDir, pdefCache, logger)

	var metricsServer *metrics.Server
	if g.Metrics.Enabled {
		metricsServer = metrics.NewServer(g.Metrics.Listen, g.Metrics.Path)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runActor := func(name string, run func(context.Context) error) {
		go func() {
			if err := run(ctx); err != nil {
				logger.Error("actor exited with error", "actor", name, "err", err)
			}
		}()
	}

	runActor("manager", mgr.Run)
	runActor("cleanup", cleanupActor.Run)
	runActor("sampler", samplerActor.Run)
	runActor("reload", reloadActor.Run)
	for i, w := range workers {
		runActor(fmt.Sprintf("worker-%d", i), w.Run)
	}
	if eventActor != nil {
		runActor("eventexport", eventActor.Run)
	}
	if metricsServer != nil {
		runActor("metrics", metricsServer.Start)
	}

	mailboxDests := map[string]bus.Dest{
		"manager": mgr.Self(),
		"cleanup": cleanupDest,
		"sampler": {Actor: bus.ActorSampler},
		"reload":  {Actor: bus.ActorReload},
	}
	for i, w := range workers {
		mailboxDests[fmt.Sprintf("worker-%d", i)] = w.Self()
	}
	go reportMailboxDepths(ctx, b, mailboxDests)

	addr := fmt.Sprintf("%s:%d", g.Server.BindAddr, g.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: httpHandler.Router()}
	go func() {
		logger.Info("serve: http control plane listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("serve: http server failed", "err", err)
		}
	}()

	logger.Info("serve: capture-agent started", "workers", workerCount, "config_hash", snapshot.ConfigHash)
	<-ctx.Done()
	logger.Info("serve: shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("serve: http shutdown failed", "err", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Error("serve: metrics shutdown failed", "err", err)
		}
	}

	logger.Info("serve: stopped")
	return nil
}
