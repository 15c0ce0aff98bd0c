package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bhanudas/sf-agentbench/internal/agentexec"
	"github.com/bhanudas/sf-agentbench/internal/bench"
	"github.com/bhanudas/sf-agentbench/internal/eventbus"
	"github.com/bhanudas/sf-agentbench/internal/eventstore"
	"github.com/bhanudas/sf-agentbench/internal/orgpool"
	"github.com/bhanudas/sf-agentbench/internal/scheduler"
	"github.com/bhanudas/sf-agentbench/internal/workerpool"
	"github.com/bhanudas/sf-agentbench/web/api"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	bus := eventbus.New(eventbus.Options{
		HistorySize: cfg.Events.HistorySize,
		Logger:      logger,
	})
	bus.StartAsync()
	defer bus.StopAsync(2 * time.Second)

	if err := os.MkdirAll(filepath.Dir(cfg.Events.DatabasePath), 0o755); err != nil {
		return err
	}
	store, err := eventstore.New(cfg.Events.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	storeToken := store.Attach(bus)
	defer bus.Unsubscribe(storeToken)

	orgs := orgpool.New(logger)
	for _, o := range cfg.Orgs.Prewarmed {
		orgs.Add(o.Username, o.OrgID)
	}

	sched := scheduler.New(scheduler.Config{
		QASlots:        cfg.Scheduler.QASlots,
		CodingSlots:    cfg.Scheduler.CodingSlots,
		PriorityQA:     cfg.Scheduler.QAPriority,
		PriorityCoding: cfg.Scheduler.CodingPriority,
	}, orgs, logger)

	pool := workerpool.New(workerpool.Config{
		Workers:           cfg.Pool.Workers,
		DispatchInterval:  time.Duration(cfg.Pool.DispatchIntervalMS) * time.Millisecond,
		OrgAcquireTimeout: time.Duration(cfg.Orgs.AcquireTimeoutSeconds) * time.Second,
	}, bus, sched, orgs, agentexec.New(agentexec.Options{Logger: logger}), logger)

	pool.Start()
	defer pool.Stop(5 * time.Second)

	if watcher, werr := bench.NewWatcher(cfg.Bench.Dir, bus, logger); werr == nil {
		if err := watcher.Start(); err == nil {
			defer watcher.Stop()
		}
	}

	// Periodic metrics snapshot for the event stream
	c := cron.New()
	c.AddFunc("@every 5s", func() {
		bus.PublishMetrics(pool.Metrics())
	})
	c.Start()
	defer c.Stop()

	port := servePort
	if port == 0 {
		port = cfg.Web.Port
	}
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, port)
	server := api.NewServer(bus, pool, sched, orgs, store, addr, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	fmt.Printf("Control plane listening at http://%s\n", addr)
	return g.Wait()
}
