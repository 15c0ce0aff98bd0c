package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bhanudas/sf-agentbench/internal/agentexec"
	"github.com/bhanudas/sf-agentbench/internal/bench"
	"github.com/bhanudas/sf-agentbench/internal/config"
	"github.com/bhanudas/sf-agentbench/internal/domain"
	"github.com/bhanudas/sf-agentbench/internal/eventbus"
	"github.com/bhanudas/sf-agentbench/internal/orgpool"
	"github.com/bhanudas/sf-agentbench/internal/scheduler"
	"github.com/bhanudas/sf-agentbench/internal/worker"
	"github.com/bhanudas/sf-agentbench/internal/workerpool"
)

var version = "dev"

var (
	runBenchDir string
	runAgents   []string
	runWorkers  int
	runTimeout  time.Duration
	runDry      bool
	listBench   string
	servePort   int
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a benchmark suite to completion",
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&runBenchDir, "bench", "", "benchmark definitions directory")
	runCmd.Flags().StringSliceVar(&runAgents, "agent", nil, "agent under test as cli:model (repeatable)")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "worker count (overrides config)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "overall run timeout, 0 means no limit")
	runCmd.Flags().BoolVar(&runDry, "dry-run", false, "simulate execution without invoking agents")
	rootCmd.AddCommand(runCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tests in a benchmark suite",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listBench, "bench", "", "benchmark definitions directory")
	rootCmd.AddCommand(listCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the control plane with the observation API",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("agentbench", version)
		},
	}
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func newLogger() (*zap.Logger, error) {
	if os.Getenv("AGENTBENCH_DEBUG") != "" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}

func parseAgents(specs []string) ([]domain.Agent, error) {
	if len(specs) == 0 {
		return []domain.Agent{domain.NewAgent("sf-agent", "default")}, nil
	}
	agents := make([]domain.Agent, 0, len(specs))
	for _, spec := range specs {
		cli, model, found := strings.Cut(spec, ":")
		if !found || cli == "" || model == "" {
			return nil, fmt.Errorf("invalid agent %q, want cli:model", spec)
		}
		agents = append(agents, domain.NewAgent(cli, model))
	}
	return agents, nil
}

func benchDir(flagValue string, cfg *config.Config) string {
	if flagValue != "" {
		return config.ExpandPath(flagValue)
	}
	return cfg.Bench.Dir
}

// dryRunExecutor simulates a test run: it reports progress in steps and
// honors pause and cancel between them
func dryRunExecutor(ctx *worker.ExecContext) (*domain.Result, error) {
	const steps = 5
	for i := 1; i <= steps; i++ {
		if ctx.CheckCancel() {
			return nil, nil
		}
		ctx.CheckPause()
		ctx.UpdateProgress(domain.StatusRunning, float64(i)/steps)
		time.Sleep(20 * time.Millisecond)
	}
	return &domain.Result{Score: 1.0, Details: map[string]any{"dry_run": true}}, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	agents, err := parseAgents(runAgents)
	if err != nil {
		return err
	}

	b, err := bench.LoadDir(benchDir(runBenchDir, cfg))
	if err != nil {
		return err
	}
	units := bench.WorkUnits(b, agents)
	if len(units) == 0 {
		return fmt.Errorf("benchmark %s has no tests", b.Name)
	}

	bus := eventbus.New(eventbus.Options{
		HistorySize: cfg.Events.HistorySize,
		Logger:      logger,
	})
	bus.SubscribeAll(func(ev eventbus.Event) {
		if ev.Kind == eventbus.KindLog {
			fmt.Println(ev.FormatLog())
		}
	})

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

	workers := cfg.Pool.Workers
	if runWorkers > 0 {
		workers = runWorkers
	}
	var executor worker.Executor = dryRunExecutor
	if !runDry {
		executor = agentexec.New(agentexec.Options{Logger: logger})
	}

	pool := workerpool.New(workerpool.Config{
		Workers:           workers,
		DispatchInterval:  time.Duration(cfg.Pool.DispatchIntervalMS) * time.Millisecond,
		OrgAcquireTimeout: time.Duration(cfg.Orgs.AcquireTimeoutSeconds) * time.Second,
	}, bus, sched, orgs, executor, logger)

	pool.Start()
	defer pool.Stop(5 * time.Second)

	fmt.Printf("Running %s: %d tests x %d agents = %d units on %d workers\n",
		b.Name, len(b.Tests), len(agents), len(units), workers)
	pool.SubmitBatch(units, 0)

	if !pool.WaitForCompletion(runTimeout) {
		cancelled := pool.CancelAll()
		fmt.Printf("Timed out after %s, cancelled %d pending units\n", runTimeout, cancelled)
	}

	printReport(units)
	return nil
}

func printReport(units []*domain.WorkUnit) {
	var completed, failed, cancelled int
	var totalScore float64

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TEST\tAGENT\tSTATUS\tSCORE\tDURATION")
	for _, u := range units {
		score := "-"
		switch u.Status {
		case domain.StatusCompleted:
			completed++
			if u.Result != nil {
				totalScore += u.Result.Score
				score = fmt.Sprintf("%.2f", u.Result.Score)
			}
		case domain.StatusFailed, domain.StatusTimeout:
			failed++
		case domain.StatusCancelled:
			cancelled++
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			u.Test.Name, u.Agent.Model, u.Status, score, u.Duration().Round(time.Millisecond))
	}
	w.Flush()

	fmt.Printf("\n%d completed, %d failed, %d cancelled", completed, failed, cancelled)
	if completed > 0 {
		fmt.Printf(", mean score %.2f", totalScore/float64(completed))
	}
	fmt.Println()
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	b, err := bench.LoadDir(benchDir(listBench, cfg))
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tNAME\tTIMEOUT\tORG")
	for _, t := range b.Tests {
		org := "-"
		if t.RequiresOrg {
			org = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%ds\t%s\n", t.ID, t.Type, t.Name, t.TimeoutSeconds, org)
	}
	w.Flush()

	fmt.Printf("\n%d tests in %s\n", len(b.Tests), b.Name)
	return nil
}
