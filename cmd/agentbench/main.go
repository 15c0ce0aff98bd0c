package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "agentbench",
		Short: "SF AgentBench - concurrent agent benchmarking harness",
		Long: `SF AgentBench runs benchmark suites against AI coding agents.
It schedules QA and coding tests across a worker pool, leases scratch
orgs to tests that need one, and streams everything that happens over
an event bus for live observation and control.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
