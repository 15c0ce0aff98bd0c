// Package agentexec runs agent CLIs as subprocesses and adapts them to the
// worker executor contract.
package agentexec

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bhanudas/sf-agentbench/internal/domain"
	"github.com/bhanudas/sf-agentbench/internal/worker"
)

// resultLine is the JSON summary an agent CLI prints as its last line
type resultLine struct {
	Score        float64        `json:"score"`
	TokensInput  int            `json:"tokens_input"`
	TokensOutput int            `json:"tokens_output"`
	CostUSD      float64        `json:"cost_usd"`
	Details      map[string]any `json:"details"`
}

// Options configures subprocess execution
type Options struct {
	// ExtraArgs are appended to every agent invocation
	ExtraArgs []string
	Logger    *zap.Logger
}

// New returns an executor that shells out to the unit's agent CLI.
//
// The CLI is invoked as
//
//	<cli> run --model <model> --test <test-id> [--org <username>]
//
// stdout is streamed to the bus as log events; the final line must be a
// JSON result summary. Injected prompts are forwarded on stdin, one per
// line. Cancellation kills the process.
func New(opts Options) worker.Executor {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return func(ctx *worker.ExecContext) (*domain.Result, error) {
		unit := ctx.Unit

		timeout := time.Duration(unit.Test.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		cmdCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		// Cooperative cancel from the control plane kills the process
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-cmdCtx.Done():
			}
		}()

		args := []string{"run", "--model", unit.Agent.Model, "--test", unit.Test.ID}
		if ctx.Org != nil {
			args = append(args, "--org", ctx.Org.Username)
		}
		args = append(args, opts.ExtraArgs...)

		cmd := exec.CommandContext(cmdCtx, unit.Agent.CLI, args...)

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		cmd.Stderr = cmd.Stdout

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("starting %s: %w", unit.Agent.CLI, err)
		}

		// Forward injected prompts to the agent's stdin
		promptDone := make(chan struct{})
		go func() {
			defer close(promptDone)
			defer stdin.Close()
			for {
				prompt, ok := ctx.InjectedPrompt(200 * time.Millisecond)
				if ok {
					if _, err := fmt.Fprintln(stdin, prompt); err != nil {
						return
					}
					continue
				}
				select {
				case <-cmdCtx.Done():
					return
				default:
				}
			}
		}()

		var lastLine string
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			lastLine = line
			ctx.LogInfo(line)
		}

		waitErr := cmd.Wait()
		cancel()
		<-promptDone

		if ctx.CheckCancel() {
			return nil, nil
		}
		if cmdCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%s exceeded %s: %w", unit.Test.ID, timeout, context.DeadlineExceeded)
		}
		if waitErr != nil {
			return nil, fmt.Errorf("%s: %w", unit.Agent.CLI, waitErr)
		}

		var summary resultLine
		if err := json.Unmarshal([]byte(lastLine), &summary); err != nil {
			log.Warn("agent produced no result summary",
				zap.String("test", unit.Test.ID), zap.String("agent", unit.Agent.ID))
			return &domain.Result{Score: 0, Details: map[string]any{"raw": lastLine}}, nil
		}

		return &domain.Result{
			Score: summary.Score,
			Cost: domain.Cost{
				InputTokens:  summary.TokensInput,
				OutputTokens: summary.TokensOutput,
				EstimatedUSD: summary.CostUSD,
			},
			Details: summary.Details,
		}, nil
	}
}
