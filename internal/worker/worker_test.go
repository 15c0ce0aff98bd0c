package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bhanudas/sf-agentbench/internal/domain"
	"github.com/bhanudas/sf-agentbench/internal/eventbus"
	"github.com/bhanudas/sf-agentbench/internal/orgpool"
)

func newUnit(testType domain.TestType, requiresOrg bool) *domain.WorkUnit {
	return domain.NewWorkUnit(
		domain.Test{ID: "t1", Type: testType, Name: "test one", RequiresOrg: requiresOrg},
		domain.NewAgent("cli", "model"),
	)
}

// waitTerminal polls until the unit reaches a terminal state
func waitTerminal(t *testing.T, unit *domain.WorkUnit) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if unit.IsTerminal() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("unit never reached a terminal state, status = %s", unit.Status)
}

func TestWorkerCompletesUnit(t *testing.T) {
	bus := eventbus.New(eventbus.Options{})
	w := New(Config{
		ID:  "worker-1",
		Bus: bus,
		Executor: func(ctx *ExecContext) (*domain.Result, error) {
			return &domain.Result{Score: 0.9}, nil
		},
	})
	w.Start()
	defer w.Stop(time.Second)

	unit := newUnit(domain.TestQA, false)
	w.Submit(unit)
	waitTerminal(t, unit)

	if unit.Status != domain.StatusCompleted {
		t.Errorf("Status = %s, want completed", unit.Status)
	}
	if unit.Result.Score != 0.9 {
		t.Errorf("Score = %v, want 0.9", unit.Result.Score)
	}
	if unit.Result.DurationSeconds < 0 {
		t.Errorf("DurationSeconds = %v, want >= 0", unit.Result.DurationSeconds)
	}
}

func TestWorkerFailsUnitOnError(t *testing.T) {
	bus := eventbus.New(eventbus.Options{})
	w := New(Config{
		Bus: bus,
		Executor: func(ctx *ExecContext) (*domain.Result, error) {
			return nil, errors.New("deploy rejected")
		},
	})
	w.Start()
	defer w.Stop(time.Second)

	unit := newUnit(domain.TestQA, false)
	w.Submit(unit)
	waitTerminal(t, unit)

	if unit.Status != domain.StatusFailed {
		t.Errorf("Status = %s, want failed", unit.Status)
	}
	if unit.Result.Error != "deploy rejected" {
		t.Errorf("Error = %q, want deploy rejected", unit.Result.Error)
	}
}

func TestWorkerMarksTimeout(t *testing.T) {
	bus := eventbus.New(eventbus.Options{})
	w := New(Config{
		Bus: bus,
		Executor: func(ctx *ExecContext) (*domain.Result, error) {
			return nil, fmt.Errorf("t1 exceeded 1s: %w", context.DeadlineExceeded)
		},
	})
	w.Start()
	defer w.Stop(time.Second)

	unit := newUnit(domain.TestCoding, false)
	w.Submit(unit)
	waitTerminal(t, unit)

	if unit.Status != domain.StatusTimeout {
		t.Errorf("Status = %s, want timeout", unit.Status)
	}
}

func TestWorkerSurvivesPanic(t *testing.T) {
	bus := eventbus.New(eventbus.Options{})
	calls := 0
	w := New(Config{
		Bus: bus,
		Executor: func(ctx *ExecContext) (*domain.Result, error) {
			calls++
			if calls == 1 {
				panic("executor blew up")
			}
			return &domain.Result{Score: 1.0}, nil
		},
	})
	w.Start()
	defer w.Stop(time.Second)

	first := newUnit(domain.TestQA, false)
	w.Submit(first)
	waitTerminal(t, first)

	if first.Status != domain.StatusFailed {
		t.Errorf("Status = %s, want failed after panic", first.Status)
	}

	// The lane must keep working
	second := newUnit(domain.TestQA, false)
	w.Submit(second)
	waitTerminal(t, second)

	if second.Status != domain.StatusCompleted {
		t.Errorf("second unit status = %s, want completed", second.Status)
	}
}

func TestWorkerCancelDuringExecution(t *testing.T) {
	bus := eventbus.New(eventbus.Options{})
	started := make(chan struct{})
	w := New(Config{
		Bus: bus,
		Executor: func(ctx *ExecContext) (*domain.Result, error) {
			close(started)
			<-ctx.Done()
			return nil, nil
		},
	})
	w.Start()
	defer w.Stop(time.Second)

	unit := newUnit(domain.TestQA, false)
	w.Submit(unit)

	<-started
	w.CancelCurrent()
	waitTerminal(t, unit)

	if unit.Status != domain.StatusCancelled {
		t.Errorf("Status = %s, want cancelled", unit.Status)
	}
}

func TestWorkerAcquiresAndReleasesOrg(t *testing.T) {
	bus := eventbus.New(eventbus.Options{})
	orgs := orgpool.New(nil)
	orgs.Add("org-1@scratch", "00D001")

	var sawOrg string
	w := New(Config{
		Bus:  bus,
		Orgs: orgs,
		Executor: func(ctx *ExecContext) (*domain.Result, error) {
			if ctx.Org != nil {
				sawOrg = ctx.Org.Username
			}
			return &domain.Result{Score: 1.0}, nil
		},
	})
	w.Start()
	defer w.Stop(time.Second)

	unit := newUnit(domain.TestCoding, true)
	w.Submit(unit)
	waitTerminal(t, unit)

	if sawOrg != "org-1@scratch" {
		t.Errorf("executor org = %q, want org-1@scratch", sawOrg)
	}
	if unit.ScratchOrg != "org-1@scratch" {
		t.Errorf("unit.ScratchOrg = %q, want org-1@scratch", unit.ScratchOrg)
	}
	if orgs.Available() != 1 {
		t.Errorf("Available = %d, want 1 after release", orgs.Available())
	}
}

func TestWorkerFailsUnitWhenNoOrg(t *testing.T) {
	bus := eventbus.New(eventbus.Options{})
	orgs := orgpool.New(nil) // empty pool

	executed := false
	w := New(Config{
		Bus:               bus,
		Orgs:              orgs,
		OrgAcquireTimeout: 50 * time.Millisecond,
		Executor: func(ctx *ExecContext) (*domain.Result, error) {
			executed = true
			return nil, nil
		},
	})
	w.Start()
	defer w.Stop(time.Second)

	unit := newUnit(domain.TestCoding, true)
	w.Submit(unit)
	waitTerminal(t, unit)

	if unit.Status != domain.StatusFailed {
		t.Errorf("Status = %s, want failed", unit.Status)
	}
	if executed {
		t.Error("executor must not run without an org")
	}
}

func TestTryAssignClaimsIdleWorkerOnce(t *testing.T) {
	bus := eventbus.New(eventbus.Options{})
	block := make(chan struct{})
	w := New(Config{
		Bus: bus,
		Executor: func(ctx *ExecContext) (*domain.Result, error) {
			<-block
			return nil, nil
		},
	})
	w.Start()
	defer func() {
		close(block)
		w.Stop(time.Second)
	}()

	if !w.TryAssign(newUnit(domain.TestQA, false)) {
		t.Fatal("first TryAssign on an idle worker should succeed")
	}
	if w.TryAssign(newUnit(domain.TestQA, false)) {
		t.Error("second TryAssign should fail while the worker is claimed")
	}
}

func TestCommandTargeting(t *testing.T) {
	bus := eventbus.New(eventbus.Options{})
	started := make(chan struct{})
	var mu sync.Mutex
	var prompts []string

	w := New(Config{
		Bus: bus,
		Executor: func(ctx *ExecContext) (*domain.Result, error) {
			close(started)
			for {
				if ctx.CheckCancel() {
					return nil, nil
				}
				if p, ok := ctx.InjectedPrompt(10 * time.Millisecond); ok {
					mu.Lock()
					prompts = append(prompts, p)
					mu.Unlock()
				}
			}
		},
	})
	w.Start()
	defer w.Stop(time.Second)

	unit := newUnit(domain.TestQA, false)
	w.Submit(unit)
	<-started

	// Wrong target is ignored
	bus.SendPrompt("some-other-unit", "ignored")
	// Right target is delivered
	bus.SendPrompt(unit.ID, "check the validation rule")
	time.Sleep(50 * time.Millisecond)

	// Broadcast cancel reaches the unit
	bus.SendCommand(eventbus.CommandCancel, "")
	waitTerminal(t, unit)

	mu.Lock()
	defer mu.Unlock()
	if len(prompts) != 1 || prompts[0] != "check the validation rule" {
		t.Errorf("prompts = %v, want only the targeted one", prompts)
	}
	if unit.Status != domain.StatusCancelled {
		t.Errorf("Status = %s, want cancelled", unit.Status)
	}
}

func TestPauseResumeViaCommands(t *testing.T) {
	bus := eventbus.New(eventbus.Options{})
	step := make(chan struct{}, 10)
	w := New(Config{
		Bus: bus,
		Executor: func(ctx *ExecContext) (*domain.Result, error) {
			for i := 0; i < 3; i++ {
				step <- struct{}{}
				ctx.CheckPause()
				if ctx.CheckCancel() {
					return nil, nil
				}
				time.Sleep(10 * time.Millisecond)
			}
			return &domain.Result{Score: 1.0}, nil
		},
	})
	w.Start()
	defer w.Stop(time.Second)

	unit := newUnit(domain.TestQA, false)
	w.Submit(unit)

	<-step
	bus.SendCommand(eventbus.CommandPause, unit.ID)
	time.Sleep(30 * time.Millisecond)
	if w.State() != StatePaused {
		t.Errorf("State = %s, want paused", w.State())
	}

	bus.SendCommand(eventbus.CommandResume, unit.ID)
	waitTerminal(t, unit)

	if unit.Status != domain.StatusCompleted {
		t.Errorf("Status = %s, want completed", unit.Status)
	}
}

func TestWorkerStop(t *testing.T) {
	bus := eventbus.New(eventbus.Options{})
	w := New(Config{Bus: bus})
	w.Start()
	w.Stop(time.Second)

	if w.State() != StateStopped {
		t.Errorf("State = %s, want stopped", w.State())
	}
	if w.TryAssign(newUnit(domain.TestQA, false)) {
		t.Error("TryAssign on a stopped worker should fail")
	}
}
