// Package worker implements the single execution lane: one goroutine that
// pulls work units from a private queue, builds an execution context, and
// invokes the injected executor.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bhanudas/sf-agentbench/internal/domain"
	"github.com/bhanudas/sf-agentbench/internal/eventbus"
	"github.com/bhanudas/sf-agentbench/internal/orgpool"
)

// State of a worker lane
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Executor performs the actual domain work for one unit. Errors and panics
// are caught by the worker and turn the unit failed; they never kill the
// lane.
type Executor func(*ExecContext) (*domain.Result, error)

// Config for one worker
type Config struct {
	ID       string
	Bus      *eventbus.Bus
	Executor Executor
	Logger   *zap.Logger

	// Orgs, when set, is consulted for units whose test requires a scratch
	// org; the org is acquired before the executor runs and released after
	Orgs              *orgpool.Pool
	OrgAcquireTimeout time.Duration

	// OnDone is called after a unit reaches a terminal state, before the
	// worker returns to idle
	OnDone func(*domain.WorkUnit)

	QueueSize int // private inbound queue capacity, default 8
}

// Worker processes one work unit at a time from its private queue
type Worker struct {
	id       string
	bus      *eventbus.Bus
	executor Executor
	orgs     *orgpool.Pool
	orgWait  time.Duration
	onDone   func(*domain.WorkUnit)
	log      *zap.Logger

	mu      sync.Mutex
	state   State
	current *domain.WorkUnit
	ctx     *ExecContext

	queue    chan *domain.WorkUnit
	stopCh   chan struct{}
	doneCh   chan struct{}
	cmdToken int
	started  bool
}

// New creates a worker. Start must be called before it processes anything.
func New(cfg Config) *Worker {
	if cfg.ID == "" {
		cfg.ID = "worker-" + uuid.NewString()[:6]
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 8
	}
	if cfg.OrgAcquireTimeout <= 0 {
		cfg.OrgAcquireTimeout = 5 * time.Minute
	}
	return &Worker{
		id:       cfg.ID,
		bus:      cfg.Bus,
		executor: cfg.Executor,
		orgs:     cfg.Orgs,
		orgWait:  cfg.OrgAcquireTimeout,
		onDone:   cfg.OnDone,
		log:      cfg.Logger.With(zap.String("worker", cfg.ID)),
		state:    StateIdle,
		queue:    make(chan *domain.WorkUnit, cfg.QueueSize),
	}
}

// ID returns the worker id
func (w *Worker) ID() string { return w.id }

// State returns the current lane state
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Current returns the unit being processed, nil when idle
func (w *Worker) Current() *domain.WorkUnit {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Start launches the lane goroutine and subscribes to command events
func (w *Worker) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.state = StateIdle
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	w.cmdToken = w.bus.Subscribe(eventbus.KindCommand, w.handleCommand)
	go w.runLoop()

	w.bus.LogInfo(w.id, "worker started")
}

// Stop signals the lane to finish and waits up to timeout for it to exit.
// A lane that does not stop in time is logged and treated as leaked.
func (w *Worker) Stop(timeout time.Duration) {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	w.state = StateStopping
	stop, done := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stop)
	select {
	case <-done:
	case <-time.After(timeout):
		w.log.Warn("worker did not stop in time", zap.Duration("timeout", timeout))
	}

	w.bus.Unsubscribe(w.cmdToken)

	w.mu.Lock()
	w.state = StateStopped
	w.mu.Unlock()

	w.bus.LogInfo(w.id, "worker stopped")
}

// Submit enqueues a unit onto the worker's private queue
func (w *Worker) Submit(unit *domain.WorkUnit) {
	w.queue <- unit
}

// TryAssign atomically claims an idle worker for a unit. Returns false when
// the worker is not idle. Used by the pool dispatcher so a worker is never
// double-assigned between dispatch ticks.
func (w *Worker) TryAssign(unit *domain.WorkUnit) bool {
	w.mu.Lock()
	if w.state != StateIdle || !w.started {
		w.mu.Unlock()
		return false
	}
	w.state = StateRunning
	w.mu.Unlock()

	w.queue <- unit
	return true
}

// Pause forwards a pause to the active execution context; no-op when idle
func (w *Worker) Pause() {
	w.mu.Lock()
	ctx := w.ctx
	if ctx != nil && w.state == StateRunning {
		w.state = StatePaused
	}
	w.mu.Unlock()

	if ctx != nil {
		ctx.Pause()
	}
}

// Resume forwards a resume to the active execution context; no-op when idle
func (w *Worker) Resume() {
	w.mu.Lock()
	ctx := w.ctx
	if ctx != nil && w.state == StatePaused {
		w.state = StateRunning
	}
	w.mu.Unlock()

	if ctx != nil {
		ctx.Resume()
	}
}

// CancelCurrent cancels the active unit; no-op when idle
func (w *Worker) CancelCurrent() {
	w.mu.Lock()
	ctx := w.ctx
	w.mu.Unlock()

	if ctx != nil {
		ctx.Cancel()
	}
}

// InjectPrompt forwards a prompt to the active unit; no-op when idle
func (w *Worker) InjectPrompt(prompt string) {
	w.mu.Lock()
	ctx := w.ctx
	w.mu.Unlock()

	if ctx != nil {
		ctx.InjectPrompt(prompt)
	}
}

func (w *Worker) runLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case unit := <-w.queue:
			w.process(unit)
		}
	}
}

// process runs one unit end to end. Executor faults are contained here; the
// lane always survives.
func (w *Worker) process(unit *domain.WorkUnit) {
	ctx := newExecContext(w.id, unit, w.bus, w.log)

	w.mu.Lock()
	w.state = StateRunning
	w.current = unit
	w.ctx = ctx
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.current = nil
		w.ctx = nil
		if w.state == StateRunning || w.state == StatePaused {
			w.state = StateIdle
		}
		w.mu.Unlock()

		if w.onDone != nil {
			w.onDone(unit)
		}
	}()

	if unit.Test.RequiresOrg && w.orgs != nil {
		org := w.orgs.Acquire(unit.ID, w.orgWait)
		if org == nil {
			unit.Fail("no scratch org available within " + w.orgWait.String())
			w.bus.Log(eventbus.LevelError, w.id, "no scratch org available", unit.ID, nil)
			w.bus.UpdateStatus(unit.ID, string(unit.Status))
			return
		}
		ctx.Org = org
		unit.ScratchOrg = org.Username
		defer w.orgs.Release(org)
	}

	unit.Start()
	w.bus.UpdateStatus(unit.ID, string(domain.StatusRunning))
	w.bus.Log(eventbus.LevelInfo, w.id, "starting work unit: "+unit.Test.Name, unit.ID, nil)

	result, err := w.invoke(ctx)

	switch {
	case ctx.CheckCancel():
		unit.Cancel()
		w.bus.Log(eventbus.LevelWarn, w.id, "work unit cancelled", unit.ID, nil)
	case errors.Is(err, context.DeadlineExceeded):
		unit.MarkTimeout(err.Error())
		w.bus.Log(eventbus.LevelError, w.id, "work unit timed out: "+err.Error(), unit.ID, nil)
	case err != nil:
		unit.Fail(err.Error())
		w.bus.Log(eventbus.LevelError, w.id, "work unit failed: "+err.Error(), unit.ID, nil)
	default:
		if result == nil {
			result = &domain.Result{Score: 1.0}
		}
		result.DurationSeconds = unit.Duration().Seconds()
		unit.Complete(result)
		w.bus.Log(eventbus.LevelInfo, w.id,
			fmt.Sprintf("work unit complete (score: %.2f)", result.Score), unit.ID, nil)
	}

	w.bus.UpdateStatus(unit.ID, string(unit.Status))
}

// invoke calls the executor, converting a panic into an error
func (w *Worker) invoke(ctx *ExecContext) (result *domain.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked: %v", r)
			w.log.Error("executor panicked", zap.Any("panic", r), zap.String("work_unit", ctx.Unit.ID))
		}
	}()

	if w.executor == nil {
		return &domain.Result{Score: 1.0}, nil
	}
	return w.executor(ctx)
}

// handleCommand applies a command event when it targets this worker's
// current unit, or is a broadcast
func (w *Worker) handleCommand(ev eventbus.Event) {
	cmd := ev.Command

	if cmd.WorkUnitID != "" {
		current := w.Current()
		if current == nil || current.ID != cmd.WorkUnitID {
			return
		}
	}

	switch cmd.Command {
	case eventbus.CommandPause:
		w.Pause()
	case eventbus.CommandResume:
		w.Resume()
	case eventbus.CommandCancel:
		w.CancelCurrent()
	case eventbus.CommandInjectPrompt:
		if prompt, ok := cmd.Payload["prompt"].(string); ok && prompt != "" {
			w.InjectPrompt(prompt)
		}
	case eventbus.CommandShutdown:
		go w.Stop(5 * time.Second)
	}
}
