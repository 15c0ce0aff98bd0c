// Package workerpool owns a fixed set of workers and drives dispatch: a
// single background loop matches idle workers to admissible units from the
// scheduler.
package workerpool

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bhanudas/sf-agentbench/internal/domain"
	"github.com/bhanudas/sf-agentbench/internal/eventbus"
	"github.com/bhanudas/sf-agentbench/internal/orgpool"
	"github.com/bhanudas/sf-agentbench/internal/scheduler"
	"github.com/bhanudas/sf-agentbench/internal/worker"
)

// Config holds pool settings. Zero values get defaults.
type Config struct {
	Workers           int           // default 4
	DispatchInterval  time.Duration // default 50ms
	OrgAcquireTimeout time.Duration // passed through to workers
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = 50 * time.Millisecond
	}
	return c
}

// Pool manages workers, the submission path, and fan-out control operations
type Pool struct {
	cfg      Config
	bus      *eventbus.Bus
	sched    *scheduler.Scheduler
	orgs     *orgpool.Pool // optional
	executor worker.Executor
	log      *zap.Logger

	mu          sync.Mutex
	workers     []*worker.Worker
	active      map[string]*domain.WorkUnit
	failedUnits map[string]*domain.WorkUnit
	running     bool
	submitted   int
	completed   int
	failed      int
	startedAt   time.Time

	cmdToken int
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Pool. orgs may be nil; the scheduler then skips the
// resource check and workers never acquire orgs.
func New(cfg Config, bus *eventbus.Bus, sched *scheduler.Scheduler, orgs *orgpool.Pool, executor worker.Executor, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:         cfg.withDefaults(),
		bus:         bus,
		sched:       sched,
		orgs:        orgs,
		executor:    executor,
		log:         logger,
		active:      make(map[string]*domain.WorkUnit),
		failedUnits: make(map[string]*domain.WorkUnit),
	}
}

// Start creates and starts the workers and the dispatch loop
func (p *Pool) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.startedAt = time.Now().UTC()
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	stop, done := p.stopCh, p.doneCh
	p.mu.Unlock()

	for i := 0; i < p.cfg.Workers; i++ {
		w := worker.New(worker.Config{
			ID:                fmt.Sprintf("worker-%d", i),
			Bus:               p.bus,
			Executor:          p.executor,
			Orgs:              p.orgs,
			OrgAcquireTimeout: p.cfg.OrgAcquireTimeout,
			OnDone:            p.unitDone,
			Logger:            p.log,
		})
		w.Start()

		p.mu.Lock()
		p.workers = append(p.workers, w)
		p.mu.Unlock()
	}

	p.cmdToken = p.bus.Subscribe(eventbus.KindCommand, p.handleCommand)
	go p.dispatchLoop(stop, done)

	p.bus.LogInfo("pool", fmt.Sprintf("worker pool started with %d workers", p.cfg.Workers))
}

// Stop shuts the dispatch loop and all workers down, waiting up to timeout
// in total. Unresponsive workers are logged and leaked rather than blocking
// shutdown.
func (p *Pool) Stop(timeout time.Duration) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stop, done := p.stopCh, p.doneCh
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()

	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		p.log.Warn("dispatch loop did not stop in time")
	}
	p.bus.Unsubscribe(p.cmdToken)

	perWorker := timeout
	if len(workers) > 0 {
		perWorker = timeout / time.Duration(len(workers))
	}
	for _, w := range workers {
		w.Stop(perWorker)
	}

	p.bus.LogInfo("pool", "worker pool stopped")
}

// IsRunning reports whether the pool has been started
func (p *Pool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Submit hands a unit to the scheduler. A priority of 0 leaves the
// scheduler's category default in charge.
func (p *Pool) Submit(unit *domain.WorkUnit, priority int) {
	if priority != 0 {
		unit.Priority = priority
	}

	p.mu.Lock()
	p.submitted++
	p.mu.Unlock()

	p.sched.Schedule(unit)
	p.bus.Log(eventbus.LevelDebug, "pool",
		fmt.Sprintf("submitted work unit (priority: %d)", unit.Priority), unit.ID, nil)
}

// SubmitBatch submits multiple units with one priority
func (p *Pool) SubmitBatch(units []*domain.WorkUnit, priority int) {
	for _, unit := range units {
		p.Submit(unit, priority)
	}
}

// WaitForCompletion blocks until the pending list and the active set are
// both empty, or timeout elapses. A timeout <= 0 waits forever. Reports
// whether the pool drained.
func (p *Pool) WaitForCompletion(timeout time.Duration) bool {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		p.mu.Lock()
		activeCount := len(p.active)
		p.mu.Unlock()

		if activeCount == 0 && p.sched.PendingCount() == 0 {
			return true
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// CancelAll cancels every pending and active unit. Pending units are marked
// cancelled without ever being dispatched. Returns the number of units
// affected.
func (p *Pool) CancelAll() int {
	cancelled := 0

	for _, unit := range p.sched.DrainPending() {
		unit.Cancel()
		p.bus.UpdateStatus(unit.ID, string(domain.StatusCancelled))
		cancelled++
	}

	p.mu.Lock()
	workers := p.workers
	p.mu.Unlock()
	for _, w := range workers {
		if w.Current() != nil {
			w.CancelCurrent()
			cancelled++
		}
	}
	return cancelled
}

// PauseAll pauses every running unit
func (p *Pool) PauseAll() {
	p.mu.Lock()
	workers := p.workers
	p.mu.Unlock()
	for _, w := range workers {
		w.Pause()
	}
}

// ResumeAll resumes every paused unit
func (p *Pool) ResumeAll() {
	p.mu.Lock()
	workers := p.workers
	p.mu.Unlock()
	for _, w := range workers {
		w.Resume()
	}
}

// Status is a point-in-time view of the pool
type Status struct {
	Running       bool     `json:"running"`
	WorkersTotal  int      `json:"workers_total"`
	WorkersActive int      `json:"workers_active"`
	WorkersIdle   int      `json:"workers_idle"`
	QueueDepth    int      `json:"queue_depth"`
	Submitted     int      `json:"submitted"`
	Completed     int      `json:"completed"`
	Failed        int      `json:"failed"`
	ActiveUnits   []string `json:"active_units"`
}

// Status returns current counts
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{
		Running:      p.running,
		WorkersTotal: len(p.workers),
		Submitted:    p.submitted,
		Completed:    p.completed,
		Failed:       p.failed,
	}
	for _, w := range p.workers {
		if w.Current() != nil {
			st.WorkersActive++
		}
	}
	st.WorkersIdle = st.WorkersTotal - st.WorkersActive
	st.QueueDepth = p.sched.PendingCount()
	for id := range p.active {
		st.ActiveUnits = append(st.ActiveUnits, id)
	}
	return st
}

// Metrics returns an aggregate metrics payload for publication on the bus
func (p *Pool) Metrics() eventbus.MetricsPayload {
	st := p.Status()

	m := eventbus.MetricsPayload{
		TotalWorkUnits:     st.Submitted,
		CompletedWorkUnits: st.Completed,
		FailedWorkUnits:    st.Failed,
		RunningWorkUnits:   len(st.ActiveUnits),
		PendingWorkUnits:   st.QueueDepth,
		WorkersActive:      st.WorkersActive,
		WorkersTotal:       st.WorkersTotal,
	}
	if p.orgs != nil {
		m.OrgsAvailable = p.orgs.Available()
		m.OrgsInUse = p.orgs.InUse()
	}
	return m
}

// dispatchLoop matches idle workers to admissible units until stopped.
// Faults in one iteration are logged and the loop continues.
func (p *Pool) dispatchLoop(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.dispatchOnce()
		}
	}
}

func (p *Pool) dispatchOnce() {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("dispatch error", zap.Any("panic", r))
		}
	}()

	for {
		w := p.idleWorker()
		if w == nil {
			return
		}

		unit := p.sched.GetNext()
		if unit == nil {
			return
		}

		p.mu.Lock()
		p.active[unit.ID] = unit
		p.mu.Unlock()

		if !w.TryAssign(unit) {
			// Worker was claimed between the idle check and the assign;
			// put the unit back and retry on the next tick
			p.mu.Lock()
			delete(p.active, unit.ID)
			p.mu.Unlock()
			p.sched.MarkComplete(unit)
			p.sched.Schedule(unit)
			return
		}
	}
}

func (p *Pool) idleWorker() *worker.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, w := range p.workers {
		if w.State() == worker.StateIdle {
			return w
		}
	}
	return nil
}

// unitDone is invoked by a worker after its unit reaches a terminal state
func (p *Pool) unitDone(unit *domain.WorkUnit) {
	p.sched.MarkComplete(unit)

	p.mu.Lock()
	delete(p.active, unit.ID)
	switch unit.Status {
	case domain.StatusCompleted:
		p.completed++
	case domain.StatusFailed:
		p.failed++
		p.failedUnits[unit.ID] = unit
	}
	p.mu.Unlock()
}

// handleCommand serves the pool-level command vocabulary. Worker-level
// commands (pause, resume, cancel, prompts) are handled by the workers
// themselves.
func (p *Pool) handleCommand(ev eventbus.Event) {
	switch ev.Command.Command {
	case eventbus.CommandStatus:
		p.bus.PublishMetrics(p.Metrics())
	case eventbus.CommandRetry:
		if ev.Command.WorkUnitID != "" {
			p.Retry(ev.Command.WorkUnitID)
		}
	}
}

// Retry resubmits a failed unit, consuming one of its retries. Reports
// whether the unit was rescheduled.
func (p *Pool) Retry(unitID string) bool {
	p.mu.Lock()
	unit, ok := p.failedUnits[unitID]
	if ok {
		delete(p.failedUnits, unitID)
	}
	p.mu.Unlock()

	if !ok {
		p.bus.LogWarn("pool", "retry requested for unknown work unit: "+unitID)
		return false
	}
	if !unit.PrepareRetry() {
		p.bus.LogWarn("pool", "work unit has no retries left: "+unitID)
		return false
	}

	p.sched.Schedule(unit)
	p.bus.Log(eventbus.LevelInfo, "pool",
		fmt.Sprintf("retrying work unit (attempt %d of %d)", unit.RetryCount+1, unit.MaxRetries+1),
		unit.ID, nil)
	return true
}
