package worker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bhanudas/sf-agentbench/internal/domain"
	"github.com/bhanudas/sf-agentbench/internal/eventbus"
	"github.com/bhanudas/sf-agentbench/internal/orgpool"
)

// promptBuffer bounds how many injected prompts can queue up unread
const promptBuffer = 16

// ExecContext is the control surface handed to an executor for one work
// unit: the only channel through which the unit is paused, cancelled, or fed
// out-of-band input, and the only channel through which it reports progress.
//
// Pause and cancellation are cooperative: the executor is expected to call
// CheckPause and CheckCancel at its natural suspension points. Nothing here
// preempts it.
type ExecContext struct {
	WorkerID string
	Unit     *domain.WorkUnit
	Bus      *eventbus.Bus
	Log      *zap.Logger

	// Org is the scratch org assigned for the run, nil for tests that do
	// not need one
	Org *orgpool.Org

	mu       sync.Mutex
	paused   bool
	resumeCh chan struct{}

	cancelCh   chan struct{}
	cancelOnce sync.Once

	prompts chan string
}

func newExecContext(workerID string, unit *domain.WorkUnit, bus *eventbus.Bus, logger *zap.Logger) *ExecContext {
	return &ExecContext{
		WorkerID: workerID,
		Unit:     unit,
		Bus:      bus,
		Log:      logger,
		cancelCh: make(chan struct{}),
		prompts:  make(chan string, promptBuffer),
	}
}

// Pause sets the pause flag; the executor blocks at its next CheckPause
func (c *ExecContext) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		c.paused = true
		c.resumeCh = make(chan struct{})
	}
}

// Resume clears the pause flag and unblocks a waiting CheckPause
func (c *ExecContext) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		c.paused = false
		close(c.resumeCh)
	}
}

// Cancel sets the cancel flag; it also unblocks a paused unit
func (c *ExecContext) Cancel() {
	c.cancelOnce.Do(func() { close(c.cancelCh) })
}

// Done returns a channel closed when the unit is cancelled
func (c *ExecContext) Done() <-chan struct{} {
	return c.cancelCh
}

// CheckCancel reports whether the unit has been cancelled
func (c *ExecContext) CheckCancel() bool {
	select {
	case <-c.cancelCh:
		return true
	default:
		return false
	}
}

// CheckPause blocks while the pause flag is set, publishing paused/running
// status events around the wait. Cancellation unblocks the wait. Reports
// whether a pause occurred.
func (c *ExecContext) CheckPause() bool {
	c.mu.Lock()
	if !c.paused {
		c.mu.Unlock()
		return false
	}
	resume := c.resumeCh
	c.mu.Unlock()

	c.UpdateStatus(domain.StatusPaused)
	select {
	case <-resume:
		c.UpdateStatus(domain.StatusRunning)
	case <-c.cancelCh:
	}
	return true
}

// InjectPrompt queues an out-of-band prompt for the executor. Prompts beyond
// the buffer capacity are dropped with a warning rather than blocking the
// command handler.
func (c *ExecContext) InjectPrompt(prompt string) {
	select {
	case c.prompts <- prompt:
	default:
		c.Log.Warn("prompt buffer full, dropping injected prompt",
			zap.String("work_unit", c.Unit.ID))
	}
}

// InjectedPrompt returns a queued prompt if one arrives within timeout.
// A timeout <= 0 makes the call non-blocking.
func (c *ExecContext) InjectedPrompt(timeout time.Duration) (string, bool) {
	if timeout <= 0 {
		select {
		case p := <-c.prompts:
			return p, true
		default:
			return "", false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-c.prompts:
		return p, true
	case <-timer.C:
		return "", false
	}
}

// LogInfo publishes an info log event tagged with the work unit id
func (c *ExecContext) LogInfo(message string) {
	c.Bus.Log(eventbus.LevelInfo, c.WorkerID, message, c.Unit.ID, nil)
}

// LogError publishes an error log event tagged with the work unit id
func (c *ExecContext) LogError(message string) {
	c.Bus.Log(eventbus.LevelError, c.WorkerID, message, c.Unit.ID, nil)
}

// UpdateStatus publishes a status event for the work unit
func (c *ExecContext) UpdateStatus(status domain.WorkUnitStatus) {
	c.Bus.UpdateStatus(c.Unit.ID, string(status))
}

// UpdateProgress publishes a status event with a progress fraction (0 to 1)
func (c *ExecContext) UpdateProgress(status domain.WorkUnitStatus, progress float64) {
	c.Bus.UpdateStatusProgress(c.Unit.ID, string(status), progress)
}
