package domain

import (
	"time"

	"github.com/google/uuid"
)

// newID returns a short unique identifier
func newID() string {
	return uuid.NewString()[:12]
}

// Agent is one AI agent configuration under benchmark
type Agent struct {
	ID          string `json:"id"`
	CLI         string `json:"cli"`   // CLI tool id, e.g. "claude-code"
	Model       string `json:"model"` // model name, e.g. "sonnet"
	DisplayName string `json:"display_name,omitempty"`
}

// NewAgent creates an agent from a CLI tool and model pair
func NewAgent(cli, model string) Agent {
	return Agent{
		ID:          cli + "-" + model,
		CLI:         cli,
		Model:       model,
		DisplayName: cli + "/" + model,
	}
}

// Test is a single benchmark test definition
type Test struct {
	ID             string         `json:"id"`
	Type           TestType       `json:"type"`
	Name           string         `json:"name"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	RequiresOrg    bool           `json:"requires_org"`
	Config         map[string]any `json:"config,omitempty"`
}

// Benchmark is a versioned collection of tests
type Benchmark struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description,omitempty"`
	Tests       []Test    `json:"tests"`
	CreatedAt   time.Time `json:"created_at"`
}

// TestsByType returns the tests of one type
func (b *Benchmark) TestsByType(t TestType) []Test {
	var out []Test
	for _, test := range b.Tests {
		if test.Type == t {
			out = append(out, test)
		}
	}
	return out
}

// Cost tracks token usage for a single execution
type Cost struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	EstimatedUSD float64 `json:"estimated_usd"`
}

// TotalTokens returns input plus output tokens
func (c Cost) TotalTokens() int {
	return c.InputTokens + c.OutputTokens
}

// Add returns the sum of two costs
func (c Cost) Add(other Cost) Cost {
	return Cost{
		InputTokens:  c.InputTokens + other.InputTokens,
		OutputTokens: c.OutputTokens + other.OutputTokens,
		EstimatedUSD: c.EstimatedUSD + other.EstimatedUSD,
	}
}

// Result is the outcome of executing a work unit
type Result struct {
	Score           float64        `json:"score"` // 0.0 to 1.0
	Cost            Cost           `json:"cost"`
	DurationSeconds float64        `json:"duration_seconds"`
	Details         map[string]any `json:"details,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// IsSuccess reports whether the result carries no error and a positive score
func (r *Result) IsSuccess() bool {
	return r.Error == "" && r.Score > 0
}

// WorkUnit is one schedulable request: a single test executed by a single agent.
// It is mutated only by the worker executing it and by command handlers; once the
// status is terminal it never changes again.
type WorkUnit struct {
	ID     string         `json:"id"`
	Test   Test           `json:"test"`
	Agent  Agent          `json:"agent"`
	Status WorkUnitStatus `json:"status"`
	Result *Result        `json:"result,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ScratchOrg is the username of the org assigned for the run, if any
	ScratchOrg string `json:"scratch_org,omitempty"`

	Priority   int `json:"priority"` // higher = more urgent; 0 = unset
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
}

// NewWorkUnit creates a pending work unit for a (test, agent) pair
func NewWorkUnit(test Test, agent Agent) *WorkUnit {
	return &WorkUnit{
		ID:         newID(),
		Test:       test,
		Agent:      agent,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: 3,
	}
}

// Start marks the unit running
func (w *WorkUnit) Start() {
	now := time.Now().UTC()
	w.Status = StatusRunning
	w.StartedAt = &now
}

// Complete marks the unit completed with its result
func (w *WorkUnit) Complete(result *Result) {
	now := time.Now().UTC()
	w.Status = StatusCompleted
	w.CompletedAt = &now
	w.Result = result
}

// Fail marks the unit failed with the given error message
func (w *WorkUnit) Fail(errMsg string) {
	now := time.Now().UTC()
	w.Status = StatusFailed
	w.CompletedAt = &now
	if w.Result == nil {
		w.Result = &Result{}
	}
	w.Result.Error = errMsg
}

// MarkTimeout marks the unit as having exceeded its time budget
func (w *WorkUnit) MarkTimeout(errMsg string) {
	now := time.Now().UTC()
	w.Status = StatusTimeout
	w.CompletedAt = &now
	if w.Result == nil {
		w.Result = &Result{}
	}
	w.Result.Error = errMsg
}

// Pause marks a running unit paused
func (w *WorkUnit) Pause() {
	if w.Status == StatusRunning {
		w.Status = StatusPaused
	}
}

// Resume marks a paused unit running again
func (w *WorkUnit) Resume() {
	if w.Status == StatusPaused {
		w.Status = StatusRunning
	}
}

// Cancel marks a non-terminal unit cancelled
func (w *WorkUnit) Cancel() {
	switch w.Status {
	case StatusPending, StatusRunning, StatusPaused:
		now := time.Now().UTC()
		w.Status = StatusCancelled
		w.CompletedAt = &now
	}
}

// Duration returns the elapsed execution time
func (w *WorkUnit) Duration() time.Duration {
	if w.StartedAt == nil {
		return 0
	}
	end := time.Now().UTC()
	if w.CompletedAt != nil {
		end = *w.CompletedAt
	}
	return end.Sub(*w.StartedAt)
}

// IsTerminal reports whether the unit reached a final state
func (w *WorkUnit) IsTerminal() bool {
	return w.Status.IsTerminal()
}

// CanRetry reports whether a failed unit has retries left
func (w *WorkUnit) CanRetry() bool {
	return w.Status == StatusFailed && w.RetryCount < w.MaxRetries
}

// PrepareRetry resets a failed unit for another attempt, consuming one
// retry. Reports false when no retries are left.
func (w *WorkUnit) PrepareRetry() bool {
	if !w.CanRetry() {
		return false
	}
	w.RetryCount++
	w.Status = StatusPending
	w.Result = nil
	w.StartedAt = nil
	w.CompletedAt = nil
	return true
}
