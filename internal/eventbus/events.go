package eventbus

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the event union
type Kind string

const (
	KindLog      Kind = "log"
	KindStatus   Kind = "status"
	KindCommand  Kind = "command"
	KindMetrics  Kind = "metrics"
	KindProgress Kind = "progress"
)

// LogLevel is the severity of a log event
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// Command names an instruction sent into the core
type Command string

const (
	CommandPause        Command = "pause"
	CommandResume       Command = "resume"
	CommandCancel       Command = "cancel"
	CommandRetry        Command = "retry"
	CommandInjectPrompt Command = "inject_prompt"
	CommandStatus       Command = "status"
	CommandShutdown     Command = "shutdown"
)

// Event is a discriminated union: Kind selects which payload pointer is set.
// Events are immutable once published.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`

	Log      *LogPayload      `json:"log,omitempty"`
	Status   *StatusPayload   `json:"status,omitempty"`
	Command  *CommandPayload  `json:"command,omitempty"`
	Metrics  *MetricsPayload  `json:"metrics,omitempty"`
	Progress *ProgressPayload `json:"progress,omitempty"`
}

// LogPayload is a log message from a worker or component
type LogPayload struct {
	Level      LogLevel       `json:"level"`
	Source     string         `json:"source"`
	Message    string         `json:"message"`
	WorkUnitID string         `json:"work_unit_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// StatusPayload is a status transition for one work unit
type StatusPayload struct {
	WorkUnitID string         `json:"work_unit_id"`
	Status     string         `json:"status"`
	Progress   *float64       `json:"progress,omitempty"` // 0.0 to 1.0
	Metrics    map[string]any `json:"metrics,omitempty"`
}

// CommandPayload is an instruction sent from a controller.
// An empty WorkUnitID means broadcast.
type CommandPayload struct {
	Command    Command        `json:"command"`
	WorkUnitID string         `json:"work_unit_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// MetricsPayload is an aggregate snapshot of the execution plane
type MetricsPayload struct {
	TotalWorkUnits     int `json:"total_work_units"`
	CompletedWorkUnits int `json:"completed_work_units"`
	FailedWorkUnits    int `json:"failed_work_units"`
	RunningWorkUnits   int `json:"running_work_units"`
	PendingWorkUnits   int `json:"pending_work_units"`

	TotalCostUSD float64 `json:"total_cost_usd"`
	TotalTokens  int     `json:"total_tokens"`

	WorkersActive int `json:"workers_active"`
	WorkersTotal  int `json:"workers_total"`

	OrgsAvailable int `json:"orgs_available"`
	OrgsInUse     int `json:"orgs_in_use"`
}

// ProgressPayload reports progress of one named operation
type ProgressPayload struct {
	Operation  string `json:"operation"`
	WorkUnitID string `json:"work_unit_id,omitempty"`
	Current    int    `json:"current"`
	Total      int    `json:"total"`
	Message    string `json:"message,omitempty"`
}

func newEvent(kind Kind) Event {
	return Event{
		ID:        uuid.NewString()[:8],
		Timestamp: time.Now().UTC(),
		Kind:      kind,
	}
}

// NewLog creates a log event
func NewLog(level LogLevel, source, message string) Event {
	ev := newEvent(KindLog)
	ev.Log = &LogPayload{Level: level, Source: source, Message: message}
	return ev
}

// NewStatus creates a status event
func NewStatus(workUnitID string, status string) Event {
	ev := newEvent(KindStatus)
	ev.Status = &StatusPayload{WorkUnitID: workUnitID, Status: status}
	return ev
}

// NewCommand creates a command event; workUnitID may be empty for broadcast
func NewCommand(cmd Command, workUnitID string) Event {
	ev := newEvent(KindCommand)
	ev.Command = &CommandPayload{Command: cmd, WorkUnitID: workUnitID}
	return ev
}

// NewMetrics creates a metrics event
func NewMetrics(m MetricsPayload) Event {
	ev := newEvent(KindMetrics)
	ev.Metrics = &m
	return ev
}

// NewProgress creates a progress event
func NewProgress(operation string, current, total int) Event {
	ev := newEvent(KindProgress)
	ev.Progress = &ProgressPayload{Operation: operation, Current: current, Total: total}
	return ev
}

// WorkUnitRef returns the work unit id the event refers to, if any
func (e Event) WorkUnitRef() string {
	switch e.Kind {
	case KindLog:
		return e.Log.WorkUnitID
	case KindStatus:
		return e.Status.WorkUnitID
	case KindCommand:
		return e.Command.WorkUnitID
	case KindMetrics:
		return ""
	case KindProgress:
		return e.Progress.WorkUnitID
	}
	return ""
}

// Source returns the originating component, if the kind carries one
func (e Event) Source() string {
	if e.Kind == KindLog {
		return e.Log.Source
	}
	return ""
}

// FormatLog renders a log event for plain display
func (e Event) FormatLog() string {
	if e.Kind != KindLog {
		return ""
	}
	if e.Log.Source == "" {
		return fmt.Sprintf("[%s] %s", e.Timestamp.Format("15:04:05"), e.Log.Message)
	}
	return fmt.Sprintf("[%s] [%s] %s", e.Timestamp.Format("15:04:05"), e.Log.Source, e.Log.Message)
}
