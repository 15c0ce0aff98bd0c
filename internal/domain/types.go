package domain

// TestType classifies benchmark tests
type TestType string

const (
	TestQA          TestType = "qa"
	TestCoding      TestType = "coding"
	TestLWC         TestType = "lwc"
	TestIntegration TestType = "integration"
)

// WorkUnitStatus represents the lifecycle state of a work unit
type WorkUnitStatus string

const (
	StatusPending   WorkUnitStatus = "pending"
	StatusRunning   WorkUnitStatus = "running"
	StatusPaused    WorkUnitStatus = "paused"
	StatusCompleted WorkUnitStatus = "completed"
	StatusFailed    WorkUnitStatus = "failed"
	StatusCancelled WorkUnitStatus = "cancelled"
	StatusTimeout   WorkUnitStatus = "timeout"
)

// IsTerminal reports whether the status is final
func (s WorkUnitStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}
