package domain

// TaskStatus represents the lifecycle state of a dispatched task
type TaskStatus string

const (
	TaskIdle         TaskStatus = "idle"
	TaskQueued       TaskStatus = "queued"
	TaskRunning      TaskStatus = "running"
	TaskCompleted    TaskStatus = "completed"
	TaskFailed       TaskStatus = "failed"
	TaskSessionLimit TaskStatus = "session_limit"
)

// IsTerminal returns true if the status will not change without a reset
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSessionLimit:
		return true
	}
	return false
}

// BatchStatus represents the execution state of a batch
type BatchStatus string

const (
	BatchIdle      BatchStatus = "idle"
	BatchRunning   BatchStatus = "running"
	BatchPaused    BatchStatus = "paused"
	BatchCompleted BatchStatus = "completed"
)

// Phase is the coarse execution stage inferred from recent tool activity
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseAnalyzing    Phase = "analyzing"
	PhasePlanning     Phase = "planning"
	PhaseImplementing Phase = "implementing"
	PhaseValidating   Phase = "validating"
)
