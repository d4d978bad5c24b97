package stream

import (
	"time"

	"github.com/hochfrequenz/agent-task-runner/internal/domain"
)

// EventType discriminates the parsed output event variants
type EventType string

const (
	EventToolInvocation EventType = "tool_invocation"
	EventProgressUpdate EventType = "progress_update"
	EventFileChange     EventType = "file_change"
	EventCompletion     EventType = "completion"
	EventSystemInit     EventType = "system_init"
)

// ActivityType is the coarse activity class derived from a tool name
type ActivityType string

const (
	ActivityReading   ActivityType = "reading"
	ActivityEditing   ActivityType = "editing"
	ActivityWriting   ActivityType = "writing"
	ActivitySearching ActivityType = "searching"
	ActivityExecuting ActivityType = "executing"
	ActivityPlanning  ActivityType = "planning"
	ActivityThinking  ActivityType = "thinking"
)

// FileAction describes the effect of a file-mutating tool invocation
type FileAction string

const (
	FileCreate FileAction = "create"
	FileModify FileAction = "modify"
	FileDelete FileAction = "delete"
)

// Event is one parsed unit of agent CLI output. Type selects the variant;
// only the fields belonging to that variant are populated.
type Event struct {
	Type      EventType
	Timestamp time.Time

	// tool_invocation
	Tool     string
	Activity ActivityType
	Target   string
	Input    map[string]any

	// progress_update
	Phase   domain.Phase
	Message string

	// file_change
	Action FileAction
	Path   string

	// completion
	Success      bool
	SessionLimit bool

	// system_init
	SessionID string
	Tools     []string
}
