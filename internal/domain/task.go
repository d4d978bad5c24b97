package domain

import (
	"fmt"
	"strings"
	"time"
)

// TaskKey uniquely identifies a task as {projectID}:{requirementName}
type TaskKey struct {
	ProjectID   string
	Requirement string
}

// ParseTaskKey parses a string like "dashboard:user-auth" into a TaskKey
func ParseTaskKey(s string) (TaskKey, error) {
	idx := strings.Index(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return TaskKey{}, fmt.Errorf("invalid task key format: %q (expected project:requirement)", s)
	}
	return TaskKey{ProjectID: s[:idx], Requirement: s[idx+1:]}, nil
}

// String returns the canonical string representation
func (k TaskKey) String() string {
	return k.ProjectID + ":" + k.Requirement
}

// Task represents one unit of dispatched work tied to a requirement artifact
type Task struct {
	Key         TaskKey
	BatchID     string // empty if unqueued
	Status      TaskStatus
	Error       string
	ExternalID  string // handle returned by the submission API
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Reset returns the task to idle, discarding error and timestamps
func (t *Task) Reset() {
	t.Status = TaskIdle
	t.BatchID = ""
	t.Error = ""
	t.ExternalID = ""
	t.StartedAt = nil
	t.CompletedAt = nil
}
