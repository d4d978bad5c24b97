package domain

import (
	"testing"
	"time"
)

func TestParseTaskKey(t *testing.T) {
	key, err := ParseTaskKey("dashboard:user-auth")
	if err != nil {
		t.Fatalf("ParseTaskKey error: %v", err)
	}
	if key.ProjectID != "dashboard" || key.Requirement != "user-auth" {
		t.Errorf("ParseTaskKey = %+v", key)
	}
	if key.String() != "dashboard:user-auth" {
		t.Errorf("String() = %s", key.String())
	}
}

func TestParseTaskKey_RequirementWithColon(t *testing.T) {
	key, err := ParseTaskKey("proj:feat:v2")
	if err != nil {
		t.Fatalf("ParseTaskKey error: %v", err)
	}
	if key.Requirement != "feat:v2" {
		t.Errorf("Requirement = %s, want feat:v2", key.Requirement)
	}
}

func TestParseTaskKey_Invalid(t *testing.T) {
	for _, s := range []string{"", "noseparator", ":leading", "trailing:"} {
		if _, err := ParseTaskKey(s); err == nil {
			t.Errorf("ParseTaskKey(%q) = nil error, want error", s)
		}
	}
}

func TestTaskReset(t *testing.T) {
	now := time.Now()
	task := &Task{
		Key:        TaskKey{ProjectID: "p", Requirement: "r"},
		BatchID:    "batch-1",
		Status:     TaskFailed,
		Error:      "boom",
		ExternalID: "ext-42",
		StartedAt:  &now,
	}
	task.Reset()
	if task.Status != TaskIdle || task.BatchID != "" || task.Error != "" || task.ExternalID != "" || task.StartedAt != nil {
		t.Errorf("Reset left state behind: %+v", task)
	}
}

func TestTaskStatusIsTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskCompleted, TaskFailed, TaskSessionLimit}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []TaskStatus{TaskIdle, TaskQueued, TaskRunning} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestBatchRemove(t *testing.T) {
	b := &Batch{TaskKeys: []TaskKey{
		{ProjectID: "p", Requirement: "a"},
		{ProjectID: "p", Requirement: "b"},
	}}
	if !b.Remove(TaskKey{ProjectID: "p", Requirement: "a"}) {
		t.Fatal("Remove returned false for present key")
	}
	if b.Contains(TaskKey{ProjectID: "p", Requirement: "a"}) {
		t.Error("key still present after Remove")
	}
	if b.Remove(TaskKey{ProjectID: "p", Requirement: "a"}) {
		t.Error("Remove returned true for absent key")
	}
}
