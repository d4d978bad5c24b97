// Package progress projects a task's raw output history into a single
// display snapshot: classified activity, checkpoint list, and an estimated
// completion percentage. The projection is a UX heuristic derived from
// tool-usage patterns, not a ground-truth signal from the agent; the
// authoritative completion status always wins via Finalize.
package progress

import (
	"github.com/hochfrequenz/agent-task-runner/internal/activity"
	"github.com/hochfrequenz/agent-task-runner/internal/domain"
	"github.com/hochfrequenz/agent-task-runner/internal/stream"
)

// CheckpointStatus is the display state of one milestone
type CheckpointStatus string

const (
	CheckpointPending    CheckpointStatus = "pending"
	CheckpointInProgress CheckpointStatus = "in_progress"
	CheckpointCompleted  CheckpointStatus = "completed"
)

// Checkpoint is a named milestone heuristically inferred from activity
type Checkpoint struct {
	Name   string
	Status CheckpointStatus
}

// State is one consistent snapshot of a task's execution progress
type State struct {
	Lines       []string
	Activity    activity.Summary
	Checkpoints []Checkpoint
	Percentage  int
}

// checkpointNames is the fixed, ordered milestone list shown in the UI
var checkpointNames = []string{
	"Project guidelines read",
	"File structure established",
	"Documentation updated",
	"Logging reviewed",
	"Screenshot captured",
	"Changes committed",
	"Final checklist",
}

// phaseWeights is the base percentage contributed by each phase
var phaseWeights = map[domain.Phase]int{
	domain.PhaseIdle:         0,
	domain.PhaseAnalyzing:    15,
	domain.PhasePlanning:     30,
	domain.PhaseImplementing: 60,
	domain.PhaseValidating:   85,
}

const (
	diversityBonusPerTool = 2
	diversityBonusCap     = 10
	runningPercentageCap  = 99
)

// Compute rebuilds the full progress snapshot from a task's accumulated raw
// lines. It is a complete recompute, not a streaming delta: calling it twice
// with the same lines yields an identical state.
func Compute(lines []string) State {
	events := activityEvents(stream.ParseLines(lines))
	summary := activity.Classify(events)

	state := State{
		Lines:       lines,
		Activity:    summary,
		Checkpoints: deriveCheckpoints(summary.Phase, events),
	}
	if len(lines) > 0 {
		state.Percentage = estimatePercentage(summary)
	}
	return state
}

// Finalize forces the snapshot to its completed form. Called when the task
// reaches a successful terminal status, overriding the heuristic estimate.
func Finalize(state *State) {
	state.Percentage = 100
	for i := range state.Checkpoints {
		state.Checkpoints[i].Status = CheckpointCompleted
	}
}

func activityEvents(events []stream.Event) []stream.Event {
	var out []stream.Event
	for _, ev := range events {
		if ev.Type == stream.EventToolInvocation {
			out = append(out, ev)
		}
	}
	return out
}

// activityCounts tallies invocations per activity class
type activityCounts struct {
	reads, edits, writes, execs int
}

func countActivities(events []stream.Event) activityCounts {
	var c activityCounts
	for _, ev := range events {
		switch ev.Activity {
		case stream.ActivityReading:
			c.reads++
		case stream.ActivityEditing:
			c.edits++
		case stream.ActivityWriting:
			c.writes++
		case stream.ActivityExecuting:
			c.execs++
		}
	}
	return c
}

// deriveCheckpoints maps the milestone list to statuses using boolean
// conditions over the classified phase and activity tallies.
func deriveCheckpoints(phase domain.Phase, events []stream.Event) []Checkpoint {
	counts := countActivities(events)
	rank := phaseRank(phase)
	validating := phase == domain.PhaseValidating

	checkpoints := make([]Checkpoint, len(checkpointNames))
	for i, name := range checkpointNames {
		checkpoints[i] = Checkpoint{Name: name, Status: CheckpointPending}
	}

	// Guidelines: reads have happened and the work moved past analysis
	switch {
	case counts.reads > 0 && rank > phaseRank(domain.PhaseAnalyzing):
		checkpoints[0].Status = CheckpointCompleted
	case counts.reads > 0:
		checkpoints[0].Status = CheckpointInProgress
	}

	// File structure: any edit or write
	switch {
	case counts.edits > 0 || counts.writes > 0:
		checkpoints[1].Status = CheckpointCompleted
	case phase == domain.PhasePlanning || phase == domain.PhaseImplementing:
		checkpoints[1].Status = CheckpointInProgress
	}

	// Later milestones only resolve once validation runs have happened
	for i := 2; i < len(checkpoints); i++ {
		switch {
		case validating && counts.execs > 0:
			checkpoints[i].Status = CheckpointCompleted
		case validating:
			checkpoints[i].Status = CheckpointInProgress
		}
	}

	return checkpoints
}

// estimatePercentage combines the phase base weight with a small bonus for
// tool diversity, capped below 100 while the task is still running.
func estimatePercentage(summary activity.Summary) int {
	pct := phaseWeights[summary.Phase]

	bonus := len(summary.ToolUsage) * diversityBonusPerTool
	if bonus > diversityBonusCap {
		bonus = diversityBonusCap
	}
	pct += bonus

	if pct > runningPercentageCap {
		pct = runningPercentageCap
	}
	return pct
}

func phaseRank(p domain.Phase) int {
	switch p {
	case domain.PhaseAnalyzing:
		return 1
	case domain.PhasePlanning:
		return 2
	case domain.PhaseImplementing:
		return 3
	case domain.PhaseValidating:
		return 4
	default:
		return 0
	}
}
