// Package activity derives a coarse execution phase and tool-usage summary
// from a task's tool-invocation history. Classification is a pure function
// of the event sequence so the same history always yields the same summary.
package activity

import (
	"time"

	"github.com/hochfrequenz/agent-task-runner/internal/domain"
	"github.com/hochfrequenz/agent-task-runner/internal/stream"
)

const (
	// phaseWindow is how many trailing events phase derivation examines
	phaseWindow = 10
	// historySize bounds the rolling history kept for display
	historySize = 5
)

// Entry is one activity event with its inferred duration (gap to the
// previous event; the first event has no duration).
type Entry struct {
	Type      stream.ActivityType
	Tool      string
	Target    string
	Timestamp time.Time
	Duration  time.Duration
}

// Summary is the classified view of a task's activity history
type Summary struct {
	Phase     domain.Phase
	ToolUsage map[string]int // invocation count per tool name
	Current   *Entry         // most recent event, nil when empty
	History   []Entry        // last historySize events, oldest first
}

// Classify turns an ordered sequence of tool-invocation events into a
// phase classification and per-tool usage histogram.
func Classify(events []stream.Event) Summary {
	summary := Summary{
		Phase:     domain.PhaseIdle,
		ToolUsage: make(map[string]int),
	}
	if len(events) == 0 {
		return summary
	}

	for _, ev := range events {
		summary.ToolUsage[ev.Tool]++
	}

	start := 0
	if len(events) > historySize {
		start = len(events) - historySize
	}
	for i := start; i < len(events); i++ {
		entry := Entry{
			Type:      events[i].Activity,
			Tool:      events[i].Tool,
			Target:    events[i].Target,
			Timestamp: events[i].Timestamp,
		}
		if i > 0 {
			entry.Duration = events[i].Timestamp.Sub(events[i-1].Timestamp)
		}
		summary.History = append(summary.History, entry)
	}
	summary.Current = &summary.History[len(summary.History)-1]
	summary.Phase = derivePhase(events)
	return summary
}

// derivePhase examines only the trailing window of events and applies
// ordered precedence rules.
func derivePhase(events []stream.Event) domain.Phase {
	start := 0
	if len(events) > phaseWindow {
		start = len(events) - phaseWindow
	}

	var planning, editing, writing, executing, reading, searching int
	for _, ev := range events[start:] {
		switch ev.Activity {
		case stream.ActivityPlanning:
			planning++
		case stream.ActivityEditing:
			editing++
		case stream.ActivityWriting:
			writing++
		case stream.ActivityExecuting:
			executing++
		case stream.ActivityReading:
			reading++
		case stream.ActivitySearching:
			searching++
		}
	}

	switch {
	case planning > 0 && editing == 0:
		return domain.PhasePlanning
	case executing > editing:
		return domain.PhaseValidating
	case editing > 0 || writing > 0:
		return domain.PhaseImplementing
	case reading > 0 || searching > 0:
		return domain.PhaseAnalyzing
	default:
		return domain.PhaseIdle
	}
}
