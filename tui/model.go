// Package tui is a terminal monitor for the runner: batch slots, their
// queues, and live progress for running tasks.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/agent-task-runner/internal/domain"
	"github.com/hochfrequenz/agent-task-runner/internal/progress"
)

// Source provides the runner state the monitor renders
type Source interface {
	Batches() []domain.Batch
	Tasks() []domain.Task
	Progress(key domain.TaskKey) progress.State
}

// TaskView is one task row with its progress snapshot
type TaskView struct {
	Task       domain.Task
	Percentage int
	Phase      domain.Phase
	Target     string
}

// Model is the TUI application model
type Model struct {
	source Source

	// Data
	batches []domain.Batch
	tasks   map[string]TaskView

	// UI state
	width         int
	height        int
	selectedBatch int

	// Refresh
	lastRefresh time.Time
}

// NewModel creates a model and loads the initial snapshot
func NewModel(source Source) Model {
	m := Model{
		source: source,
		tasks:  make(map[string]TaskView),
	}
	m.refresh()
	return m
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// TickMsg triggers a refresh
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m *Model) refresh() {
	if m.source == nil {
		return
	}
	m.batches = m.source.Batches()
	m.tasks = make(map[string]TaskView)
	for _, task := range m.source.Tasks() {
		view := TaskView{Task: task}
		if task.Status == domain.TaskRunning {
			state := m.source.Progress(task.Key)
			view.Percentage = state.Percentage
			view.Phase = state.Activity.Phase
			if state.Activity.Current != nil {
				view.Target = state.Activity.Current.Target
			}
		}
		m.tasks[task.Key.String()] = view
	}
	m.lastRefresh = time.Now()
}

func (m Model) runningCount() int {
	n := 0
	for _, v := range m.tasks {
		if v.Task.Status == domain.TaskRunning {
			n++
		}
	}
	return n
}
