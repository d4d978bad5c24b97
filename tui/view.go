package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/hochfrequenz/agent-task-runner/internal/domain"
)

var (
	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	selectedSectionStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("205")).
				Padding(0, 1)

	batchTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	runningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	queuedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	completedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	dimmedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	phaseStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))
)

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	header := fmt.Sprintf(" Agent Task Runner │ Running: %d │ Tracked tasks: %d ",
		m.runningCount(), len(m.tasks))
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	for i, batch := range m.batches {
		section := m.renderBatch(batch)
		style := sectionStyle
		if i == m.selectedBatch {
			style = selectedSectionStyle
		}
		b.WriteString(style.Width(m.width - 2).Render(section))
		b.WriteString("\n")
	}

	help := " q: quit │ j/k: select batch │ r: refresh "
	b.WriteString(statusBarStyle.Width(m.width).Render(help))

	return b.String()
}

func (m Model) renderBatch(batch domain.Batch) string {
	var b strings.Builder

	title := fmt.Sprintf("%s  [%s]", batch.Name, batch.Status)
	b.WriteString(batchTitleStyle.Render(title))
	if batch.CompletedCount > 0 || batch.FailedCount > 0 {
		b.WriteString(dimmedStyle.Render(
			fmt.Sprintf("  %d done, %d failed", batch.CompletedCount, batch.FailedCount)))
	}
	b.WriteString("\n")

	if len(batch.TaskKeys) == 0 {
		b.WriteString(dimmedStyle.Render("  (empty)"))
		return b.String()
	}

	for _, key := range batch.TaskKeys {
		view, ok := m.tasks[key.String()]
		if !ok {
			b.WriteString(dimmedStyle.Render("  ? " + key.String()))
			b.WriteString("\n")
			continue
		}
		b.WriteString(renderTaskRow(view))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderTaskRow(v TaskView) string {
	key := v.Task.Key.String()

	switch v.Task.Status {
	case domain.TaskRunning:
		row := fmt.Sprintf("  ▶ %-40s %s %3d%%", key, progressBar(v.Percentage, 20), v.Percentage)
		row = runningStyle.Render(row)
		detail := string(v.Phase)
		if v.Target != "" {
			detail += " " + v.Target
		}
		return row + "  " + phaseStyle.Render(detail)
	case domain.TaskCompleted:
		return completedStyle.Render("  ✓ " + key)
	case domain.TaskFailed:
		row := failedStyle.Render("  ✗ " + key)
		if v.Task.Error != "" {
			row += "  " + dimmedStyle.Render(truncateError(v.Task.Error, 60))
		}
		return row
	case domain.TaskQueued:
		return queuedStyle.Render("  · " + key)
	default:
		return dimmedStyle.Render("  - " + key + " (" + string(v.Task.Status) + ")")
	}
}

func progressBar(pct, width int) string {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := pct * width / 100
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}

func truncateError(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
