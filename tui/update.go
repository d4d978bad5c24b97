package tui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			m.refresh()
			return m, nil
		case "j", "down", "tab":
			if m.selectedBatch < len(m.batches)-1 {
				m.selectedBatch++
			}
		case "k", "up":
			if m.selectedBatch > 0 {
				m.selectedBatch--
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		m.refresh()
		return m, tickCmd()
	}

	return m, nil
}
