// Package tui renders live pipeline progress: task states, budget warnings,
// and a scrolling log panel fed from the event bus.
package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/johnplanow/substrate-sub007/internal/bus"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	dimStyle     = lipgloss.NewStyle().Faint(true)
)

// Messages delivered from the bus bridge.
type (
	taskStateMsg     bus.TaskStateChanged
	budgetWarningMsg bus.BudgetWarning
	logLineMsg       bus.LogLine
)

// Model is the bubbletea model for the pipeline view.
type Model struct {
	events   <-chan tea.Msg
	ring     *Ring
	tasks    map[string]string
	warnings map[string]float64
	viewport viewport.Model
	ready    bool
	quitting bool
}

// NewModel builds a model reading bridged bus events from the channel.
func NewModel(events <-chan tea.Msg) Model {
	return Model{
		events:   events,
		ring:     NewRing(),
		tasks:    make(map[string]string),
		warnings: make(map[string]float64),
	}
}

func (m Model) listen() tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-m.events
		if !ok {
			return tea.Quit()
		}
		return msg
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return m.listen()
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		headerHeight := len(m.tasks) + 4
		m.viewport = viewport.New(msg.Width, max(3, msg.Height-headerHeight))
		m.ready = true
		m.refreshViewport()
		return m, nil

	case taskStateMsg:
		m.tasks[msg.TaskID] = msg.Status
		line := fmt.Sprintf("task %s -> %s", msg.TaskID, msg.Status)
		if msg.Error != "" {
			line += " (" + msg.Error + ")"
		}
		m.ring.Append(line)
		m.refreshViewport()
		return m, m.listen()

	case budgetWarningMsg:
		m.warnings[msg.TaskID] = msg.PercentageUsed
		m.ring.Append(fmt.Sprintf("budget warning: task %s at %.0f%%",
			msg.TaskID, msg.PercentageUsed))
		m.refreshViewport()
		return m, m.listen()

	case logLineMsg:
		prefix := ""
		if msg.Level != "" && msg.Level != "info" {
			prefix = "[" + msg.Level + "] "
		}
		m.ring.Append(prefix + msg.Message)
		m.refreshViewport()
		return m, m.listen()
	}
	return m, nil
}

func (m *Model) refreshViewport() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(strings.Join(m.ring.Lines(), "\n"))
	m.viewport.GotoBottom()
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("substrate pipeline"))
	b.WriteByte('\n')

	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		status := m.tasks[id]
		style := dimStyle
		switch status {
		case "running":
			style = runningStyle
		case "completed":
			style = okStyle
		case "failed", "blocked":
			style = failStyle
		case "cancelled":
			style = warnStyle
		}
		line := fmt.Sprintf("  %-24s %s", id, style.Render(status))
		if pct, ok := m.warnings[id]; ok {
			line += warnStyle.Render(fmt.Sprintf("  budget %.0f%%", pct))
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	b.WriteString(dimStyle.Render(strings.Repeat("─", 40)))
	b.WriteByte('\n')
	if m.ready {
		b.WriteString(m.viewport.View())
	} else {
		b.WriteString(strings.Join(m.ring.Lines(), "\n"))
	}
	b.WriteByte('\n')
	b.WriteString(dimStyle.Render("q to quit"))
	return b.String()
}
