package tui

import (
	"fmt"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"github.com/johnplanow/substrate-sub007/internal/bus"
)

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing()
	for i := 0; i < ringCapacity+25; i++ {
		r.Append(fmt.Sprintf("line-%d", i))
	}
	lines := r.Lines()
	require.Len(t, lines, ringCapacity)
	require.Equal(t, "line-25", lines[0])
	require.Equal(t, fmt.Sprintf("line-%d", ringCapacity+24), lines[len(lines)-1])
}

func TestRingUnderCapacity(t *testing.T) {
	r := NewRing()
	r.Append("a")
	r.Append("b")
	require.Equal(t, []string{"a", "b"}, r.Lines())
	require.Equal(t, 2, r.Len())
}

func TestModelTracksTaskStates(t *testing.T) {
	events := make(chan tea.Msg, 8)
	m := NewModel(events)

	next, _ := m.Update(taskStateMsg{TaskID: "build", Status: "running"})
	m = next.(Model)
	next, _ = m.Update(taskStateMsg{TaskID: "build", Status: "failed", Error: "boom"})
	m = next.(Model)
	next, _ = m.Update(budgetWarningMsg{TaskID: "deploy", PercentageUsed: 85})
	m = next.(Model)
	next, _ = m.Update(logLineMsg{Level: "warn", Message: "retrying dispatch"})
	m = next.(Model)

	require.Equal(t, "failed", m.tasks["build"])
	require.InDelta(t, 85, m.warnings["deploy"], 1e-9)

	lines := m.ring.Lines()
	require.Contains(t, strings.Join(lines, "\n"), "task build -> failed (boom)")
	require.Contains(t, strings.Join(lines, "\n"), "[warn] retrying dispatch")

	view := m.View()
	require.Contains(t, view, "build")
	require.Contains(t, view, "failed")
}

func TestModelQuitsOnKey(t *testing.T) {
	m := NewModel(make(chan tea.Msg))
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	require.NotNil(t, cmd)
	require.Empty(t, next.(Model).View())
}

func TestBridgeForwardsAndDrops(t *testing.T) {
	b := bus.New()
	br := NewBridge()
	require.NoError(t, br.Initialize(b))

	b.Publish(bus.TopicTaskStateChanged, bus.TaskStateChanged{TaskID: "t1", Status: "running"})
	b.Publish(bus.TopicLogLine, bus.LogLine{Level: "info", Message: "hello"})
	// An unrelated topic is not forwarded.
	b.Publish(bus.TopicCostRecorded, bus.CostRecorded{TaskID: "t1", CostUSD: 0.1})

	require.Equal(t, taskStateMsg{TaskID: "t1", Status: "running"}, <-br.Events())
	require.Equal(t, logLineMsg{Level: "info", Message: "hello"}, <-br.Events())
	select {
	case msg := <-br.Events():
		t.Fatalf("unexpected message %#v", msg)
	default:
	}

	require.NoError(t, br.Shutdown())
	_, open := <-br.Events()
	require.False(t, open)
}
