package budget

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/johnplanow/substrate-sub007/internal/bus"
	"github.com/johnplanow/substrate-sub007/internal/config"
)

func testConfig() config.BudgetConfig {
	return config.BudgetConfig{
		DefaultTaskBudgetUSD:            1.0,
		DefaultSessionBudgetUSD:         10.0,
		PlanningCostsCountAgainstBudget: true,
		WarningThresholdPercent:         80,
	}
}

type eventSink struct {
	taskExceeded    []bus.TaskBudgetExceeded
	sessionExceeded []bus.SessionBudgetExceeded
	warnings        []bus.BudgetWarning
}

func attachSink(t *testing.T, b *bus.Bus) *eventSink {
	t.Helper()
	s := &eventSink{}
	b.Subscribe(bus.TopicTaskBudgetExceeded, func(ev bus.Event) {
		s.taskExceeded = append(s.taskExceeded, ev.Payload.(bus.TaskBudgetExceeded))
	})
	b.Subscribe(bus.TopicSessionBudgetExceeded, func(ev bus.Event) {
		s.sessionExceeded = append(s.sessionExceeded, ev.Payload.(bus.SessionBudgetExceeded))
	})
	b.Subscribe(bus.TopicBudgetWarning, func(ev bus.Event) {
		s.warnings = append(s.warnings, ev.Payload.(bus.BudgetWarning))
	})
	return s
}

func newWiredEnforcer(t *testing.T, cfg config.BudgetConfig) (*Enforcer, *bus.Bus, *eventSink) {
	t.Helper()
	b := bus.New()
	sink := attachSink(t, b)
	e := NewEnforcer(cfg)
	require.NoError(t, e.Initialize(b))
	t.Cleanup(func() { require.NoError(t, e.Shutdown()) })
	return e, b, sink
}

func recordCost(b *bus.Bus, taskID, sessionID string, usd float64) {
	b.Publish(bus.TopicCostRecorded, bus.CostRecorded{
		TaskID: taskID, SessionID: sessionID, Phase: "implementation",
		Agent: "claude-code", CostUSD: usd,
	})
}

func TestTaskOverBudgetPublishesExceededOnce(t *testing.T) {
	_, b, sink := newWiredEnforcer(t, testConfig())

	b.Publish(bus.TopicTaskRouted, bus.TaskRouted{TaskID: "t1", SessionID: "s1", Agent: "claude-code"})
	recordCost(b, "t1", "s1", 1.01)

	require.Len(t, sink.taskExceeded, 1)
	require.Equal(t, "t1", sink.taskExceeded[0].TaskID)
	require.InDelta(t, 1.01, sink.taskExceeded[0].CurrentUSD, 1e-9)
	require.InDelta(t, 1.0, sink.taskExceeded[0].LimitUSD, 1e-9)

	// Further costs for the same task do not repeat the event.
	recordCost(b, "t1", "s1", 0.10)
	require.Len(t, sink.taskExceeded, 1)
}

func TestExplicitTaskBudgetOverridesDefault(t *testing.T) {
	_, b, sink := newWiredEnforcer(t, testConfig())

	budget := 0.05
	b.Publish(bus.TopicTaskRouted, bus.TaskRouted{
		TaskID: "t1", SessionID: "s1", Agent: "codex", BudgetUSD: &budget,
	})
	recordCost(b, "t1", "s1", 0.06)

	require.Len(t, sink.taskExceeded, 1)
	require.InDelta(t, 0.05, sink.taskExceeded[0].LimitUSD, 1e-9)
}

func TestWarningThresholdFiresOnce(t *testing.T) {
	_, b, sink := newWiredEnforcer(t, testConfig())

	b.Publish(bus.TopicTaskRouted, bus.TaskRouted{TaskID: "t1", SessionID: "s1", Agent: "gemini"})
	recordCost(b, "t1", "s1", 0.85)
	recordCost(b, "t1", "s1", 0.05)

	require.Len(t, sink.warnings, 1)
	require.Equal(t, "t1", sink.warnings[0].TaskID)
	require.GreaterOrEqual(t, sink.warnings[0].PercentageUsed, 80.0)
	require.Empty(t, sink.taskExceeded)
}

func TestSessionBudgetAggregatesAcrossTasks(t *testing.T) {
	e, b, sink := newWiredEnforcer(t, testConfig())
	e.SetSessionBudget("s1", 1.5)

	recordCost(b, "t1", "s1", 0.9)
	require.Empty(t, sink.sessionExceeded)
	recordCost(b, "t2", "s1", 0.7)

	require.Len(t, sink.sessionExceeded, 1)
	require.Equal(t, "s1", sink.sessionExceeded[0].SessionID)
	require.InDelta(t, 1.6, sink.sessionExceeded[0].CurrentUSD, 1e-9)

	recordCost(b, "t3", "s1", 0.1)
	require.Len(t, sink.sessionExceeded, 1)
}

func TestPlanningCostsSkippedWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.PlanningCostsCountAgainstBudget = false
	e, b, sink := newWiredEnforcer(t, cfg)

	b.Publish(bus.TopicCostRecorded, bus.CostRecorded{
		TaskID: "t1", SessionID: "s1", Phase: "planning", Agent: "claude-code", CostUSD: 5.0,
	})
	require.Zero(t, e.TaskCost("t1"))
	require.Zero(t, e.SessionCost("s1"))
	require.Empty(t, sink.taskExceeded)

	recordCost(b, "t1", "s1", 0.2)
	require.InDelta(t, 0.2, e.TaskCost("t1"), 1e-9)
}

func TestCheckTaskWithoutRoutingUsesDefault(t *testing.T) {
	e, b, _ := newWiredEnforcer(t, testConfig())
	recordCost(b, "t1", "", 0.5)

	res := e.CheckTask("t1")
	require.False(t, res.Exceeded)
	require.Equal(t, ActionContinue, res.Action)
	require.InDelta(t, 50.0, res.PercentageUsed, 1e-9)
	require.InDelta(t, 1.0, res.BudgetUSD, 1e-9)
}

func TestZeroBudgetMeansUnlimited(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultTaskBudgetUSD = 0
	e, b, sink := newWiredEnforcer(t, cfg)

	recordCost(b, "t1", "", 100)
	res := e.CheckTask("t1")
	require.False(t, res.Exceeded)
	require.Empty(t, sink.taskExceeded)
}

func TestExactBudgetIsNotExceeded(t *testing.T) {
	e, b, sink := newWiredEnforcer(t, testConfig())
	recordCost(b, "t1", "", 1.0)

	res := e.CheckTask("t1")
	require.False(t, res.Exceeded)
	require.Empty(t, sink.taskExceeded)
	// Crossing the cap by any amount trips it.
	recordCost(b, "t1", "", 0.001)
	require.Len(t, sink.taskExceeded, 1)
}

func TestCheckSessionAction(t *testing.T) {
	e, b, _ := newWiredEnforcer(t, testConfig())
	e.SetSessionBudget("s1", 0.5)
	recordCost(b, "t1", "s1", 0.6)

	res := e.CheckSession("s1")
	require.True(t, res.Exceeded)
	require.Equal(t, ActionTerminateAll, res.Action)
}
