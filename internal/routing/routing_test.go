package routing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/johnplanow/substrate-sub007/internal/adapter"
	"github.com/johnplanow/substrate-sub007/internal/config"
)

type fakeAgent struct {
	id      string
	healthy bool
	types   []adapter.TaskType
}

func (f *fakeAgent) ID() string { return f.id }

func (f *fakeAgent) Dispatch(ctx context.Context, req adapter.Request) adapter.DispatchResult {
	return adapter.DispatchResult{ID: req.TaskID, Status: adapter.DispatchCompleted}
}

func (f *fakeAgent) HealthCheck(ctx context.Context) error {
	if !f.healthy {
		return errors.New("unreachable")
	}
	return nil
}

func (f *fakeAgent) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{TaskTypes: f.types, MaxConcurrent: 4}
}

type fakeMonitor struct {
	advice MonitorAdvice
	err    error
	calls  int
}

func (m *fakeMonitor) Recommend(ctx context.Context, taskType adapter.TaskType) (MonitorAdvice, error) {
	m.calls++
	return m.advice, m.err
}

func allTypes() []adapter.TaskType {
	return []adapter.TaskType{
		adapter.TaskCoding, adapter.TaskTesting, adapter.TaskDocs,
		adapter.TaskDebugging, adapter.TaskRefactoring,
	}
}

func newTestEngine(t *testing.T, cfg *config.Config, opts ...Option) (*Engine, *adapter.Registry) {
	t.Helper()
	reg := adapter.NewRegistry()
	require.NoError(t, reg.Register(&fakeAgent{id: "claude-code", healthy: true, types: allTypes()}))
	require.NoError(t, reg.Register(&fakeAgent{id: "codex", healthy: true, types: allTypes()}))
	require.NoError(t, reg.Register(&fakeAgent{id: "gemini", healthy: true, types: allTypes()}))
	return NewEngine(reg, cfg, opts...), reg
}

func TestExplicitAgentWins(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RoutingPolicy.Rules = []config.RoutingRule{
		{TaskType: "coding", PreferredProvider: "codex"},
	}
	e, _ := newTestEngine(t, cfg)

	d := e.Route(context.Background(), Request{
		TaskID: "t1", TaskType: adapter.TaskCoding, ExplicitAgent: "gemini",
	})
	require.Equal(t, "gemini", d.Agent)
	require.NotEqual(t, BillingUnavailable, d.BillingMode)
}

func TestExplicitAliasNormalized(t *testing.T) {
	e, _ := newTestEngine(t, config.DefaultConfig())
	d := e.Route(context.Background(), Request{
		TaskID: "t1", TaskType: adapter.TaskCoding, ExplicitAgent: "claude-cli",
	})
	require.Equal(t, "claude-code", d.Agent)
}

func TestExplicitUnavailableAgent(t *testing.T) {
	cfg := config.DefaultConfig()
	p := cfg.Providers["gemini"]
	p.Enabled = false
	cfg.Providers["gemini"] = p
	e, _ := newTestEngine(t, cfg)

	d := e.Route(context.Background(), Request{
		TaskID: "t1", TaskType: adapter.TaskCoding, ExplicitAgent: "gemini",
	})
	require.Equal(t, BillingUnavailable, d.BillingMode)
	require.Empty(t, d.Agent)
}

func TestPolicyPreferredThenFallback(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RoutingPolicy.Rules = []config.RoutingRule{
		{TaskType: "testing", PreferredProvider: "codex", FallbackProviders: []string{"gemini"}},
	}
	e, _ := newTestEngine(t, cfg)

	d := e.Route(context.Background(), Request{TaskID: "t1", TaskType: adapter.TaskTesting})
	require.Equal(t, "codex", d.Agent)

	p := cfg.Providers["codex"]
	p.Enabled = false
	cfg.Providers["codex"] = p
	e, _ = newTestEngine(t, cfg)

	d = e.Route(context.Background(), Request{TaskID: "t2", TaskType: adapter.TaskTesting})
	require.Equal(t, "gemini", d.Agent)
	require.Contains(t, d.Rationale, "fallback")
}

func TestPolicyDefaultProvider(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RoutingPolicy.DefaultProvider = "codex"
	e, _ := newTestEngine(t, cfg)

	d := e.Route(context.Background(), Request{TaskID: "t1", TaskType: adapter.TaskDocs})
	require.Equal(t, "codex", d.Agent)
}

func TestAlphabeticalHealthyFallback(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RoutingPolicy.DefaultProvider = ""
	reg := adapter.NewRegistry()
	require.NoError(t, reg.Register(&fakeAgent{id: "gemini", healthy: true, types: allTypes()}))
	require.NoError(t, reg.Register(&fakeAgent{id: "codex", healthy: true, types: allTypes()}))
	e := NewEngine(reg, cfg)

	d := e.Route(context.Background(), Request{TaskID: "t1", TaskType: adapter.TaskCoding})
	require.Equal(t, "codex", d.Agent)
}

func TestNoAgentAvailable(t *testing.T) {
	cfg := config.DefaultConfig()
	reg := adapter.NewRegistry()
	require.NoError(t, reg.Register(&fakeAgent{id: "codex", healthy: false, types: allTypes()}))
	e := NewEngine(reg, cfg)

	d := e.Route(context.Background(), Request{TaskID: "t1", TaskType: adapter.TaskCoding})
	require.Equal(t, BillingUnavailable, d.BillingMode)
	require.Contains(t, d.Rationale, "no available agent")
}

func TestUnhealthyAgentSkipped(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RoutingPolicy.Rules = []config.RoutingRule{
		{TaskType: "coding", PreferredProvider: "codex", FallbackProviders: []string{"gemini"}},
	}
	reg := adapter.NewRegistry()
	require.NoError(t, reg.Register(&fakeAgent{id: "codex", healthy: false, types: allTypes()}))
	require.NoError(t, reg.Register(&fakeAgent{id: "gemini", healthy: true, types: allTypes()}))
	e := NewEngine(reg, cfg)

	d := e.Route(context.Background(), Request{TaskID: "t1", TaskType: adapter.TaskCoding})
	require.Equal(t, "gemini", d.Agent)
}

func TestMonitorRecommendationAttached(t *testing.T) {
	cfg := config.DefaultConfig()
	mon := &fakeMonitor{advice: MonitorAdvice{
		Agent: "codex", Confidence: ConfidenceHigh, Reason: "claude quota exhausted",
	}}
	e, _ := newTestEngine(t, cfg, WithMonitor(mon))

	d := e.Route(context.Background(), Request{TaskID: "t1", TaskType: adapter.TaskCoding})
	require.True(t, d.MonitorInfluenced)
	require.Contains(t, d.MonitorRecommendation, "codex")
	require.Contains(t, d.MonitorRecommendation, "claude quota exhausted")
}

func TestLowConfidenceAdviceIgnored(t *testing.T) {
	cfg := config.DefaultConfig()
	mon := &fakeMonitor{advice: MonitorAdvice{
		Agent: "codex", Confidence: ConfidenceLow, Reason: "sparse data",
	}}
	e, _ := newTestEngine(t, cfg, WithMonitor(mon))

	d := e.Route(context.Background(), Request{TaskID: "t1", TaskType: adapter.TaskCoding})
	require.False(t, d.MonitorInfluenced)
	require.Empty(t, d.MonitorRecommendation)
}

func TestPolicyBeatsMonitorRecommendation(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RoutingPolicy.Rules = []config.RoutingRule{
		{TaskType: "coding", PreferredProvider: "gemini"},
	}
	mon := &fakeMonitor{advice: MonitorAdvice{
		Agent: "codex", Confidence: ConfidenceHigh, Reason: "quota state",
	}}
	e, _ := newTestEngine(t, cfg, WithMonitor(mon))

	d := e.Route(context.Background(), Request{TaskID: "t1", TaskType: adapter.TaskCoding})
	// The recommendation is attached but never changes selection.
	require.Equal(t, "gemini", d.Agent)
	require.True(t, d.MonitorInfluenced)
	require.Contains(t, d.MonitorRecommendation, "codex")
}

func TestMonitorErrorIsSoft(t *testing.T) {
	cfg := config.DefaultConfig()
	mon := &fakeMonitor{err: errors.New("monitor down")}
	e, _ := newTestEngine(t, cfg, WithMonitor(mon))

	d := e.Route(context.Background(), Request{TaskID: "t1", TaskType: adapter.TaskCoding})
	require.NotEqual(t, BillingUnavailable, d.BillingMode)
	require.Equal(t, 1, mon.calls)
	require.Empty(t, d.MonitorRecommendation)
}

func TestAPIModeFixed(t *testing.T) {
	cfg := config.DefaultConfig()
	p := cfg.Providers["codex"]
	p.SubscriptionRouting = "api"
	cfg.Providers["codex"] = p
	e, _ := newTestEngine(t, cfg)

	d := e.Route(context.Background(), Request{
		TaskID: "t1", TaskType: adapter.TaskCoding, ExplicitAgent: "codex",
	})
	require.Equal(t, BillingAPI, d.BillingMode)
}
