package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/johnplanow/substrate-sub007/internal/adapter"
	"github.com/johnplanow/substrate-sub007/internal/bus"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubAgent blocks each dispatch until a value arrives on release, so tests
// can hold slots open and observe admission order.
type stubAgent struct {
	id      string
	started chan string
	release chan struct{}
}

func newStubAgent(id string) *stubAgent {
	return &stubAgent{
		id:      id,
		started: make(chan string, 16),
		release: make(chan struct{}, 16),
	}
}

func (s *stubAgent) ID() string { return s.id }

func (s *stubAgent) Dispatch(ctx context.Context, req adapter.Request) adapter.DispatchResult {
	s.started <- req.TaskID
	select {
	case <-ctx.Done():
		return adapter.DispatchResult{ID: req.TaskID, Status: adapter.DispatchCancelled}
	case <-s.release:
		return adapter.DispatchResult{ID: req.TaskID, Status: adapter.DispatchCompleted}
	}
}

func (s *stubAgent) HealthCheck(ctx context.Context) error { return nil }

func (s *stubAgent) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		TaskTypes:     []adapter.TaskType{adapter.TaskCoding},
		MaxConcurrent: 4,
	}
}

func waitStarted(t *testing.T, s *stubAgent) string {
	t.Helper()
	select {
	case id := <-s.started:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("no dispatch started in time")
		return ""
	}
}

func requireNotStarted(t *testing.T, s *stubAgent) {
	t.Helper()
	select {
	case id := <-s.started:
		t.Fatalf("unexpected dispatch started: %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func newTestPool(t *testing.T, agent *stubAgent, limits Limits) *WorkerPool {
	t.Helper()
	reg := adapter.NewRegistry()
	require.NoError(t, reg.Register(agent))
	p := New(reg, limits)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, p.Shutdown(ctx))
	})
	return p
}

func coding(id, agentID string) Task {
	return Task{ID: id, Type: adapter.TaskCoding, Prompt: "p", AgentID: agentID}
}

func TestGlobalLimitBoundsAdmission(t *testing.T) {
	agent := newStubAgent("claude-code")
	p := newTestPool(t, agent, Limits{Global: 1})

	h1, err := p.Dispatch(context.Background(), coding("t1", "claude-code"))
	require.NoError(t, err)
	h2, err := p.Dispatch(context.Background(), coding("t2", "claude-code"))
	require.NoError(t, err)

	require.Equal(t, "t1", waitStarted(t, agent))
	requireNotStarted(t, agent)
	require.Equal(t, HandleQueued, h2.State())

	agent.release <- struct{}{}
	res, err := h1.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, adapter.DispatchCompleted, res.Status)

	require.Equal(t, "t2", waitStarted(t, agent))
	agent.release <- struct{}{}
	_, err = h2.Wait(context.Background())
	require.NoError(t, err)
}

func TestPerAgentLimitBoundsAdmission(t *testing.T) {
	agent := newStubAgent("claude-code")
	p := newTestPool(t, agent, Limits{
		Global:   4,
		PerAgent: map[string]int{"claude-code": 1},
	})

	h1, err := p.Dispatch(context.Background(), coding("t1", "claude-code"))
	require.NoError(t, err)
	_, err = p.Dispatch(context.Background(), coding("t2", "claude-code"))
	require.NoError(t, err)

	waitStarted(t, agent)
	requireNotStarted(t, agent)

	agent.release <- struct{}{}
	_, err = h1.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "t2", waitStarted(t, agent))
	agent.release <- struct{}{}
}

func TestHighPriorityAdmitsFirst(t *testing.T) {
	agent := newStubAgent("claude-code")
	p := newTestPool(t, agent, Limits{Global: 1})

	h1, err := p.Dispatch(context.Background(), coding("t1", "claude-code"))
	require.NoError(t, err)
	waitStarted(t, agent)

	_, err = p.Dispatch(context.Background(), coding("normal", "claude-code"))
	require.NoError(t, err)
	high := coding("urgent", "claude-code")
	high.Priority = PriorityHigh
	_, err = p.Dispatch(context.Background(), high)
	require.NoError(t, err)

	agent.release <- struct{}{}
	_, err = h1.Wait(context.Background())
	require.NoError(t, err)

	require.Equal(t, "urgent", waitStarted(t, agent))
	agent.release <- struct{}{}
	require.Equal(t, "normal", waitStarted(t, agent))
	agent.release <- struct{}{}
}

func TestCancelQueuedNeverRuns(t *testing.T) {
	agent := newStubAgent("claude-code")
	p := newTestPool(t, agent, Limits{Global: 1})

	h1, err := p.Dispatch(context.Background(), coding("t1", "claude-code"))
	require.NoError(t, err)
	h2, err := p.Dispatch(context.Background(), coding("t2", "claude-code"))
	require.NoError(t, err)
	waitStarted(t, agent)

	h2.Cancel()
	agent.release <- struct{}{}
	_, err = h1.Wait(context.Background())
	require.NoError(t, err)

	res, err := h2.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, adapter.DispatchCancelled, res.Status)
	require.Equal(t, HandleCancelled, h2.State())
	requireNotStarted(t, agent)
}

func TestCancelRunningPropagatesContext(t *testing.T) {
	agent := newStubAgent("claude-code")
	p := newTestPool(t, agent, Limits{Global: 1})

	h, err := p.Dispatch(context.Background(), coding("t1", "claude-code"))
	require.NoError(t, err)
	waitStarted(t, agent)

	h.Cancel()
	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, adapter.DispatchCancelled, res.Status)
	require.Equal(t, HandleCancelled, h.State())
}

func TestCancelIsIdempotent(t *testing.T) {
	agent := newStubAgent("claude-code")
	p := newTestPool(t, agent, Limits{Global: 1})

	h, err := p.Dispatch(context.Background(), coding("t1", "claude-code"))
	require.NoError(t, err)
	waitStarted(t, agent)

	h.Cancel()
	h.Cancel()
	p.Cancel("t1")
	p.Cancel("no-such-task")

	_, err = h.Wait(context.Background())
	require.NoError(t, err)
}

func TestDispatchUnknownAgentFails(t *testing.T) {
	agent := newStubAgent("claude-code")
	p := newTestPool(t, agent, Limits{Global: 1})

	_, err := p.Dispatch(context.Background(), coding("t1", "mystery-agent"))
	require.ErrorIs(t, err, ErrUnknownAgent)
}

func TestDispatchNormalizesAgentAlias(t *testing.T) {
	agent := newStubAgent("claude-code")
	p := newTestPool(t, agent, Limits{Global: 1})

	h, err := p.Dispatch(context.Background(), coding("t1", "claude-cli"))
	require.NoError(t, err)
	require.Equal(t, "claude-code", h.AgentID)
	waitStarted(t, agent)
	agent.release <- struct{}{}
	_, err = h.Wait(context.Background())
	require.NoError(t, err)
}

func TestActiveWorkersSnapshot(t *testing.T) {
	agent := newStubAgent("claude-code")
	p := newTestPool(t, agent, Limits{Global: 1})

	_, err := p.Dispatch(context.Background(), coding("t1", "claude-code"))
	require.NoError(t, err)
	_, err = p.Dispatch(context.Background(), coding("t2", "claude-code"))
	require.NoError(t, err)
	waitStarted(t, agent)

	states := map[string]HandleState{}
	for _, w := range p.ActiveWorkers() {
		states[w.TaskID] = w.State
	}
	require.Equal(t, HandleRunning, states["t1"])
	require.Equal(t, HandleQueued, states["t2"])

	agent.release <- struct{}{}
	agent.release <- struct{}{}
	waitStarted(t, agent)
}

func TestBudgetEventsTerminateTasks(t *testing.T) {
	agent := newStubAgent("claude-code")
	p := newTestPool(t, agent, Limits{Global: 2})

	b := bus.New()
	sub := NewSubscriber(p)
	require.NoError(t, sub.Initialize(b))
	defer func() { require.NoError(t, sub.Shutdown()) }()

	h1, err := p.Dispatch(context.Background(), coding("t1", "claude-code"))
	require.NoError(t, err)
	h2, err := p.Dispatch(context.Background(), coding("t2", "claude-code"))
	require.NoError(t, err)
	waitStarted(t, agent)
	waitStarted(t, agent)

	b.Publish(bus.TopicTaskBudgetExceeded, bus.TaskBudgetExceeded{
		TaskID: "t1", LimitUSD: 1.0, CurrentUSD: 1.01,
	})
	res, err := h1.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, adapter.DispatchCancelled, res.Status)
	require.Equal(t, HandleRunning, h2.State())

	b.Publish(bus.TopicSessionBudgetExceeded, bus.SessionBudgetExceeded{
		SessionID: "s1", LimitUSD: 10.0, CurrentUSD: 10.5,
	})
	res, err = h2.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, adapter.DispatchCancelled, res.Status)
}

func TestShutdownCancelsQueuedAndRejectsNew(t *testing.T) {
	agent := newStubAgent("claude-code")
	reg := adapter.NewRegistry()
	require.NoError(t, reg.Register(agent))
	p := New(reg, Limits{Global: 1})

	h1, err := p.Dispatch(context.Background(), coding("t1", "claude-code"))
	require.NoError(t, err)
	h2, err := p.Dispatch(context.Background(), coding("t2", "claude-code"))
	require.NoError(t, err)
	waitStarted(t, agent)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	require.Equal(t, HandleCancelled, h1.State())
	require.Equal(t, HandleCancelled, h2.State())

	_, err = p.Dispatch(context.Background(), coding("t3", "claude-code"))
	require.ErrorIs(t, err, ErrPoolClosed)
}
