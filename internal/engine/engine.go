// Package engine runs a validated task graph end to end: it routes ready
// tasks, dispatches them through the worker pool, records costs, and drives
// the scheduler until every task reaches a terminal state or the session is
// paused.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/johnplanow/substrate-sub007/internal/adapter"
	"github.com/johnplanow/substrate-sub007/internal/budget"
	"github.com/johnplanow/substrate-sub007/internal/bus"
	"github.com/johnplanow/substrate-sub007/internal/graph"
	"github.com/johnplanow/substrate-sub007/internal/logging"
	"github.com/johnplanow/substrate-sub007/internal/pool"
	"github.com/johnplanow/substrate-sub007/internal/routing"
	"github.com/johnplanow/substrate-sub007/internal/store"
)

// CostModel prices one dispatch from its token estimate.
type CostModel func(agent string, inputTokens, outputTokens int) float64

// defaultCostModel uses rough blended per-million-token prices per agent.
func defaultCostModel(agent string, in, out int) float64 {
	inPrice, outPrice := 3.0, 15.0
	switch agent {
	case adapter.AgentCodex:
		inPrice, outPrice = 2.5, 10.0
	case adapter.AgentGemini:
		inPrice, outPrice = 1.25, 5.0
	}
	return float64(in)/1e6*inPrice + float64(out)/1e6*outPrice
}

// Engine executes task graphs.
type Engine struct {
	store    *store.Store
	registry *adapter.Registry
	router   *routing.Engine
	pool     *pool.WorkerPool
	bus      *bus.Bus
	enforcer *budget.Enforcer
	cost     CostModel

	mu     sync.Mutex
	paused map[string]bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithCostModel overrides the dispatch pricing.
func WithCostModel(m CostModel) Option {
	return func(e *Engine) { e.cost = m }
}

// WithEnforcer lets the engine seed session budgets into the enforcer.
func WithEnforcer(enf *budget.Enforcer) Option {
	return func(e *Engine) { e.enforcer = enf }
}

// New builds an engine over the shared components.
func New(st *store.Store, reg *adapter.Registry, router *routing.Engine,
	p *pool.WorkerPool, b *bus.Bus, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		registry: reg,
		router:   router,
		pool:     p,
		bus:      b,
		cost:     defaultCostModel,
		paused:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Report is the outcome of one graph execution.
type Report struct {
	RunID        string
	Success      bool
	Paused       bool
	Counts       map[graph.TaskStatus]int
	TotalCostUSD float64
	Errors       map[string]string
}

type taskDone struct {
	id     string
	agent  string
	result *adapter.DispatchResult
	err    error
}

// Run validates and executes a task graph. Validation errors fail before
// anything is persisted.
func (e *Engine) Run(ctx context.Context, g *graph.TaskGraph) (*Report, error) {
	res := graph.Validate(g, e.registry)
	if !res.Valid {
		return nil, fmt.Errorf("task graph is invalid: %s", res.Errors[0].Message)
	}

	run, err := e.store.CreatePipelineRun(g.Session.Name, "{}", "")
	if err != nil {
		return nil, fmt.Errorf("creating pipeline run: %w", err)
	}
	sessionID := run.ID
	log := logging.Get(logging.CategoryEngine)
	log.Info("Run %s started: %s", sessionID, graph.BuildAdjacencyList(g).Summary(len(g.Tasks)))

	if e.enforcer != nil && g.Session.BudgetUSD != nil {
		e.enforcer.SetSessionBudget(sessionID, *g.Session.BudgetUSD)
	}

	unsub := e.bus.Subscribe(bus.TopicSessionBudgetExceeded, func(ev bus.Event) {
		if p, ok := ev.Payload.(bus.SessionBudgetExceeded); ok && p.SessionID == sessionID {
			e.mu.Lock()
			e.paused[sessionID] = true
			e.mu.Unlock()
		}
	})
	defer unsub()

	sched := graph.NewScheduler(g)
	done := make(chan taskDone, len(g.Tasks))
	inflight := 0
	totalCost := 0.0

	launch := func() {
		if e.isPaused(sessionID) {
			return
		}
		for _, id := range sched.Ready() {
			if e.launchTask(ctx, sessionID, g, sched, id, done) {
				inflight++
			}
		}
	}

	launch()
	for inflight > 0 {
		select {
		case <-ctx.Done():
			e.pool.CancelAll()
			// Keep draining so worker goroutines can finish.
			d := <-done
			inflight--
			e.applyResult(sessionID, sched, d, &totalCost)
		case d := <-done:
			inflight--
			e.applyResult(sessionID, sched, d, &totalCost)
			launch()
		}
	}

	// Tasks never launched under a pause resolve as cancelled.
	if e.isPaused(sessionID) {
		for _, id := range g.Order {
			if st, _ := sched.Status(id); st == graph.TaskPending {
				_ = sched.MarkCancelled(id)
				e.setTaskState(sessionID, id, "", string(graph.TaskCancelled), "session paused")
			}
		}
	}

	// Tasks that never reached an agent (blocked by a failed dependency, or
	// cancelled by a cascade) still get a persisted row.
	for _, id := range g.Order {
		st, _ := sched.Status(id)
		if st != graph.TaskBlocked && st != graph.TaskCancelled {
			continue
		}
		if _, err := e.store.GetTaskResult(sessionID, id); err == nil {
			continue
		}
		e.persistTask(sessionID, id, "", string(st), sched.Err(id))
	}

	report := &Report{
		RunID:        sessionID,
		Paused:       e.isPaused(sessionID),
		Counts:       sched.Counts(),
		TotalCostUSD: totalCost,
		Errors:       map[string]string{},
	}
	for _, id := range g.Order {
		if msg := sched.Err(id); msg != "" {
			report.Errors[id] = msg
		}
	}
	report.Success = !report.Paused &&
		report.Counts[graph.TaskCompleted] == len(g.Tasks)

	status := store.RunFailed
	switch {
	case report.Paused:
		status = store.RunPaused
	case report.Success:
		status = store.RunCompleted
	}
	if err := e.store.UpdateRunStatus(sessionID, status); err != nil {
		log.Warn("Failed to persist run status: %v", err)
	}
	log.Info("Run %s finished: status=%s cost=$%.4f", sessionID, status, totalCost)
	return report, ctx.Err()
}

func (e *Engine) isPaused(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused[sessionID]
}

// launchTask routes and dispatches one ready task. It reports whether a
// worker is now in flight.
func (e *Engine) launchTask(ctx context.Context, sessionID string, g *graph.TaskGraph,
	sched *graph.Scheduler, id string, done chan<- taskDone) bool {

	node := g.Tasks[id]
	decision := e.router.Route(ctx, routing.Request{
		TaskID:        id,
		TaskType:      node.Type,
		ExplicitAgent: node.Agent,
	})
	if decision.BillingMode == routing.BillingUnavailable {
		_ = sched.MarkFailed(id, "no agent available: "+decision.Rationale)
		e.setTaskState(sessionID, id, "", string(graph.TaskFailed), decision.Rationale)
		return false
	}

	e.bus.Publish(bus.TopicTaskRouted, bus.TaskRouted{
		TaskID:    id,
		SessionID: sessionID,
		Agent:     decision.Agent,
		BudgetUSD: node.BudgetUSD,
	})

	handle, err := e.pool.Dispatch(ctx, pool.Task{
		ID:      id,
		Type:    node.Type,
		Prompt:  node.Prompt,
		AgentID: decision.Agent,
	})
	if err != nil {
		_ = sched.MarkFailed(id, err.Error())
		e.setTaskState(sessionID, id, decision.Agent, string(graph.TaskFailed), err.Error())
		return false
	}

	_ = sched.MarkRunning(id)
	e.setTaskState(sessionID, id, decision.Agent, string(graph.TaskRunning), "")

	go func() {
		res, werr := handle.Wait(context.Background())
		done <- taskDone{id: id, agent: decision.Agent, result: res, err: werr}
	}()
	return true
}

// applyResult folds one finished dispatch back into the scheduler and the
// store, and publishes its cost.
func (e *Engine) applyResult(sessionID string, sched *graph.Scheduler, d taskDone, totalCost *float64) {
	if d.result != nil && (d.result.TokenEstimate.Input > 0 || d.result.TokenEstimate.Output > 0) {
		in, out := d.result.TokenEstimate.Input, d.result.TokenEstimate.Output
		cost := e.cost(d.agent, in, out)
		*totalCost += cost
		if err := e.store.RecordTokenUsage(store.TokenUsage{
			PipelineRunID: sessionID,
			Phase:         "execution",
			Agent:         d.agent,
			InputTokens:   in,
			OutputTokens:  out,
			CostUSD:       cost,
		}); err != nil {
			logging.Get(logging.CategoryEngine).Warn("Failed to record tokens for %s: %v", d.id, err)
		}
		e.bus.Publish(bus.TopicCostRecorded, bus.CostRecorded{
			TaskID:       d.id,
			SessionID:    sessionID,
			Phase:        "execution",
			Agent:        d.agent,
			CostUSD:      cost,
			InputTokens:  in,
			OutputTokens: out,
		})
	}

	// A task whose own budget is now exceeded fails regardless of how the
	// dispatch itself ended.
	if d.err == nil && d.result != nil && e.taskBudgetExceeded(d.id) {
		_ = sched.MarkFailed(d.id, "budget_exceeded")
		e.setTaskState(sessionID, d.id, d.agent, string(graph.TaskFailed), "budget_exceeded")
		return
	}

	switch {
	case d.err != nil:
		_ = sched.MarkFailed(d.id, d.err.Error())
		e.setTaskState(sessionID, d.id, d.agent, string(graph.TaskFailed), d.err.Error())
	case d.result == nil:
		_ = sched.MarkFailed(d.id, "no dispatch result")
		e.setTaskState(sessionID, d.id, d.agent, string(graph.TaskFailed), "no dispatch result")
	case d.result.Status == adapter.DispatchCompleted:
		_ = sched.MarkCompleted(d.id)
		e.setTaskState(sessionID, d.id, d.agent, string(graph.TaskCompleted), "")
	case d.result.Status == adapter.DispatchCancelled:
		_ = sched.MarkCancelled(d.id)
		reason := "cancelled"
		if e.isPaused(sessionID) {
			reason = "session paused"
		}
		e.setTaskState(sessionID, d.id, d.agent, string(graph.TaskCancelled), reason)
	case d.result.Status == adapter.DispatchTimeout:
		_ = sched.MarkFailed(d.id, "dispatch timed out")
		e.setTaskState(sessionID, d.id, d.agent, string(graph.TaskFailed), "dispatch timed out")
	default:
		_ = sched.MarkFailed(d.id, "dispatch failed")
		e.setTaskState(sessionID, d.id, d.agent, string(graph.TaskFailed), "dispatch failed")
	}
}

// taskBudgetExceeded asks the enforcer whether this task was killed for
// cost.
func (e *Engine) taskBudgetExceeded(taskID string) bool {
	if e.enforcer == nil {
		return false
	}
	return e.enforcer.CheckTask(taskID).Exceeded
}

// setTaskState publishes a task state change and upserts the task's row in
// the store so the run's outcome survives the process.
func (e *Engine) setTaskState(sessionID, id, agent, status, errMsg string) {
	e.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChanged{
		TaskID: id,
		Status: status,
		Error:  errMsg,
	})
	e.persistTask(sessionID, id, agent, status, errMsg)
}

func (e *Engine) persistTask(sessionID, id, agent, status, errMsg string) {
	if err := e.store.RecordTaskResult(store.TaskResult{
		PipelineRunID: sessionID,
		TaskID:        id,
		Agent:         agent,
		Status:        status,
		Error:         errMsg,
	}); err != nil {
		logging.Get(logging.CategoryEngine).Warn("Failed to persist task state for %s: %v", id, err)
	}
}
