// Package budget enforces per-task and per-session cost limits. The
// enforcer never touches the pool directly: it watches cost events on the
// bus and publishes exceeded events that the pool acts on. Keeping the two
// decoupled means a budget bug can never deadlock a dispatch.
package budget

import (
	"strings"
	"sync"

	"github.com/johnplanow/substrate-sub007/internal/bus"
	"github.com/johnplanow/substrate-sub007/internal/config"
	"github.com/johnplanow/substrate-sub007/internal/logging"
)

// Action is what the enforcer wants done after a budget check.
type Action string

const (
	ActionContinue     Action = "continue"
	ActionTerminate    Action = "terminate"
	ActionTerminateAll Action = "terminate-all"
)

// CheckResult is the outcome of one budget check.
type CheckResult struct {
	Exceeded       bool
	Action         Action
	CurrentCostUSD float64
	BudgetUSD      float64
	PercentageUsed float64
}

// Enforcer accumulates recorded costs and raises budget events. All methods
// are safe for concurrent use.
type Enforcer struct {
	mu  sync.Mutex
	cfg config.BudgetConfig
	bus *bus.Bus

	taskBudgets    map[string]float64
	taskCosts      map[string]float64
	taskSession    map[string]string
	sessionBudgets map[string]float64
	sessionCosts   map[string]float64

	taskWarned      map[string]bool
	sessionWarned   map[string]bool
	taskExceeded    map[string]bool
	sessionExceeded map[string]bool

	unsubs       []func()
	configSource func() config.BudgetConfig
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithConfigSource lets the enforcer refresh its budget settings when a
// config reload touches a budget key.
func WithConfigSource(src func() config.BudgetConfig) Option {
	return func(e *Enforcer) { e.configSource = src }
}

// NewEnforcer builds an enforcer from the merged budget config.
func NewEnforcer(cfg config.BudgetConfig, opts ...Option) *Enforcer {
	e := &Enforcer{
		cfg:             cfg,
		taskBudgets:     make(map[string]float64),
		taskCosts:       make(map[string]float64),
		taskSession:     make(map[string]string),
		sessionBudgets:  make(map[string]float64),
		sessionCosts:    make(map[string]float64),
		taskWarned:      make(map[string]bool),
		sessionWarned:   make(map[string]bool),
		taskExceeded:    make(map[string]bool),
		sessionExceeded: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements bus.Subscriber.
func (e *Enforcer) Name() string { return "budget-enforcer" }

// Initialize implements bus.Subscriber.
func (e *Enforcer) Initialize(b *bus.Bus) error {
	e.bus = b
	e.unsubs = append(e.unsubs,
		b.Subscribe(bus.TopicTaskRouted, e.onTaskRouted),
		b.Subscribe(bus.TopicCostRecorded, e.onCostRecorded),
		b.Subscribe(bus.TopicConfigReloaded, e.onConfigReloaded),
	)
	return nil
}

// onConfigReloaded refreshes the budget settings when a reload touched a
// budget key. Already-tripped warnings and kills are not replayed.
func (e *Enforcer) onConfigReloaded(ev bus.Event) {
	p, ok := ev.Payload.(bus.ConfigReloaded)
	if !ok || e.configSource == nil {
		return
	}
	touched := false
	for _, k := range p.ChangedKeys {
		if strings.HasPrefix(k, "budget") {
			touched = true
			break
		}
	}
	if !touched {
		return
	}
	next := e.configSource()
	e.mu.Lock()
	e.cfg = next
	e.mu.Unlock()
	logging.Get(logging.CategoryBudget).Info(
		"Budget settings refreshed: task=$%.2f session=$%.2f warn=%.0f%%",
		next.DefaultTaskBudgetUSD, next.DefaultSessionBudgetUSD, next.WarningThresholdPercent)
}

// Shutdown implements bus.Subscriber.
func (e *Enforcer) Shutdown() error {
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.unsubs = nil
	return nil
}

// SetSessionBudget fixes a session's budget, overriding the default.
func (e *Enforcer) SetSessionBudget(sessionID string, usd float64) {
	e.mu.Lock()
	e.sessionBudgets[sessionID] = usd
	e.mu.Unlock()
}

// onTaskRouted records the task's budget cap. A task without its own budget
// gets the configured default.
func (e *Enforcer) onTaskRouted(ev bus.Event) {
	p, ok := ev.Payload.(bus.TaskRouted)
	if !ok {
		return
	}
	e.mu.Lock()
	budget := e.cfg.DefaultTaskBudgetUSD
	if p.BudgetUSD != nil {
		budget = *p.BudgetUSD
	}
	e.taskBudgets[p.TaskID] = budget
	if p.SessionID != "" {
		e.taskSession[p.TaskID] = p.SessionID
	}
	e.mu.Unlock()
	logging.Get(logging.CategoryBudget).Debug("Task %s budget cap $%.4f", p.TaskID, budget)
}

// onCostRecorded accumulates the cost and runs both checks. Planning-phase
// costs are skipped when the config says they do not count.
func (e *Enforcer) onCostRecorded(ev bus.Event) {
	p, ok := ev.Payload.(bus.CostRecorded)
	if !ok {
		return
	}
	e.mu.Lock()
	countPlanning := e.cfg.PlanningCostsCountAgainstBudget
	e.mu.Unlock()
	if p.Phase == "planning" && !countPlanning {
		logging.Get(logging.CategoryBudget).Debug(
			"Planning cost $%.4f for task %s not counted", p.CostUSD, p.TaskID)
		return
	}

	e.mu.Lock()
	e.taskCosts[p.TaskID] += p.CostUSD
	if p.SessionID != "" {
		e.sessionCosts[p.SessionID] += p.CostUSD
		if _, ok := e.taskSession[p.TaskID]; !ok {
			e.taskSession[p.TaskID] = p.SessionID
		}
	}
	e.mu.Unlock()

	taskRes := e.CheckTask(p.TaskID)
	e.reactTask(p.TaskID, taskRes)
	// The session check only runs when the task check passed; a task kill
	// already stops the spend.
	if !taskRes.Exceeded && p.SessionID != "" {
		e.reactSession(p.SessionID, e.CheckSession(p.SessionID))
	}
}

// CheckTask evaluates one task against its budget cap.
func (e *Enforcer) CheckTask(taskID string) CheckResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	budget, ok := e.taskBudgets[taskID]
	if !ok {
		budget = e.cfg.DefaultTaskBudgetUSD
	}
	return e.evaluate(e.taskCosts[taskID], budget, ActionTerminate)
}

// CheckSession evaluates one session against its budget.
func (e *Enforcer) CheckSession(sessionID string) CheckResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	budget, ok := e.sessionBudgets[sessionID]
	if !ok {
		budget = e.cfg.DefaultSessionBudgetUSD
	}
	return e.evaluate(e.sessionCosts[sessionID], budget, ActionTerminateAll)
}

// TaskCost returns the accumulated cost for one task.
func (e *Enforcer) TaskCost(taskID string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.taskCosts[taskID]
}

// SessionCost returns the accumulated cost for one session.
func (e *Enforcer) SessionCost(sessionID string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionCosts[sessionID]
}

// evaluate is the shared check. A zero or negative budget means unlimited.
func (e *Enforcer) evaluate(cost, budget float64, exceededAction Action) CheckResult {
	res := CheckResult{
		Action:         ActionContinue,
		CurrentCostUSD: cost,
		BudgetUSD:      budget,
	}
	if budget <= 0 {
		return res
	}
	res.PercentageUsed = cost / budget * 100
	if cost > budget {
		res.Exceeded = true
		res.Action = exceededAction
	}
	return res
}

// reactTask publishes the task warning or exceeded event, each at most once
// per task.
func (e *Enforcer) reactTask(taskID string, res CheckResult) {
	if e.bus == nil {
		return
	}
	log := logging.Get(logging.CategoryBudget)

	if res.Exceeded {
		e.mu.Lock()
		already := e.taskExceeded[taskID]
		e.taskExceeded[taskID] = true
		e.mu.Unlock()
		if already {
			return
		}
		log.Warn("Task %s exceeded budget: $%.4f of $%.4f", taskID, res.CurrentCostUSD, res.BudgetUSD)
		e.bus.Publish(bus.TopicTaskBudgetExceeded, bus.TaskBudgetExceeded{
			TaskID: taskID, LimitUSD: res.BudgetUSD, CurrentUSD: res.CurrentCostUSD,
		})
		return
	}
	e.mu.Lock()
	threshold := e.cfg.WarningThresholdPercent
	e.mu.Unlock()
	if threshold > 0 && res.PercentageUsed >= threshold {
		e.mu.Lock()
		already := e.taskWarned[taskID]
		e.taskWarned[taskID] = true
		e.mu.Unlock()
		if already {
			return
		}
		log.Warn("Task %s at %.1f%% of budget", taskID, res.PercentageUsed)
		e.bus.Publish(bus.TopicBudgetWarning, bus.BudgetWarning{
			TaskID: taskID, PercentageUsed: res.PercentageUsed,
		})
	}
}

// reactSession publishes the session exceeded event at most once per
// session. Session-level warnings are logged only.
func (e *Enforcer) reactSession(sessionID string, res CheckResult) {
	if e.bus == nil {
		return
	}
	log := logging.Get(logging.CategoryBudget)

	if res.Exceeded {
		e.mu.Lock()
		already := e.sessionExceeded[sessionID]
		e.sessionExceeded[sessionID] = true
		e.mu.Unlock()
		if already {
			return
		}
		log.Warn("Session %s exceeded budget: $%.4f of $%.4f", sessionID, res.CurrentCostUSD, res.BudgetUSD)
		e.bus.Publish(bus.TopicSessionBudgetExceeded, bus.SessionBudgetExceeded{
			SessionID: sessionID, LimitUSD: res.BudgetUSD, CurrentUSD: res.CurrentCostUSD,
		})
		return
	}
	e.mu.Lock()
	threshold := e.cfg.WarningThresholdPercent
	e.mu.Unlock()
	if threshold > 0 && res.PercentageUsed >= threshold {
		e.mu.Lock()
		already := e.sessionWarned[sessionID]
		e.sessionWarned[sessionID] = true
		e.mu.Unlock()
		if !already {
			log.Warn("Session %s at %.1f%% of budget", sessionID, res.PercentageUsed)
		}
	}
}
