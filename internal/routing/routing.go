// Package routing picks the agent and billing mode for each task. Selection
// is deterministic: an explicit task agent wins, then the configured policy,
// then the alphabetically first healthy agent supporting the task type. The
// subscription monitor only ever advises; configured policy beats it.
package routing

import (
	"context"
	"fmt"
	"strings"

	"github.com/johnplanow/substrate-sub007/internal/adapter"
	"github.com/johnplanow/substrate-sub007/internal/config"
	"github.com/johnplanow/substrate-sub007/internal/logging"
)

// BillingMode says how a dispatch will be paid for.
type BillingMode string

const (
	BillingSubscription BillingMode = "subscription"
	BillingAPI          BillingMode = "api"
	BillingUnavailable  BillingMode = "unavailable"
)

// Confidence grades a monitor recommendation. Only medium and high are
// allowed to influence auto-mode billing.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// MonitorAdvice is one agent recommendation from the monitor.
type MonitorAdvice struct {
	Agent      string
	Confidence Confidence
	Reason     string
}

// Monitor recommends an agent for a task type based on live quota state.
// Errors are soft: routing proceeds without advice.
type Monitor interface {
	Recommend(ctx context.Context, taskType adapter.TaskType) (MonitorAdvice, error)
}

// Decision is the routing outcome for one task.
type Decision struct {
	Agent                 string
	BillingMode           BillingMode
	Rationale             string
	MonitorInfluenced     bool
	MonitorRecommendation string
}

// Request carries what routing needs to know about a task.
type Request struct {
	TaskID        string
	TaskType      adapter.TaskType
	ExplicitAgent string
}

// Engine resolves routing requests against the registry and config.
type Engine struct {
	registry  *adapter.Registry
	policy    config.RoutingPolicyConfig
	providers map[string]config.ProviderConfig
	monitor   Monitor
}

// Option configures an Engine.
type Option func(*Engine)

// WithMonitor attaches an advisory subscription monitor.
func WithMonitor(m Monitor) Option {
	return func(e *Engine) { e.monitor = m }
}

// NewEngine builds a routing engine from the merged config.
func NewEngine(registry *adapter.Registry, cfg *config.Config, opts ...Option) *Engine {
	e := &Engine{
		registry:  registry,
		policy:    cfg.RoutingPolicy,
		providers: cfg.Providers,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Route picks the agent for one task. It never returns an error: when no
// agent can serve the task the decision's billing mode is unavailable.
func (e *Engine) Route(ctx context.Context, req Request) Decision {
	log := logging.Get(logging.CategoryRouting)

	d := e.selectAgent(ctx, req)
	if d.BillingMode == BillingUnavailable {
		log.Warn("Task %s has no available agent: %s", req.TaskID, d.Rationale)
		return d
	}
	e.attachAdvice(ctx, req.TaskType, &d)
	log.Info("Task %s routed to %s (%s): %s", req.TaskID, d.Agent, d.BillingMode, d.Rationale)
	return d
}

// selectAgent runs the deterministic selection chain. The monitor plays no
// part here; it is advisory only.
func (e *Engine) selectAgent(ctx context.Context, req Request) Decision {
	if req.ExplicitAgent != "" {
		if !adapter.IsKnown(req.ExplicitAgent) {
			return unavailable(fmt.Sprintf("explicit agent %q is unknown", req.ExplicitAgent))
		}
		canonical, _ := adapter.Normalize(req.ExplicitAgent)
		if !e.usable(ctx, canonical, req.TaskType) {
			return unavailable(fmt.Sprintf("explicit agent %q is not available", canonical))
		}
		return e.decide(canonical, "task names the agent explicitly")
	}

	if agent, rule := e.policyCandidate(ctx, req.TaskType); agent != "" {
		return e.decide(agent, rule)
	}

	// Last resort: alphabetically first healthy agent supporting the type.
	for _, id := range e.registry.Supporting(ctx, req.TaskType) {
		if e.usable(ctx, id, req.TaskType) {
			return e.decide(id, "first healthy agent supporting the task type")
		}
	}
	return unavailable(fmt.Sprintf("no available agent supports task type %q", req.TaskType))
}

// attachAdvice consults the monitor and records its recommendation on the
// decision. Confidence below medium is discarded, and a recommendation never
// changes the selected agent.
func (e *Engine) attachAdvice(ctx context.Context, taskType adapter.TaskType, d *Decision) {
	if e.monitor == nil {
		return
	}
	log := logging.Get(logging.CategoryRouting)

	advice, err := e.monitor.Recommend(ctx, taskType)
	if err != nil {
		log.Warn("Monitor failed for task type %s, proceeding without advice: %v", taskType, err)
		return
	}
	if advice.Confidence != ConfidenceMedium && advice.Confidence != ConfidenceHigh {
		return
	}
	canonical, _ := adapter.Normalize(advice.Agent)
	d.MonitorInfluenced = true
	d.MonitorRecommendation = fmt.Sprintf("%s (%s confidence): %s",
		canonical, advice.Confidence, advice.Reason)
	if canonical != d.Agent {
		log.Debug("Monitor recommends %s but policy selected %s; policy wins", canonical, d.Agent)
	}
}

// policyCandidate walks the matching rule's preferred and fallback chain,
// then the policy default, returning the first usable agent and why.
func (e *Engine) policyCandidate(ctx context.Context, taskType adapter.TaskType) (string, string) {
	for _, rule := range e.policy.Rules {
		if !strings.EqualFold(rule.TaskType, string(taskType)) {
			continue
		}
		chain := append([]string{rule.PreferredProvider}, rule.FallbackProviders...)
		for i, name := range chain {
			canonical, _ := adapter.Normalize(name)
			if !e.usable(ctx, canonical, taskType) {
				continue
			}
			if i == 0 {
				return canonical, fmt.Sprintf("policy prefers %s for %s tasks", canonical, taskType)
			}
			return canonical, fmt.Sprintf("policy fallback for %s tasks (preferred %s unavailable)",
				taskType, rule.PreferredProvider)
		}
	}
	if e.policy.DefaultProvider != "" {
		canonical, _ := adapter.Normalize(e.policy.DefaultProvider)
		if e.usable(ctx, canonical, taskType) {
			return canonical, fmt.Sprintf("policy default provider %s", canonical)
		}
	}
	return "", ""
}

// usable means registered, enabled in config, healthy, and supporting the
// task type.
func (e *Engine) usable(ctx context.Context, agentID string, taskType adapter.TaskType) bool {
	a, ok := e.registry.Get(agentID)
	if !ok {
		return false
	}
	if p, ok := e.providers[agentID]; ok {
		if !p.Enabled || p.SubscriptionRouting == "disabled" {
			return false
		}
	}
	if !e.registry.Healthy(ctx, agentID) {
		return false
	}
	for _, tt := range a.Capabilities().TaskTypes {
		if tt == taskType {
			return true
		}
	}
	return false
}

// decide fixes the billing mode for a selected agent from the provider's
// subscription_routing setting. Auto defaults to subscription billing.
func (e *Engine) decide(agentID, rationale string) Decision {
	d := Decision{Agent: agentID, Rationale: rationale, BillingMode: BillingSubscription}
	if p, ok := e.providers[agentID]; ok && p.SubscriptionRouting == "api" {
		d.BillingMode = BillingAPI
	}
	return d
}

func unavailable(rationale string) Decision {
	return Decision{BillingMode: BillingUnavailable, Rationale: rationale}
}
