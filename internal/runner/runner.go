// Package runner executes methodology phases: ordered steps that resolve
// context from parameters, prior decisions, and earlier step outputs, then
// dispatch a prompt to an agent and persist the structured result. One
// failed step halts the phase.
package runner

import (
	"bytes"
	"context"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/johnplanow/substrate-sub007/internal/adapter"
	"github.com/johnplanow/substrate-sub007/internal/logging"
	"github.com/johnplanow/substrate-sub007/internal/pool"
	"github.com/johnplanow/substrate-sub007/internal/routing"
	"github.com/johnplanow/substrate-sub007/internal/store"
)

const (
	// TokensPerDecision widens the prompt budget for every decision pulled
	// into context.
	TokensPerDecision = 100

	// DefaultBasePromptTokens is the budget for a step with no decisions.
	DefaultBasePromptTokens = 2000

	// AbsoluteMaxPromptTokens caps the budget regardless of decision count.
	// Sized to the smallest context window among the supported agent CLIs.
	AbsoluteMaxPromptTokens = 32000
)

// TemplateSource supplies prompt templates keyed by task type.
type TemplateSource interface {
	PromptTemplate(taskType adapter.TaskType) (string, error)
}

// Dispatcher is the slice of the worker pool the runner needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, task pool.Task) (*pool.Handle, error)
}

// Router picks an agent for a step.
type Router interface {
	Route(ctx context.Context, req routing.Request) routing.Decision
}

// Runner executes phases against one decision store.
type Runner struct {
	store      *store.Store
	templates  TemplateSource
	dispatcher Dispatcher
	router     Router
	maxPrompt  int
}

// Option configures a Runner.
type Option func(*Runner)

// WithMaxPromptTokens overrides the absolute prompt budget cap.
func WithMaxPromptTokens(n int) Option {
	return func(r *Runner) { r.maxPrompt = n }
}

// New builds a phase runner.
func New(st *store.Store, templates TemplateSource, d Dispatcher, router Router, opts ...Option) *Runner {
	r := &Runner{
		store:      st,
		templates:  templates,
		dispatcher: d,
		router:     router,
		maxPrompt:  AbsoluteMaxPromptTokens,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// estimateTokens is the chars/4 heuristic shared with the adapters.
func estimateTokens(s string) int {
	return len(s) / 4
}

// RunPhase executes the steps in order. The first failure stops the phase;
// steps after it are reported as skipped.
func (r *Runner) RunPhase(ctx context.Context, runID, phase string,
	steps []StepDefinition, params map[string]string) PhaseResult {

	log := logging.Get(logging.CategoryRunner)
	result := PhaseResult{Success: true}
	stepOutputs := make(map[string]map[string]interface{})

	for i, step := range steps {
		if !result.Success {
			result.Steps = append(result.Steps, StepResult{Step: step.Name, Status: StepSkipped})
			continue
		}

		timer := logging.StartTimer(logging.CategoryRunner, "step "+step.Name)
		sr := r.runStep(ctx, runID, phase, step, params, stepOutputs)
		timer.StopWithInfo(string(sr.Status))

		result.Steps = append(result.Steps, sr)
		result.TokenUsage.Input += sr.InputTokens
		result.TokenUsage.Output += sr.OutputTokens

		if sr.Status != StepCompleted {
			result.Success = false
			result.Error = fmt.Sprintf("step %s failed: %s", step.Name, sr.Error)
			log.Warn("Phase %s halted at step %d (%s): %s", phase, i+1, step.Name, sr.Error)
			continue
		}
		stepOutputs[step.Name] = sr.Parsed
	}
	return result
}

func (r *Runner) runStep(ctx context.Context, runID, phase string, step StepDefinition,
	params map[string]string, stepOutputs map[string]map[string]interface{}) StepResult {

	sr := StepResult{Step: step.Name, Status: StepFailed}

	prompt, err := r.buildPrompt(runID, step, params, stepOutputs)
	if err != nil {
		if err == errPromptOverBudget {
			sr.Error = "prompt exceeds budget after summarization"
		} else {
			sr.Error = fmt.Sprintf("unexpected error: %s", err)
		}
		return sr
	}

	decision := r.router.Route(ctx, routing.Request{
		TaskID:        fmt.Sprintf("%s/%s", runID, step.Name),
		TaskType:      step.TaskType,
		ExplicitAgent: step.Agent,
	})
	if decision.BillingMode == routing.BillingUnavailable {
		sr.Error = fmt.Sprintf("no agent available: %s", decision.Rationale)
		return sr
	}
	sr.Agent = decision.Agent

	handle, err := r.dispatcher.Dispatch(ctx, pool.Task{
		ID:      fmt.Sprintf("%s/%s", runID, step.Name),
		Type:    step.TaskType,
		Prompt:  prompt,
		AgentID: decision.Agent,
	})
	if err != nil {
		sr.Error = fmt.Sprintf("unexpected error: %s", err)
		return sr
	}
	res, err := handle.Wait(ctx)
	if err != nil {
		sr.Error = fmt.Sprintf("unexpected error: %s", err)
		return sr
	}

	sr.InputTokens = res.TokenEstimate.Input
	sr.OutputTokens = res.TokenEstimate.Output
	sr.DurationMs = res.DurationMs

	if failMsg := interpretDispatch(res); failMsg != "" {
		sr.Error = failMsg
		r.recordTokens(runID, phase, sr)
		return sr
	}
	if err := validateOutput(step, res.Parsed); err != nil {
		sr.Error = fmt.Sprintf("schema validation failed: %s", err)
		r.recordTokens(runID, phase, sr)
		return sr
	}

	sr.Parsed = res.Parsed
	if err := r.persistStep(runID, phase, step, res.Parsed); err != nil {
		sr.Error = fmt.Sprintf("unexpected error: %s", err)
		return sr
	}

	sr.Status = StepCompleted
	r.recordTokens(runID, phase, sr)
	return sr
}

var errPromptOverBudget = fmt.Errorf("prompt over budget")

// buildPrompt resolves context, interpolates the template, and enforces the
// dynamic budget with summarization fallback.
func (r *Runner) buildPrompt(runID string, step StepDefinition, params map[string]string,
	stepOutputs map[string]map[string]interface{}) (string, error) {

	vars, decisionCount, err := r.resolveContext(runID, step.Context, params, stepOutputs)
	if err != nil {
		return "", err
	}
	template, err := r.templates.PromptTemplate(step.TaskType)
	if err != nil {
		return "", err
	}

	texts := make(map[string]string, len(vars))
	for name, v := range vars {
		texts[name] = v.text
	}
	prompt, err := interpolate(template, texts)
	if err != nil {
		return "", err
	}

	base := step.BaseTokenBudget
	if base <= 0 {
		base = DefaultBasePromptTokens
	}
	budget := base + decisionCount*TokensPerDecision
	if budget > r.maxPrompt {
		budget = r.maxPrompt
	}
	if estimateTokens(prompt) <= budget {
		return prompt, nil
	}

	logging.Get(logging.CategoryRunner).Info(
		"Prompt for step %s over budget (%d > %d tokens), summarizing decisions",
		step.Name, estimateTokens(prompt), budget)
	return r.summarizedPrompt(template, vars, budget)
}

// summarizedPrompt replaces the decision sections with compact lines and
// trims lowest-priority lines until the prompt fits.
func (r *Runner) summarizedPrompt(template string, vars map[string]resolvedVar, budget int) (string, error) {
	compact := make(map[string][]compactLine, len(vars))
	for name, v := range vars {
		if len(v.decisions) > 0 {
			compact[name] = compactDecisionLines(v)
		}
	}

	for {
		texts := make(map[string]string, len(vars))
		for name, v := range vars {
			if lines, ok := compact[name]; ok {
				texts[name] = renderCompactSection(v, lines)
			} else {
				texts[name] = v.text
			}
		}
		prompt, err := interpolate(template, texts)
		if err != nil {
			return "", err
		}
		if estimateTokens(prompt) <= budget {
			return prompt, nil
		}
		if !trimWorstLine(compact) {
			return "", errPromptOverBudget
		}
	}
}

// trimWorstLine removes the single lowest-priority compact line across all
// sections. Within a rank the most recently listed line goes first.
func trimWorstLine(compact map[string][]compactLine) bool {
	worstName := ""
	worstIdx := -1
	worstRank := -1
	for name, lines := range compact {
		for i, l := range lines {
			if l.rank >= worstRank {
				worstRank = l.rank
				worstName = name
				worstIdx = i
			}
		}
	}
	if worstIdx < 0 {
		return false
	}
	lines := compact[worstName]
	compact[worstName] = append(lines[:worstIdx], lines[worstIdx+1:]...)
	return true
}

// interpretDispatch maps a non-success dispatch to a step error message.
func interpretDispatch(res *adapter.DispatchResult) string {
	switch res.Status {
	case adapter.DispatchCompleted:
	case adapter.DispatchTimeout:
		return "dispatch timed out"
	case adapter.DispatchCancelled:
		return "dispatch cancelled"
	default:
		return "dispatch failed"
	}
	if res.Parsed == nil {
		if res.ParseError != "" {
			return fmt.Sprintf("schema validation failed: %s", res.ParseError)
		}
		return "schema validation failed: no parseable output"
	}
	if v, ok := res.Parsed["result"].(string); ok && v == "failed" {
		return "agent reported failure"
	}
	return ""
}

// validateOutput checks the parsed output against the step's schema.
func validateOutput(step StepDefinition, parsed map[string]interface{}) error {
	if len(step.OutputSchema) == 0 {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(step.OutputSchema))
	if err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	if err := compiler.AddResource(step.Name+".schema.json", doc); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	schema, err := compiler.Compile(step.Name + ".schema.json")
	if err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	instance := make(map[string]interface{}, len(parsed))
	for k, v := range parsed {
		instance[k] = v
	}
	return schema.Validate(instance)
}

// persistStep applies persist rules and artifact registration.
func (r *Runner) persistStep(runID, phase string, step StepDefinition, parsed map[string]interface{}) error {
	for _, rule := range step.Persist {
		val, ok := parsed[rule.Field]
		if !ok {
			continue
		}
		if rule.Key == "array" {
			items, ok := val.([]interface{})
			if !ok {
				return fmt.Errorf("persist rule %s.%s expects an array in field %q",
					rule.Category, rule.Key, rule.Field)
			}
			for i, item := range items {
				key := fmt.Sprintf("%s-%d", step.Name, i)
				if _, err := r.store.UpsertDecision(runID, phase, rule.Category, key,
					fmt.Sprintf("%v", item), ""); err != nil {
					return err
				}
			}
			continue
		}
		if _, err := r.store.UpsertDecision(runID, phase, rule.Category, rule.Key,
			fmt.Sprintf("%v", val), ""); err != nil {
			return err
		}
	}

	if a := step.RegisterArtifact; a != nil {
		summary := ""
		if a.Summarize != nil {
			summary = a.Summarize(parsed)
		}
		if _, err := r.store.RegisterArtifact(runID, phase, a.Type, a.Path, "", summary); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) recordTokens(runID, phase string, sr StepResult) {
	if sr.InputTokens == 0 && sr.OutputTokens == 0 {
		return
	}
	err := r.store.RecordTokenUsage(store.TokenUsage{
		PipelineRunID: runID,
		Phase:         phase,
		Agent:         sr.Agent,
		InputTokens:   sr.InputTokens,
		OutputTokens:  sr.OutputTokens,
	})
	if err != nil {
		logging.Get(logging.CategoryRunner).Warn(
			"Failed to record token usage for step %s: %v", sr.Step, err)
	}
}
