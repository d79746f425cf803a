package runner

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/johnplanow/substrate-sub007/internal/adapter"
	"github.com/johnplanow/substrate-sub007/internal/pool"
	"github.com/johnplanow/substrate-sub007/internal/routing"
	"github.com/johnplanow/substrate-sub007/internal/store"
)

// scriptAgent returns canned results in order and records the prompts it
// was given.
type scriptAgent struct {
	mu      sync.Mutex
	results []adapter.DispatchResult
	prompts []string
}

func (s *scriptAgent) ID() string { return "claude-code" }

func (s *scriptAgent) Dispatch(ctx context.Context, req adapter.Request) adapter.DispatchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, req.Prompt)
	if len(s.results) == 0 {
		return adapter.DispatchResult{
			ID:     req.TaskID,
			Status: adapter.DispatchCompleted,
			Parsed: map[string]interface{}{"result": "success"},
		}
	}
	r := s.results[0]
	s.results = s.results[1:]
	r.ID = req.TaskID
	return r
}

func (s *scriptAgent) HealthCheck(ctx context.Context) error { return nil }

func (s *scriptAgent) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		TaskTypes: []adapter.TaskType{
			adapter.TaskCoding, adapter.TaskTesting, adapter.TaskDocs,
		},
		MaxConcurrent: 4,
	}
}

func (s *scriptAgent) lastPrompt(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.prompts)
	return s.prompts[len(s.prompts)-1]
}

type mapTemplates map[adapter.TaskType]string

func (m mapTemplates) PromptTemplate(tt adapter.TaskType) (string, error) {
	tpl, ok := m[tt]
	if !ok {
		return "", errors.New("no template for task type " + string(tt))
	}
	return tpl, nil
}

type fixedRouter struct{ agent string }

func (f fixedRouter) Route(ctx context.Context, req routing.Request) routing.Decision {
	return routing.Decision{
		Agent:       f.agent,
		BillingMode: routing.BillingSubscription,
		Rationale:   "fixed for test",
	}
}

type harness struct {
	store  *store.Store
	agent  *scriptAgent
	runner *Runner
	runID  string
}

func newHarness(t *testing.T, templates mapTemplates, opts ...Option) *harness {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, st.Close()) })

	agent := &scriptAgent{}
	reg := adapter.NewRegistry()
	require.NoError(t, reg.Register(agent))
	p := pool.New(reg, pool.Limits{Global: 2})
	t.Cleanup(func() { require.NoError(t, p.Shutdown(context.Background())) })

	run, err := st.CreatePipelineRun("exploratory", "{}", "")
	require.NoError(t, err)

	return &harness{
		store:  st,
		agent:  agent,
		runner: New(st, templates, p, fixedRouter{agent: "claude-code"}, opts...),
		runID:  run.ID,
	}
}

func TestPhaseHappyPathPersistsAndAccumulates(t *testing.T) {
	h := newHarness(t, mapTemplates{
		adapter.TaskCoding:  "Analyze {{concept}}.",
		adapter.TaskTesting: "Verify using:\n{{analysis}}",
	})
	h.agent.results = []adapter.DispatchResult{
		{
			Status: adapter.DispatchCompleted,
			Parsed: map[string]interface{}{
				"result":   "success",
				"database": "postgres",
				"reasons":  []interface{}{"relational", "mature"},
			},
			TokenEstimate: adapter.TokenEstimate{Input: 100, Output: 40},
		},
		{
			Status: adapter.DispatchCompleted,
			Parsed: map[string]interface{}{
				"result":  "success",
				"verdict": "pass",
			},
			TokenEstimate: adapter.TokenEstimate{Input: 200, Output: 60},
		},
	}

	steps := []StepDefinition{
		{
			Name:     "analyze",
			TaskType: adapter.TaskCoding,
			Context:  []ContextRef{{Placeholder: "concept", Source: "param:concept"}},
			Persist: []PersistRule{
				{Field: "database", Category: "data", Key: "primary-db"},
				{Field: "reasons", Category: "data", Key: "array"},
			},
			RegisterArtifact: &ArtifactRule{
				Type: "analysis",
				Path: "decision-store://analysis",
				Summarize: func(parsed map[string]interface{}) string {
					return "db choice recorded"
				},
			},
		},
		{
			Name:     "verify",
			TaskType: adapter.TaskTesting,
			Context:  []ContextRef{{Placeholder: "analysis", Source: "step:analyze"}},
		},
	}

	res := h.runner.RunPhase(context.Background(), h.runID, "discovery", steps,
		map[string]string{"concept": "a task tracker"})

	require.True(t, res.Success)
	require.Len(t, res.Steps, 2)
	require.Equal(t, StepCompleted, res.Steps[0].Status)
	require.Equal(t, StepCompleted, res.Steps[1].Status)
	require.Equal(t, 300, res.TokenUsage.Input)
	require.Equal(t, 100, res.TokenUsage.Output)

	// The second step saw the first step's output minus the result field.
	prompt := h.agent.lastPrompt(t)
	require.Contains(t, prompt, "postgres")
	require.NotContains(t, prompt, `"result"`)

	decisions, err := h.store.ListDecisions(h.runID)
	require.NoError(t, err)
	byKey := map[string]string{}
	for _, d := range decisions {
		byKey[d.Key] = d.Value
	}
	require.Equal(t, "postgres", byKey["primary-db"])
	require.Equal(t, "relational", byKey["analyze-0"])
	require.Equal(t, "mature", byKey["analyze-1"])

	arts, err := h.store.ListArtifacts(h.runID)
	require.NoError(t, err)
	require.Len(t, arts, 1)
	require.Equal(t, "db choice recorded", arts[0].Summary)

	summary, err := h.store.GetTokenUsageSummary(h.runID)
	require.NoError(t, err)
	total := 0
	for _, s := range summary {
		total += s.InputTokens
	}
	require.Equal(t, 300, total)
}

func TestAgentReportedFailureHaltsPhase(t *testing.T) {
	h := newHarness(t, mapTemplates{adapter.TaskCoding: "Go."})
	h.agent.results = []adapter.DispatchResult{
		{
			Status: adapter.DispatchCompleted,
			Parsed: map[string]interface{}{"result": "failed"},
		},
	}

	steps := []StepDefinition{
		{Name: "first", TaskType: adapter.TaskCoding},
		{Name: "second", TaskType: adapter.TaskCoding},
	}
	res := h.runner.RunPhase(context.Background(), h.runID, "discovery", steps, nil)

	require.False(t, res.Success)
	require.Equal(t, StepFailed, res.Steps[0].Status)
	require.Equal(t, "agent reported failure", res.Steps[0].Error)
	require.Equal(t, StepSkipped, res.Steps[1].Status)
	require.Contains(t, res.Error, "first")

	// Only the first step ever dispatched.
	h.agent.mu.Lock()
	defer h.agent.mu.Unlock()
	require.Len(t, h.agent.prompts, 1)
}

func TestDispatchTimeoutMessage(t *testing.T) {
	h := newHarness(t, mapTemplates{adapter.TaskCoding: "Go."})
	h.agent.results = []adapter.DispatchResult{
		{Status: adapter.DispatchTimeout, TokenEstimate: adapter.TokenEstimate{Input: 12}},
	}
	res := h.runner.RunPhase(context.Background(), h.runID, "p", []StepDefinition{
		{Name: "slow", TaskType: adapter.TaskCoding},
	}, nil)

	require.False(t, res.Success)
	require.Equal(t, "dispatch timed out", res.Steps[0].Error)
	// Tokens burned before the timeout still count.
	require.Equal(t, 12, res.TokenUsage.Input)
}

func TestNilParsedIsSchemaFailure(t *testing.T) {
	h := newHarness(t, mapTemplates{adapter.TaskCoding: "Go."})
	h.agent.results = []adapter.DispatchResult{
		{Status: adapter.DispatchCompleted, Output: "not json", ParseError: "no JSON object found"},
	}
	res := h.runner.RunPhase(context.Background(), h.runID, "p", []StepDefinition{
		{Name: "s", TaskType: adapter.TaskCoding},
	}, nil)

	require.False(t, res.Success)
	require.Contains(t, res.Steps[0].Error, "schema validation failed")
	require.Contains(t, res.Steps[0].Error, "no JSON object found")
}

func TestOutputSchemaEnforced(t *testing.T) {
	h := newHarness(t, mapTemplates{adapter.TaskCoding: "Go."})
	h.agent.results = []adapter.DispatchResult{
		{
			Status: adapter.DispatchCompleted,
			Parsed: map[string]interface{}{"result": "success", "value": float64(7)},
		},
	}
	schema := json.RawMessage(`{
		"type": "object",
		"required": ["value"],
		"properties": {"value": {"type": "string"}}
	}`)
	res := h.runner.RunPhase(context.Background(), h.runID, "p", []StepDefinition{
		{Name: "s", TaskType: adapter.TaskCoding, OutputSchema: schema},
	}, nil)

	require.False(t, res.Success)
	require.Contains(t, res.Steps[0].Error, "schema validation failed")
}

func TestMissingParamIsUnexpectedError(t *testing.T) {
	h := newHarness(t, mapTemplates{adapter.TaskCoding: "Use {{thing}}."})
	res := h.runner.RunPhase(context.Background(), h.runID, "p", []StepDefinition{
		{
			Name:     "s",
			TaskType: adapter.TaskCoding,
			Context:  []ContextRef{{Placeholder: "thing", Source: "param:thing"}},
		},
	}, map[string]string{})

	require.False(t, res.Success)
	require.Contains(t, res.Steps[0].Error, "unexpected error:")
	require.Contains(t, res.Steps[0].Error, `"thing"`)
}

func TestUnresolvedPlaceholderIsUnexpectedError(t *testing.T) {
	h := newHarness(t, mapTemplates{adapter.TaskCoding: "Use {{thing}}."})
	res := h.runner.RunPhase(context.Background(), h.runID, "p", []StepDefinition{
		{Name: "s", TaskType: adapter.TaskCoding},
	}, nil)

	require.False(t, res.Success)
	require.Contains(t, res.Steps[0].Error, "unexpected error:")
	require.Contains(t, res.Steps[0].Error, "{{thing}}")
}

func seedDecisions(t *testing.T, st *store.Store, runID string, n int, category string) {
	t.Helper()
	long := strings.Repeat("x", 200)
	for i := 0; i < n; i++ {
		_, err := st.UpsertDecision(runID, "discovery", category,
			"key-"+strings.Repeat("a", i+1), long, "because reasons")
		require.NoError(t, err)
	}
}

func TestSummarizationCompactsDecisions(t *testing.T) {
	h := newHarness(t, mapTemplates{
		adapter.TaskCoding: "Context:\n{{decisions}}\nGo.",
	}, WithMaxPromptTokens(150))
	seedDecisions(t, h.store, h.runID, 5, "data")

	res := h.runner.RunPhase(context.Background(), h.runID, "build", []StepDefinition{
		{
			Name:            "s",
			TaskType:        adapter.TaskCoding,
			BaseTokenBudget: 1,
			Context: []ContextRef{
				{Placeholder: "decisions", Source: "decision:discovery.data"},
			},
		},
	}, nil)

	require.True(t, res.Success, "phase error: %s", res.Error)
	prompt := h.agent.lastPrompt(t)
	// The compact form drops rationales and truncates lines to 120 chars.
	require.NotContains(t, prompt, "because reasons")
	for _, line := range strings.Split(prompt, "\n") {
		require.LessOrEqual(t, len(line), 120)
	}
	require.LessOrEqual(t, estimateTokens(prompt), 150)
}

func TestPromptOverBudgetAfterSummarization(t *testing.T) {
	h := newHarness(t, mapTemplates{
		adapter.TaskCoding: strings.Repeat("long preamble ", 20) + "{{decisions}}",
	}, WithMaxPromptTokens(10))
	seedDecisions(t, h.store, h.runID, 3, "data")

	res := h.runner.RunPhase(context.Background(), h.runID, "build", []StepDefinition{
		{
			Name:            "s",
			TaskType:        adapter.TaskCoding,
			BaseTokenBudget: 1,
			Context: []ContextRef{
				{Placeholder: "decisions", Source: "decision:discovery.data"},
			},
		},
	}, nil)

	require.False(t, res.Success)
	require.Equal(t, "prompt exceeds budget after summarization", res.Steps[0].Error)
}

func TestDecisionSectionFormatting(t *testing.T) {
	decisions := []store.Decision{
		{Category: "data", Key: "db", Value: "postgres", Rationale: "relational fit"},
		{Category: "data", Key: "tables", Value: `["users", "tasks"]`},
	}
	section := renderDecisionSection("discovery", "data", decisions)

	require.Contains(t, section, "## discovery.data\n")
	require.Contains(t, section, "- db: postgres (relational fit)\n")
	require.Contains(t, section, "- tables:\n")
	require.Contains(t, section, "  - users\n")
	require.Contains(t, section, "  - tasks\n")
}

func TestSummarizationTrimsLowestPriorityFirst(t *testing.T) {
	v1 := resolvedVar{
		phase: "p", category: "data",
		decisions: []store.Decision{{Category: "data", Key: "keep", Value: "v"}},
	}
	v2 := resolvedVar{
		phase: "p", category: "ci",
		decisions: []store.Decision{{Category: "ci", Key: "drop", Value: "v"}},
	}
	compact := map[string][]compactLine{
		"a": compactDecisionLines(v1),
		"b": compactDecisionLines(v2),
	}
	require.True(t, trimWorstLine(compact))
	require.Len(t, compact["a"], 1, "data outranks ci and must survive")
	require.Empty(t, compact["b"])
}
