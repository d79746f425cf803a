package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreatePipelineRunDefaults(t *testing.T) {
	s := newTestStore(t)

	run, err := s.CreatePipelineRun("spec-first", "", "")
	require.NoError(t, err)

	if run.Status != RunRunning {
		t.Errorf("new run status = %s, want running", run.Status)
	}
	if run.ID == "" || run.CreatedAt == "" {
		t.Error("new run missing id or created_at")
	}

	got, err := s.GetPipelineRun(run.ID)
	require.NoError(t, err)
	if got.Methodology != "spec-first" {
		t.Errorf("methodology = %s", got.Methodology)
	}
}

func TestCreatePipelineRunRejectsIncompleteParent(t *testing.T) {
	s := newTestStore(t)

	parent, err := s.CreatePipelineRun("spec-first", "", "")
	require.NoError(t, err)

	// Parent is still running: amendment must be rejected.
	_, err = s.CreatePipelineRun("spec-first", "", parent.ID)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for running parent, got %v", err)
	}

	require.NoError(t, s.UpdateRunStatus(parent.ID, RunCompleted))
	child, err := s.CreatePipelineRun("spec-first", "", parent.ID)
	require.NoError(t, err)
	if child.ParentRunID != parent.ID {
		t.Errorf("child parent = %s, want %s", child.ParentRunID, parent.ID)
	}
}

func TestCreatePipelineRunUnknownParent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreatePipelineRun("spec-first", "", "no-such-run")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// buildChain creates a chain of n runs and returns them root-first.
func buildChain(t *testing.T, s *Store, n int) []*PipelineRun {
	t.Helper()
	runs := make([]*PipelineRun, 0, n)
	parent := ""
	for i := 0; i < n; i++ {
		run, err := s.CreatePipelineRun("spec-first", "", parent)
		require.NoError(t, err, "run %d", i)
		require.NoError(t, s.UpdateRunStatus(run.ID, RunCompleted))
		runs = append(runs, run)
		parent = run.ID
	}
	return runs
}

func TestAmendmentChainDepths(t *testing.T) {
	s := newTestStore(t)

	// 11 runs = chain of depth 10: allowed, returns 11 entries root-first.
	runs := buildChain(t, s, 11)
	leaf := runs[len(runs)-1]

	chain, err := s.GetAmendmentRunChain(leaf.ID, DefaultMaxAmendmentDepth)
	require.NoError(t, err)
	require.Len(t, chain, 11)
	for i, entry := range chain {
		if entry.Depth != i {
			t.Errorf("entry %d depth = %d", i, entry.Depth)
		}
		if entry.Run.ID != runs[i].ID {
			t.Errorf("entry %d is %s, want %s (root-first)", i, entry.Run.ID, runs[i].ID)
		}
	}
}

func TestAmendmentChainTooDeep(t *testing.T) {
	s := newTestStore(t)

	runs := buildChain(t, s, 11)
	leaf := runs[len(runs)-1]

	// Force a 12th link past the create-time guard by walking with a
	// smaller budget.
	_, err := s.GetAmendmentRunChain(leaf.ID, 9)
	if !errors.Is(err, ErrChainTooDeep) {
		t.Fatalf("expected ErrChainTooDeep, got %v", err)
	}
}

func TestUpsertDecisionIdempotence(t *testing.T) {
	s := newTestStore(t)
	run, err := s.CreatePipelineRun("spec-first", "", "")
	require.NoError(t, err)

	first, err := s.UpsertDecision(run.ID, "analysis", "storage", "engine", "sqlite", "embedded")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := s.UpsertDecision(run.ID, "analysis", "storage", "engine", "sqlite", "embedded")
	require.NoError(t, err)

	if second.ID != first.ID {
		t.Error("upsert created a second row for identical key")
	}
	if !(second.UpdatedAt > first.CreatedAt) {
		t.Errorf("updated_at did not advance: %s vs %s", second.UpdatedAt, first.CreatedAt)
	}

	all, err := s.ListDecisions(run.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestUpsertDecisionNullRunBucket(t *testing.T) {
	s := newTestStore(t)
	run, err := s.CreatePipelineRun("spec-first", "", "")
	require.NoError(t, err)

	global, err := s.UpsertDecision("", "analysis", "storage", "engine", "postgres", "")
	require.NoError(t, err)
	scoped, err := s.UpsertDecision(run.ID, "analysis", "storage", "engine", "sqlite", "")
	require.NoError(t, err)

	if global.ID == scoped.ID {
		t.Fatal("null-run decision collided with run-scoped decision")
	}
}

func TestUpsertDecisionValidation(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.UpsertDecision("", "analysis", "storage", "", "v", ""); !errors.Is(err, ErrValidation) {
		t.Errorf("empty key: got %v", err)
	}
	if _, err := s.UpsertDecision("", "analysis", "", "k", "v", ""); !errors.Is(err, ErrValidation) {
		t.Errorf("empty category: got %v", err)
	}
}

func TestSupersessionLaws(t *testing.T) {
	s := newTestStore(t)
	run, err := s.CreatePipelineRun("spec-first", "", "")
	require.NoError(t, err)

	a, err := s.UpsertDecision(run.ID, "analysis", "api", "transport", "rest", "")
	require.NoError(t, err)
	b, err := s.UpsertDecision(run.ID, "analysis", "api", "transport-v2", "grpc", "")
	require.NoError(t, err)
	c, err := s.UpsertDecision(run.ID, "analysis", "api", "transport-v3", "graphql", "")
	require.NoError(t, err)

	require.NoError(t, s.SupersedeDecision(a.ID, b.ID))

	active, err := s.LoadParentRunDecisions(run.ID)
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, d := range active {
		ids[d.ID] = true
	}
	if ids[a.ID] {
		t.Error("superseded decision still active")
	}
	if !ids[b.ID] || !ids[c.ID] {
		t.Error("active decisions missing from LoadParentRunDecisions")
	}

	// Second supersession of the same decision is a conflict.
	if err := s.SupersedeDecision(a.ID, c.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// The superseding row is never mutated.
	got, err := s.GetDecision(b.ID)
	require.NoError(t, err)
	if got.SupersededBy != "" {
		t.Error("superseding decision was mutated")
	}
}

func TestSupersedeMissingRows(t *testing.T) {
	s := newTestStore(t)
	d, err := s.UpsertDecision("", "analysis", "api", "k", "v", "")
	require.NoError(t, err)

	if err := s.SupersedeDecision("missing", d.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing original: got %v", err)
	}
	if err := s.SupersedeDecision(d.ID, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing superseding: got %v", err)
	}
}

func TestGetDecisionsByPhaseOrdering(t *testing.T) {
	s := newTestStore(t)
	run, err := s.CreatePipelineRun("spec-first", "", "")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.UpsertDecision(run.ID, "planning", "runtime", fmt.Sprintf("k%d", i), "v", "")
		require.NoError(t, err)
	}
	decisions, err := s.GetDecisionsByPhaseForRun(run.ID, "planning")
	require.NoError(t, err)
	require.Len(t, decisions, 5)
	for i := 1; i < len(decisions); i++ {
		if decisions[i].CreatedAt < decisions[i-1].CreatedAt {
			t.Error("decisions not ordered created_at ASC")
		}
	}
}

func TestLatestArtifactByPhaseAndType(t *testing.T) {
	s := newTestStore(t)
	run, err := s.CreatePipelineRun("spec-first", "", "")
	require.NoError(t, err)

	_, err = s.RegisterArtifact(run.ID, "planning", "brief",
		fmt.Sprintf("decision-store://%s/brief", run.ID), "", "first brief")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := s.RegisterArtifact(run.ID, "planning", "brief",
		fmt.Sprintf("decision-store://%s/brief-v2", run.ID), "", "second brief")
	require.NoError(t, err)

	latest, err := s.GetLatestArtifact(run.ID, "planning", "brief")
	require.NoError(t, err)
	if latest.ID != second.ID {
		t.Errorf("latest artifact = %s, want %s", latest.ID, second.ID)
	}

	_, err = s.GetLatestArtifact(run.ID, "planning", "missing-type")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown type, got %v", err)
	}
}

func TestTokenUsageSummaryGroupsByPhaseAgent(t *testing.T) {
	s := newTestStore(t)
	run, err := s.CreatePipelineRun("spec-first", "", "")
	require.NoError(t, err)

	usages := []TokenUsage{
		{PipelineRunID: run.ID, Phase: "analysis", Agent: "claude-code", InputTokens: 100, OutputTokens: 50, CostUSD: 0.10},
		{PipelineRunID: run.ID, Phase: "analysis", Agent: "claude-code", InputTokens: 200, OutputTokens: 80, CostUSD: 0.20},
		{PipelineRunID: run.ID, Phase: "analysis", Agent: "codex", InputTokens: 10, OutputTokens: 5, CostUSD: 0.01},
		{PipelineRunID: run.ID, Phase: "planning", Agent: "claude-code", InputTokens: 30, OutputTokens: 20, CostUSD: 0.03},
	}
	for _, u := range usages {
		require.NoError(t, s.RecordTokenUsage(u))
	}

	summary, err := s.GetTokenUsageSummary(run.ID)
	require.NoError(t, err)
	require.Len(t, summary, 3)

	byKey := map[string]TokenUsageSummary{}
	for _, row := range summary {
		byKey[row.Phase+"/"+row.Agent] = row
	}
	got := byKey["analysis/claude-code"]
	if got.InputTokens != 300 || got.OutputTokens != 130 {
		t.Errorf("analysis/claude-code = %+v", got)
	}

	total, err := s.GetRunTotalCost(run.ID)
	require.NoError(t, err)
	if total < 0.339 || total > 0.341 {
		t.Errorf("total cost = %f, want 0.34", total)
	}
}

func TestPlanVersionMonotonicity(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SavePlanVersion(PlanVersion{PlanID: "p1", Version: 1, TaskGraphYAML: "version: \"1\""}))
	require.NoError(t, s.SavePlanVersion(PlanVersion{PlanID: "p1", Version: 2, TaskGraphYAML: "version: \"1\""}))

	// Overwriting or regressing a version is a conflict.
	if err := s.SavePlanVersion(PlanVersion{PlanID: "p1", Version: 2, TaskGraphYAML: "x"}); !errors.Is(err, ErrConflict) {
		t.Errorf("overwrite: got %v", err)
	}
	if err := s.SavePlanVersion(PlanVersion{PlanID: "p1", Version: 1, TaskGraphYAML: "x"}); !errors.Is(err, ErrConflict) {
		t.Errorf("regress: got %v", err)
	}

	latest, err := s.GetLatestPlanVersion("p1")
	require.NoError(t, err)
	if latest.Version != 2 {
		t.Errorf("latest version = %d", latest.Version)
	}

	_, err = s.GetLatestPlanVersion("unknown")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown plan: got %v", err)
	}
}

func TestRequirementsAndConstraints(t *testing.T) {
	s := newTestStore(t)
	run, err := s.CreatePipelineRun("spec-first", "", "")
	require.NoError(t, err)

	req, err := s.CreateRequirement(run.ID, "user", "functional", "must retry on timeout", "high")
	require.NoError(t, err)
	if req.Status != RequirementActive {
		t.Errorf("new requirement status = %s", req.Status)
	}
	require.NoError(t, s.UpdateRequirementStatus(req.ID, RequirementSatisfied))
	if err := s.UpdateRequirementStatus(req.ID, "bogus"); !errors.Is(err, ErrValidation) {
		t.Errorf("bogus status: got %v", err)
	}

	_, err = s.CreateConstraint(run.ID, "runtime", "no CGO", "build")
	require.NoError(t, err)
	cons, err := s.ListConstraints(run.ID)
	require.NoError(t, err)
	require.Len(t, cons, 1)
}

func TestTaskResultUpsertKeepsLatestState(t *testing.T) {
	s := newTestStore(t)
	run, err := s.CreatePipelineRun("spec-first", "", "")
	require.NoError(t, err)

	require.NoError(t, s.RecordTaskResult(TaskResult{
		PipelineRunID: run.ID, TaskID: "scaffold", Agent: "claude-code", Status: "running",
	}))
	require.NoError(t, s.RecordTaskResult(TaskResult{
		PipelineRunID: run.ID, TaskID: "scaffold", Status: "failed", Error: "budget_exceeded",
	}))

	got, err := s.GetTaskResult(run.ID, "scaffold")
	require.NoError(t, err)
	if got.Status != "failed" || got.Error != "budget_exceeded" {
		t.Errorf("task row = %s/%q", got.Status, got.Error)
	}
	// An empty agent on a later write never clears the recorded one.
	if got.Agent != "claude-code" {
		t.Errorf("agent = %q", got.Agent)
	}

	require.NoError(t, s.RecordTaskResult(TaskResult{
		PipelineRunID: run.ID, TaskID: "test", Status: "blocked", Error: "dependency scaffold failed",
	}))
	rows, err := s.ListTaskResults(run.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	if rows[0].TaskID != "scaffold" || rows[1].TaskID != "test" {
		t.Errorf("row order: %s, %s", rows[0].TaskID, rows[1].TaskID)
	}

	if err := s.RecordTaskResult(TaskResult{TaskID: "x", Status: "failed"}); !errors.Is(err, ErrValidation) {
		t.Errorf("missing run id: got %v", err)
	}
	if err := s.RecordTaskResult(TaskResult{PipelineRunID: run.ID, TaskID: "x", Status: "bogus"}); err == nil {
		t.Error("bogus status accepted")
	}
	if _, err := s.GetTaskResult(run.ID, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown task: got %v", err)
	}
}
