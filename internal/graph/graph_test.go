package graph

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const chainYAML = `
version: "1"
session:
  name: demo
tasks:
  a:
    name: Task A
    prompt: do a
    type: coding
  b:
    name: Task B
    prompt: do b
    type: testing
    depends_on: [a]
  c:
    name: Task C
    prompt: do c
    type: docs
    depends_on: [b]
`

func parseChain(t *testing.T) *TaskGraph {
	t.Helper()
	g, err := Parse([]byte(chainYAML))
	require.NoError(t, err)
	return g
}

func TestThreeTaskChain(t *testing.T) {
	g := parseChain(t)

	res := Validate(g, nil)
	if !res.Valid {
		t.Fatalf("chain should validate, errors: %+v", res.Errors)
	}

	adj := BuildAdjacencyList(g)
	if len(adj.RootTasks) != 1 || adj.RootTasks[0] != "a" {
		t.Errorf("rootTasks = %v, want [a]", adj.RootTasks)
	}
	if len(adj.LeafTasks) != 1 || adj.LeafTasks[0] != "c" {
		t.Errorf("leafTasks = %v, want [c]", adj.LeafTasks)
	}
	if adj.MaxDepth != 2 {
		t.Errorf("maxDepth = %d, want 2", adj.MaxDepth)
	}
	want := "3 tasks, 1 root(s), 1 leaf(s), max depth 2"
	if got := adj.Summary(len(g.Tasks)); got != want {
		t.Errorf("summary = %q, want %q", got, want)
	}
}

func TestTwoTaskCycle(t *testing.T) {
	g, err := Parse([]byte(`
version: "1"
session:
  name: demo
tasks:
  a:
    name: A
    prompt: p
    type: coding
    depends_on: [b]
  b:
    name: B
    prompt: p
    type: coding
    depends_on: [a]
`))
	require.NoError(t, err)

	res := Validate(g, nil)
	if res.Valid {
		t.Fatal("cycle should not validate")
	}

	var cycles []Issue
	for _, e := range res.Errors {
		if e.Category == IssueCycle {
			cycles = append(cycles, e)
		}
	}
	require.Len(t, cycles, 1)
	msg := cycles[0].Message
	if !strings.Contains(msg, "a") || !strings.Contains(msg, "b") || !strings.Contains(msg, "→ a") {
		t.Errorf("cycle message %q missing path elements", msg)
	}
}

func TestDanglingReference(t *testing.T) {
	g, err := Parse([]byte(`
version: "1"
session:
  name: demo
tasks:
  b:
    name: B
    prompt: p
    type: coding
    depends_on: [x]
`))
	require.NoError(t, err)

	res := Validate(g, nil)
	if res.Valid {
		t.Fatal("dangling ref should not validate")
	}
	var dangling []Issue
	for _, e := range res.Errors {
		if e.Category == IssueDanglingRef {
			dangling = append(dangling, e)
		}
	}
	require.Len(t, dangling, 1)
	if dangling[0].Field != "tasks.b.depends_on" {
		t.Errorf("field = %q, want tasks.b.depends_on", dangling[0].Field)
	}
	if !strings.Contains(dangling[0].Message, `"x"`) {
		t.Errorf("message %q does not name the missing id", dangling[0].Message)
	}
}

func TestEmptyGraph(t *testing.T) {
	g, err := Parse([]byte("version: \"1\"\nsession:\n  name: demo\n"))
	require.NoError(t, err)
	res := Validate(g, nil)
	if res.Valid {
		t.Fatal("empty graph should not validate")
	}
	if res.Errors[0].Category != IssueEmptyGraph {
		t.Errorf("category = %s", res.Errors[0].Category)
	}
}

func TestAgentNormalizationAutoFix(t *testing.T) {
	g, err := Parse([]byte(`
version: "1"
session:
  name: demo
tasks:
  a:
    name: A
    prompt: p
    type: coding
    agent: claude-cli
`))
	require.NoError(t, err)

	res := Validate(g, nil)
	require.True(t, res.Valid)
	require.Len(t, res.AutoFixed, 1)
	if g.Tasks["a"].Agent != "claude-code" {
		t.Errorf("agent = %s, want claude-code", g.Tasks["a"].Agent)
	}
}

func TestNoBudgetWarningsDoNotBlock(t *testing.T) {
	g := parseChain(t)
	res := Validate(g, nil)
	require.True(t, res.Valid)
	count := 0
	for _, w := range res.Warnings {
		if w.Category == IssueNoBudget {
			count++
		}
	}
	if count != 3 {
		t.Errorf("no_budget warnings = %d, want 3", count)
	}
}

func TestUnknownTopLevelKeyRejected(t *testing.T) {
	_, err := Parse([]byte("version: \"1\"\nsession:\n  name: demo\nbogus: true\n"))
	if err == nil {
		t.Fatal("unknown top-level key should fail parsing")
	}
}

func TestParseJSONDocument(t *testing.T) {
	doc := `{"version": "1", "session": {"name": "demo"},
		"tasks": {"a": {"name": "A", "prompt": "p", "type": "coding"}}}`
	if !IsJSON("graph.json", []byte(doc)) {
		t.Error("extension detection failed")
	}
	if !IsJSON("graph.yaml", []byte("  \n"+doc)) {
		t.Error("leading-brace detection failed")
	}
	g, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.True(t, Validate(g, nil).Valid)
}

func TestTopoSortRespectsEdges(t *testing.T) {
	g, err := Parse([]byte(`
version: "1"
session:
  name: demo
tasks:
  d:
    name: D
    prompt: p
    type: coding
    depends_on: [b, c]
  b:
    name: B
    prompt: p
    type: coding
    depends_on: [a]
  c:
    name: C
    prompt: p
    type: coding
    depends_on: [a]
  a:
    name: A
    prompt: p
    type: coding
`))
	require.NoError(t, err)

	order, err := TopoSort(g)
	require.NoError(t, err)
	require.Len(t, order, 4)

	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	for _, id := range g.Order {
		for _, dep := range g.Tasks[id].DependsOn {
			if pos[dep] >= pos[id] {
				t.Errorf("edge %s -> %s violated in %v", dep, id, order)
			}
		}
	}
	// Tie-break is document order: b appears before c.
	if pos["b"] > pos["c"] {
		t.Errorf("stable tie-break violated: %v", order)
	}
}

func TestRenderRoundTrip(t *testing.T) {
	g := parseChain(t)
	out, err := Render(g)
	require.NoError(t, err)

	g2, err := Parse(out)
	require.NoError(t, err)

	if diff := cmp.Diff(g.Order, g2.Order); diff != "" {
		t.Errorf("task order changed (-want +got):\n%s", diff)
	}
	adj1 := BuildAdjacencyList(g)
	adj2 := BuildAdjacencyList(g2)
	if diff := cmp.Diff(adj1, adj2); diff != "" {
		t.Errorf("adjacency changed (-want +got):\n%s", diff)
	}
	o1, err := TopoSort(g)
	require.NoError(t, err)
	o2, err := TopoSort(g2)
	require.NoError(t, err)
	if diff := cmp.Diff(o1, o2); diff != "" {
		t.Errorf("ordering changed (-want +got):\n%s", diff)
	}
}

func TestSingleNodeIsRootAndLeaf(t *testing.T) {
	g, err := Parse([]byte(`
version: "1"
session:
  name: demo
tasks:
  only:
    name: Only
    prompt: p
    type: coding
`))
	require.NoError(t, err)
	adj := BuildAdjacencyList(g)
	if len(adj.RootTasks) != 1 || len(adj.LeafTasks) != 1 || adj.MaxDepth != 0 {
		t.Errorf("single node adjacency = %+v", adj)
	}
}

func TestSchedulerReadyFrontier(t *testing.T) {
	g := parseChain(t)
	s := NewScheduler(g)

	ready := s.Ready()
	require.Equal(t, []string{"a"}, ready)

	require.NoError(t, s.MarkRunning("a"))
	require.Empty(t, s.Ready())
	require.NoError(t, s.MarkCompleted("a"))
	require.Equal(t, []string{"b"}, s.Ready())
}

func TestSchedulerFailureBlocksDescendants(t *testing.T) {
	g := parseChain(t)
	s := NewScheduler(g)

	require.NoError(t, s.MarkRunning("a"))
	require.NoError(t, s.MarkFailed("a", "boom"))

	for _, id := range []string{"b", "c"} {
		st, _ := s.Status(id)
		if st != TaskBlocked {
			t.Errorf("task %s = %s, want blocked", id, st)
		}
	}
	require.Empty(t, s.Ready())
	require.True(t, s.Done())
}

func TestSchedulerCancelCascades(t *testing.T) {
	g := parseChain(t)
	s := NewScheduler(g)

	require.NoError(t, s.MarkRunning("a"))
	require.NoError(t, s.MarkCancelled("a"))

	for _, id := range []string{"b", "c"} {
		st, _ := s.Status(id)
		if st != TaskCancelled {
			t.Errorf("task %s = %s, want cancelled", id, st)
		}
	}
	require.True(t, s.Done())
}
