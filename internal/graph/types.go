// Package graph implements the task-graph engine: parsing, validation,
// adjacency analysis, topological ordering, and ready-frontier scheduling
// for the DAGs that drive pipeline execution.
package graph

import (
	"github.com/johnplanow/substrate-sub007/internal/adapter"
)

// Session holds the graph-level execution settings.
type Session struct {
	Name      string   `yaml:"name"`
	BudgetUSD *float64 `yaml:"budget_usd,omitempty"`
}

// TaskNode is one task in the graph.
type TaskNode struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description,omitempty"`
	Prompt      string           `yaml:"prompt"`
	Type        adapter.TaskType `yaml:"type"`
	DependsOn   []string         `yaml:"depends_on,omitempty"`
	Agent       string           `yaml:"agent,omitempty"`
	BudgetUSD   *float64         `yaml:"budget_usd,omitempty"`
}

// TaskGraph is a parsed task-graph document. Order preserves the document
// order of task ids; it is the tie-break for topological sorting.
type TaskGraph struct {
	Version string
	Session Session
	Tasks   map[string]*TaskNode
	Order   []string
}

// TaskIDs returns the task ids in document order.
func (g *TaskGraph) TaskIDs() []string {
	out := make([]string, len(g.Order))
	copy(out, g.Order)
	return out
}

// IssueCategory classifies a validation finding.
type IssueCategory string

const (
	IssueSchema           IssueCategory = "schema"
	IssueCycle            IssueCategory = "cycle"
	IssueDanglingRef      IssueCategory = "dangling_ref"
	IssueEmptyGraph       IssueCategory = "empty_graph"
	IssueNoBudget         IssueCategory = "no_budget"
	IssueAgentUnavailable IssueCategory = "agent_unavailable"
)

// Issue is one validation error or warning.
type Issue struct {
	Category   IssueCategory
	Field      string
	Message    string
	Suggestion string
}

// ValidationResult accumulates every finding for a graph. Warnings never
// affect Valid.
type ValidationResult struct {
	Valid     bool
	Errors    []Issue
	Warnings  []Issue
	AutoFixed []string
}

// Adjacency is the derived shape of a graph.
type Adjacency struct {
	RootTasks  []string
	LeafTasks  []string
	Dependents map[string][]string
	MaxDepth   int
}
