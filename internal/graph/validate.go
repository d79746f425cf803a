package graph

import (
	"fmt"
	"strings"

	"github.com/johnplanow/substrate-sub007/internal/adapter"
	"github.com/johnplanow/substrate-sub007/internal/logging"
)

// Validate runs the full validation pipeline over a parsed graph. Errors
// accumulate; the pipeline never stops early once the schema pass is done.
// The registry is optional; when present, unknown agents produce
// agent_unavailable warnings (warnings never block validity).
func Validate(g *TaskGraph, registry *adapter.Registry) *ValidationResult {
	res := &ValidationResult{}

	checkSchema(g, res)
	normalizeAgents(g, res)

	if len(g.Tasks) == 0 {
		res.Errors = append(res.Errors, Issue{
			Category:   IssueEmptyGraph,
			Field:      "tasks",
			Message:    "task graph contains no tasks",
			Suggestion: "add at least one task under tasks:",
		})
	}

	checkDanglingRefs(g, res)
	checkCycles(g, res)

	if registry != nil {
		checkAgentAvailability(g, registry, res)
	}
	checkBudgets(g, res)

	res.Valid = len(res.Errors) == 0
	logging.Get(logging.CategoryGraph).Debug(
		"Validated graph %q: valid=%v errors=%d warnings=%d autofixed=%d",
		g.Session.Name, res.Valid, len(res.Errors), len(res.Warnings), len(res.AutoFixed))
	return res
}

func checkSchema(g *TaskGraph, res *ValidationResult) {
	if g.Session.Name == "" {
		res.Errors = append(res.Errors, Issue{
			Category:   IssueSchema,
			Field:      "session.name",
			Message:    "session name is required",
			Suggestion: "set session.name to a non-empty string",
		})
	}
	if g.Session.BudgetUSD != nil && *g.Session.BudgetUSD < 0 {
		res.Errors = append(res.Errors, Issue{
			Category: IssueSchema,
			Field:    "session.budget_usd",
			Message:  "session budget must be non-negative",
		})
	}
	for _, id := range g.Order {
		task := g.Tasks[id]
		field := func(sub string) string { return fmt.Sprintf("tasks.%s.%s", id, sub) }
		if task.Name == "" {
			res.Errors = append(res.Errors, Issue{
				Category: IssueSchema,
				Field:    field("name"),
				Message:  "task name is required",
			})
		}
		if task.Prompt == "" {
			res.Errors = append(res.Errors, Issue{
				Category: IssueSchema,
				Field:    field("prompt"),
				Message:  "task prompt is required",
			})
		}
		if !adapter.IsValidTaskType(task.Type) {
			res.Errors = append(res.Errors, Issue{
				Category:   IssueSchema,
				Field:      field("type"),
				Message:    fmt.Sprintf("invalid task type %q", task.Type),
				Suggestion: "use one of: coding, testing, docs, debugging, refactoring",
			})
		}
		if task.BudgetUSD != nil && *task.BudgetUSD < 0 {
			res.Errors = append(res.Errors, Issue{
				Category: IssueSchema,
				Field:    field("budget_usd"),
				Message:  "task budget must be non-negative",
			})
		}
	}
}

// normalizeAgents rewrites known agent aliases to canonical ids and records
// each substitution in AutoFixed.
func normalizeAgents(g *TaskGraph, res *ValidationResult) {
	for _, id := range g.Order {
		task := g.Tasks[id]
		if task.Agent == "" {
			continue
		}
		canonical, changed := adapter.Normalize(task.Agent)
		if changed {
			res.AutoFixed = append(res.AutoFixed,
				fmt.Sprintf("tasks.%s.agent: %s -> %s", id, task.Agent, canonical))
			task.Agent = canonical
		}
	}
}

func checkDanglingRefs(g *TaskGraph, res *ValidationResult) {
	for _, id := range g.Order {
		for _, dep := range g.Tasks[id].DependsOn {
			if _, ok := g.Tasks[dep]; !ok {
				res.Errors = append(res.Errors, Issue{
					Category:   IssueDanglingRef,
					Field:      fmt.Sprintf("tasks.%s.depends_on", id),
					Message:    fmt.Sprintf("task %q depends on unknown task %q", id, dep),
					Suggestion: fmt.Sprintf("define task %q or remove the dependency", dep),
				})
			}
		}
	}
}

// Colors for the iterative DFS cycle scan.
const (
	colorWhite = iota // unvisited
	colorGray         // on the current DFS path
	colorBlack        // fully explored
)

// checkCycles finds one cycle via iterative three-color DFS and reports it
// with the full path a -> b -> ... -> a.
func checkCycles(g *TaskGraph, res *ValidationResult) {
	color := make(map[string]int, len(g.Tasks))

	type frame struct {
		id   string
		next int
	}

	for _, start := range g.Order {
		if color[start] != colorWhite {
			continue
		}
		stack := []frame{{id: start}}
		path := []string{}

		for len(stack) > 0 {
			f := &stack[len(stack)-1]
			if f.next == 0 {
				color[f.id] = colorGray
				path = append(path, f.id)
			}

			deps := g.Tasks[f.id].DependsOn
			advanced := false
			for f.next < len(deps) {
				dep := deps[f.next]
				f.next++
				if _, ok := g.Tasks[dep]; !ok {
					continue // dangling refs are reported separately
				}
				switch color[dep] {
				case colorWhite:
					stack = append(stack, frame{id: dep})
					advanced = true
				case colorGray:
					// Back edge: reconstruct the cycle from the path.
					cycleStart := 0
					for i, p := range path {
						if p == dep {
							cycleStart = i
							break
						}
					}
					cycle := append(append([]string{}, path[cycleStart:]...), dep)
					res.Errors = append(res.Errors, Issue{
						Category:   IssueCycle,
						Field:      "tasks",
						Message:    fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " → ")),
						Suggestion: "break the cycle by removing one of the dependencies",
					})
					return
				}
				if advanced {
					break
				}
			}
			if !advanced {
				color[f.id] = colorBlack
				path = path[:len(path)-1]
				stack = stack[:len(stack)-1]
			}
		}
	}
}

func checkAgentAvailability(g *TaskGraph, registry *adapter.Registry, res *ValidationResult) {
	for _, id := range g.Order {
		agent := g.Tasks[id].Agent
		if agent == "" {
			continue
		}
		if !registry.Has(agent) {
			res.Warnings = append(res.Warnings, Issue{
				Category:   IssueAgentUnavailable,
				Field:      fmt.Sprintf("tasks.%s.agent", id),
				Message:    fmt.Sprintf("agent %q is not registered", agent),
				Suggestion: "enable the provider in config or drop the agent pin",
			})
		}
	}
}

func checkBudgets(g *TaskGraph, res *ValidationResult) {
	for _, id := range g.Order {
		if g.Tasks[id].BudgetUSD == nil {
			res.Warnings = append(res.Warnings, Issue{
				Category:   IssueNoBudget,
				Field:      fmt.Sprintf("tasks.%s.budget_usd", id),
				Message:    fmt.Sprintf("task %q has no budget cap", id),
				Suggestion: "set budget_usd or rely on budget.default_task_budget_usd",
			})
		}
	}
}
