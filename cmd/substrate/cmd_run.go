package main

import (
	"fmt"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/johnplanow/substrate-sub007/internal/engine"
	"github.com/johnplanow/substrate-sub007/internal/graph"
	"github.com/johnplanow/substrate-sub007/internal/tui"
)

var withTUI bool

var runCmd = &cobra.Command{
	Use:   "run <graph-file>",
	Short: "Execute a task graph",
	Long: `Parses and validates a task-graph file (YAML or JSON), then runs it:
every task is routed to an agent, dispatched through the worker pool, and
its cost recorded against the task and session budgets.`,
	Args: cobra.ExactArgs(1),
	RunE: runGraph,
}

func init() {
	runCmd.Flags().BoolVar(&withTUI, "tui", false, "show live progress in a terminal UI")
}

func runGraph(cmd *cobra.Command, args []string) error {
	g, err := graph.ParseFile(args[0])
	if err != nil {
		return usageErr(err)
	}

	a, err := newApp(workspace)
	if err != nil {
		return err
	}
	defer a.close()

	if res := graph.Validate(g, a.registry); !res.Valid {
		return usageErr(fmt.Errorf("invalid task graph:\n%s", renderIssues(res)))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var bridge *tui.Bridge
	tuiDone := make(chan struct{})
	if withTUI && !jsonOut {
		bridge = tui.NewBridge()
		if err := a.bus.Attach(bridge); err != nil {
			return runtimeErr(err)
		}
		prog := tea.NewProgram(tui.NewModel(bridge.Events()))
		go func() {
			defer close(tuiDone)
			_, _ = prog.Run()
		}()
	} else {
		close(tuiDone)
	}

	report, err := a.engine.Run(ctx, g)
	if bridge != nil {
		_ = bridge.Shutdown()
		<-tuiDone
	}
	if err != nil {
		return runtimeErr(err)
	}

	data := map[string]interface{}{
		"run_id":         report.RunID,
		"success":        report.Success,
		"paused":         report.Paused,
		"counts":         report.Counts,
		"total_cost_usd": report.TotalCostUSD,
		"errors":         report.Errors,
	}
	if emitErr := emit(cmd, data, renderRunReport(report)); emitErr != nil {
		return runtimeErr(emitErr)
	}
	if !report.Success {
		return runtimeErr(fmt.Errorf("run %s did not complete all tasks", report.RunID))
	}
	return nil
}

func renderRunReport(r *engine.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s finished\n", r.RunID)
	for _, line := range sortedStatusLines(r.Counts) {
		b.WriteString(line + "\n")
	}
	fmt.Fprintf(&b, "total cost: $%.4f", r.TotalCostUSD)
	if r.Paused {
		b.WriteString("\nsession paused: budget exceeded")
	}
	if len(r.Errors) > 0 {
		ids := make([]string, 0, len(r.Errors))
		for id := range r.Errors {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(&b, "\n  %s: %s", id, r.Errors[id])
		}
	}
	return b.String()
}

var validateCmd = &cobra.Command{
	Use:   "validate <graph-file>",
	Short: "Validate a task graph without running it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := graph.ParseFile(args[0])
		if err != nil {
			return usageErr(err)
		}

		_, cfg, err := loadSystem(workspace)
		if err != nil {
			return err
		}
		res := graph.Validate(g, buildRegistry(cfg))

		data := map[string]interface{}{
			"valid":      res.Valid,
			"errors":     res.Errors,
			"warnings":   res.Warnings,
			"auto_fixed": res.AutoFixed,
		}
		if emitErr := emit(cmd, data, renderValidation(res)); emitErr != nil {
			return runtimeErr(emitErr)
		}
		if !res.Valid {
			return usageErr(fmt.Errorf("task graph has %d error(s)", len(res.Errors)))
		}
		return nil
	},
}

func renderValidation(res *graph.ValidationResult) string {
	var b strings.Builder
	if res.Valid {
		b.WriteString("task graph is valid")
	} else {
		b.WriteString("task graph is invalid")
	}
	if len(res.Errors) > 0 {
		b.WriteString("\nerrors:\n")
		b.WriteString(renderIssueList(res.Errors))
	}
	if len(res.Warnings) > 0 {
		b.WriteString("\nwarnings:\n")
		b.WriteString(renderIssueList(res.Warnings))
	}
	for _, fix := range res.AutoFixed {
		b.WriteString("\nauto-fixed: " + fix)
	}
	return b.String()
}

func renderIssues(res *graph.ValidationResult) string {
	return renderIssueList(res.Errors)
}

func renderIssueList(issues []graph.Issue) string {
	lines := make([]string, 0, len(issues))
	for _, is := range issues {
		line := fmt.Sprintf("  [%s] %s: %s", is.Category, is.Field, is.Message)
		if is.Suggestion != "" {
			line += " (" + is.Suggestion + ")"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func sortedStatusLines(counts map[graph.TaskStatus]int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("  %-10s %d", k, counts[graph.TaskStatus(k)]))
	}
	return lines
}
