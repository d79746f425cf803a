package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/johnplanow/substrate-sub007/internal/plan"
	"github.com/johnplanow/substrate-sub007/internal/store"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Inspect stored plan versions",
}

var planHistoryCmd = &cobra.Command{
	Use:   "history <plan-id>",
	Short: "List all versions of a plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		versions, err := st.ListPlanVersions(args[0])
		if err != nil {
			return runtimeErr(err)
		}
		if len(versions) == 0 {
			return usageErr(fmt.Errorf("no versions stored for plan %q", args[0]))
		}
		return emit(cmd,
			map[string]interface{}{"plan_id": args[0], "versions": versions},
			renderPlanHistory(versions))
	},
}

var planDiffCmd = &cobra.Command{
	Use:   "diff <plan-id> <version-a> <version-b>",
	Short: "Show the task-level diff between two plan versions",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		va, err := plan.ParseVersion(args[1])
		if err != nil {
			return usageErr(err)
		}
		vb, err := plan.ParseVersion(args[2])
		if err != nil {
			return usageErr(err)
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		oldVer, err := st.GetPlanVersion(args[0], va)
		if err != nil {
			return runtimeErr(err)
		}
		newVer, err := st.GetPlanVersion(args[0], vb)
		if err != nil {
			return runtimeErr(err)
		}

		diff, err := plan.ComputePlanDiff(
			[]byte(oldVer.TaskGraphYAML), []byte(newVer.TaskGraphYAML))
		if err != nil {
			return runtimeErr(err)
		}
		return emit(cmd,
			map[string]interface{}{
				"plan_id":  args[0],
				"from":     va,
				"to":       vb,
				"added":    diff.Added,
				"removed":  diff.Removed,
				"modified": diff.Modified,
			},
			renderPlanDiff(va, vb, diff))
	},
}

func renderPlanHistory(versions []store.PlanVersion) string {
	var b strings.Builder
	for i, v := range versions {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "v%-3d %s  planning cost $%.4f", v.Version, v.CreatedAt, v.PlanningCostUSD)
		if v.FeedbackUsed != "" {
			b.WriteString("  (revised from feedback)")
		}
	}
	return b.String()
}

func renderPlanDiff(from, to int, d plan.Diff) string {
	if d.Empty() {
		return fmt.Sprintf("v%d and v%d are structurally identical", from, to)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "v%d -> v%d", from, to)
	for _, id := range d.Added {
		b.WriteString("\n  + " + id)
	}
	for _, id := range d.Removed {
		b.WriteString("\n  - " + id)
	}
	for _, id := range d.Modified {
		b.WriteString("\n  ~ " + id)
	}
	return b.String()
}
