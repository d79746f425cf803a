package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/johnplanow/substrate-sub007/internal/adapter"
	"github.com/johnplanow/substrate-sub007/internal/pack"
	"github.com/johnplanow/substrate-sub007/internal/runner"
)

var (
	phasePack   string
	phaseRunID  string
	phaseParams []string
)

var phaseCmd = &cobra.Command{
	Use:   "phase",
	Short: "Run methodology-pack phases",
}

var phaseRunCmd = &cobra.Command{
	Use:   "run <phase>",
	Short: "Execute one phase of a methodology pack",
	Long: `Runs the named phase from a pack installed under
.substrate/packs/<name>/. Each step renders the pack's prompt template for
its task type, dispatches it to a routed agent, validates the structured
output, and persists decisions to the store.`,
	Args: cobra.ExactArgs(1),
	RunE: runPhase,
}

func init() {
	phaseRunCmd.Flags().StringVar(&phasePack, "pack", "", "methodology pack name (required)")
	phaseRunCmd.Flags().StringVar(&phaseRunID, "run-id", "", "existing pipeline run to attach to")
	phaseRunCmd.Flags().StringArrayVar(&phaseParams, "param", nil,
		"phase parameter as key=value (repeatable)")
	_ = phaseRunCmd.MarkFlagRequired("pack")

	phaseCmd.AddCommand(phaseRunCmd)
}

func runPhase(cmd *cobra.Command, args []string) error {
	phaseName := args[0]

	p, err := pack.Find(workspace, phasePack)
	if err != nil {
		return usageErr(err)
	}
	phase, ok := p.Phase(phaseName)
	if !ok {
		return usageErr(fmt.Errorf("pack %s has no phase %q", phasePack, phaseName))
	}
	if len(phase.Steps) == 0 {
		return usageErr(fmt.Errorf("phase %q declares no steps", phaseName))
	}

	params, err := parseParams(phaseParams)
	if err != nil {
		return usageErr(err)
	}

	a, err := newApp(workspace)
	if err != nil {
		return err
	}
	defer a.close()

	runID := phaseRunID
	if runID == "" {
		run, err := a.store.CreatePipelineRun(p.Manifest.Name, "{}", "")
		if err != nil {
			return runtimeErr(err)
		}
		runID = run.ID
	}
	if err := a.store.UpdateRunPhase(runID, phaseName); err != nil {
		return runtimeErr(err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := runner.New(a.store, p, a.pool, a.router)
	result := r.RunPhase(ctx, runID, phaseName, phaseSteps(phase), params)

	data := map[string]interface{}{
		"run_id":      runID,
		"phase":       phaseName,
		"success":     result.Success,
		"steps":       result.Steps,
		"token_usage": result.TokenUsage,
		"error":       result.Error,
	}
	if emitErr := emit(cmd, data, renderPhaseResult(runID, phaseName, result)); emitErr != nil {
		return runtimeErr(emitErr)
	}
	if !result.Success {
		return runtimeErr(fmt.Errorf("phase %s failed: %s", phaseName, result.Error))
	}
	return nil
}

// phaseSteps maps a pack phase's declared steps onto runner step
// definitions. A step named after a task type runs as that type; anything
// else defaults to coding.
func phaseSteps(phase pack.Phase) []runner.StepDefinition {
	steps := make([]runner.StepDefinition, 0, len(phase.Steps))
	for _, name := range phase.Steps {
		taskType := adapter.TaskType(name)
		if !adapter.IsValidTaskType(taskType) {
			taskType = adapter.TaskCoding
		}
		steps = append(steps, runner.StepDefinition{Name: name, TaskType: taskType})
	}
	return steps
}

func parseParams(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(raw))
	for _, kv := range raw {
		key, value, found := strings.Cut(kv, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("malformed --param %q, want key=value", kv)
		}
		params[key] = value
	}
	return params, nil
}

func renderPhaseResult(runID, phase string, res runner.PhaseResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "phase %s on run %s\n", phase, runID)
	for _, step := range res.Steps {
		line := fmt.Sprintf("  %-20s %s", step.Step, step.Status)
		if step.Error != "" {
			line += " (" + step.Error + ")"
		}
		b.WriteString(line + "\n")
	}
	fmt.Fprintf(&b, "tokens: %d in / %d out", res.TokenUsage.Input, res.TokenUsage.Output)
	return b.String()
}
