package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/johnplanow/substrate-sub007/internal/adapter"
	"github.com/johnplanow/substrate-sub007/internal/config"
	"github.com/johnplanow/substrate-sub007/internal/engine"
	"github.com/johnplanow/substrate-sub007/internal/graph"
	"github.com/johnplanow/substrate-sub007/internal/pack"
	"github.com/johnplanow/substrate-sub007/internal/plan"
)

func TestEnvelopeIsSingleLine(t *testing.T) {
	var buf bytes.Buffer
	err := emitEnvelope(&buf, envelope{
		Success: true,
		Data:    map[string]interface{}{"run_id": "r1"},
		Command: "substrate run",
	})
	require.NoError(t, err)

	out := buf.String()
	require.True(t, strings.HasSuffix(out, "\n"))
	require.NotContains(t, strings.TrimSuffix(out, "\n"), "\n")

	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &env))
	require.Equal(t, true, env["success"])
	require.Equal(t, version, env["version"])
	require.Equal(t, "substrate run", env["command"])
	require.NotEmpty(t, env["timestamp"])
	require.NotContains(t, env, "error")
}

func TestEnvelopeErrorOmitsData(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, emitEnvelope(&buf, envelope{
		Success: false,
		Error:   "boom",
		Command: "substrate validate",
	}))

	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &env))
	require.Equal(t, false, env["success"])
	require.Equal(t, "boom", env["error"])
	require.NotContains(t, env, "data")
}

func TestCodedErrorExitCodes(t *testing.T) {
	var coded *codedError

	err := usageErr(errors.New("bad graph"))
	require.True(t, errors.As(err, &coded))
	require.Equal(t, exitUsage, coded.code)

	err = runtimeErr(errors.New("db down"))
	require.True(t, errors.As(err, &coded))
	require.Equal(t, exitRuntime, coded.code)
	require.EqualError(t, err, "db down")
}

func TestIsUsageErrorMatchesCobraFailures(t *testing.T) {
	require.True(t, isUsageError(errors.New(`unknown command "frobnicate" for "substrate"`)))
	require.True(t, isUsageError(errors.New("unknown flag: --frob")))
	require.True(t, isUsageError(errors.New("accepts 1 arg(s), received 0")))
	require.False(t, isUsageError(errors.New("dispatch timed out")))
}

func TestConfigErrClassification(t *testing.T) {
	var coded *codedError

	require.True(t, errors.As(configErr(config.ErrUnknownKey), &coded))
	require.Equal(t, exitUsage, coded.code)

	require.True(t, errors.As(configErr(config.ErrUseDeeperPath), &coded))
	require.Equal(t, exitUsage, coded.code)

	require.True(t, errors.As(configErr(errors.New("disk full")), &coded))
	require.Equal(t, exitRuntime, coded.code)
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"concept=auth service", "depth=3"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"concept": "auth service", "depth": "3"}, params)

	_, err = parseParams([]string{"no-equals"})
	require.ErrorContains(t, err, "malformed --param")

	_, err = parseParams([]string{"=value"})
	require.Error(t, err)

	params, err = parseParams(nil)
	require.NoError(t, err)
	require.Nil(t, params)
}

func TestPhaseStepsMapTaskTypes(t *testing.T) {
	steps := phaseSteps(pack.Phase{Steps: []string{"testing", "docs", "design-review"}})
	require.Len(t, steps, 3)
	require.Equal(t, adapter.TaskTesting, steps[0].TaskType)
	require.Equal(t, adapter.TaskDocs, steps[1].TaskType)
	// Unrecognized step names run as coding tasks.
	require.Equal(t, adapter.TaskCoding, steps[2].TaskType)
	require.Equal(t, "design-review", steps[2].Name)
}

func TestRenderPlanDiff(t *testing.T) {
	out := renderPlanDiff(1, 2, plan.Diff{
		Added:    []string{"deploy"},
		Removed:  []string{"spike"},
		Modified: []string{"build"},
	})
	require.Contains(t, out, "v1 -> v2")
	require.Contains(t, out, "+ deploy")
	require.Contains(t, out, "- spike")
	require.Contains(t, out, "~ build")

	require.Equal(t, "v3 and v4 are structurally identical",
		renderPlanDiff(3, 4, plan.Diff{}))
}

func TestRenderRunReport(t *testing.T) {
	out := renderRunReport(&engine.Report{
		RunID: "r42",
		Counts: map[graph.TaskStatus]int{
			graph.TaskCompleted: 2,
			graph.TaskFailed:    1,
		},
		TotalCostUSD: 0.1234,
		Errors:       map[string]string{"lint": "dispatch failed"},
	})
	require.Contains(t, out, "run r42 finished")
	require.Contains(t, out, "completed  2")
	require.Contains(t, out, "failed     1")
	require.Contains(t, out, "$0.1234")
	require.Contains(t, out, "lint: dispatch failed")
}

func TestBuildRegistrySkipsDisabledProviders(t *testing.T) {
	cfg := config.DefaultConfig()
	p := cfg.Providers["gemini"]
	p.Enabled = false
	cfg.Providers["gemini"] = p

	reg := buildRegistry(cfg)
	require.True(t, reg.Has("claude-code"))
	require.True(t, reg.Has("codex"))
	require.False(t, reg.Has("gemini"))
}

func TestRenderValidation(t *testing.T) {
	res := &graph.ValidationResult{
		Valid: false,
		Errors: []graph.Issue{{
			Category:   graph.IssueCycle,
			Field:      "tasks",
			Message:    "dependency cycle: a → b → a",
			Suggestion: "break the cycle by removing one of the dependencies",
		}},
		Warnings: []graph.Issue{{
			Category: graph.IssueNoBudget,
			Field:    "tasks.a.budget_usd",
			Message:  `task "a" has no budget cap`,
		}},
	}
	out := renderValidation(res)
	require.Contains(t, out, "task graph is invalid")
	require.Contains(t, out, "dependency cycle")
	require.Contains(t, out, "warnings:")
}
