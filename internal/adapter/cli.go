package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/johnplanow/substrate-sub007/internal/logging"
)

// DefaultDispatchTimeout bounds one agent invocation.
const DefaultDispatchTimeout = 180 * time.Second

// terminationGrace is how long a subprocess gets between SIGTERM and SIGKILL.
const terminationGrace = 5 * time.Second

// CLIAdapter drives an agent through its command-line binary. One adapter
// instance serves all dispatches to that agent; per-adapter concurrency is
// enforced by the worker pool, not here.
type CLIAdapter struct {
	id            string
	binary        string
	baseArgs      []string
	taskTypes     []TaskType
	maxConcurrent int
}

// CLIOption customizes a CLIAdapter.
type CLIOption func(*CLIAdapter)

// WithBinary overrides the CLI binary path (providers.<id>.cli_path).
func WithBinary(path string) CLIOption {
	return func(a *CLIAdapter) {
		if path != "" {
			a.binary = path
		}
	}
}

// WithMaxConcurrent overrides the per-adapter concurrency ceiling.
func WithMaxConcurrent(n int) CLIOption {
	return func(a *CLIAdapter) {
		if n >= 1 && n <= 32 {
			a.maxConcurrent = n
		}
	}
}

// NewClaudeCode builds the Claude Code adapter.
func NewClaudeCode(opts ...CLIOption) *CLIAdapter {
	return newCLI(AgentClaudeCode, "claude",
		[]string{"--print", "--output-format", "json"},
		[]TaskType{TaskCoding, TaskTesting, TaskDocs, TaskDebugging, TaskRefactoring}, opts)
}

// NewCodex builds the Codex adapter.
func NewCodex(opts ...CLIOption) *CLIAdapter {
	return newCLI(AgentCodex, "codex",
		[]string{"exec", "--json"},
		[]TaskType{TaskCoding, TaskTesting, TaskDebugging, TaskRefactoring}, opts)
}

// NewGemini builds the Gemini adapter.
func NewGemini(opts ...CLIOption) *CLIAdapter {
	return newCLI(AgentGemini, "gemini",
		[]string{"--output-format", "json"},
		[]TaskType{TaskCoding, TaskDocs, TaskDebugging}, opts)
}

func newCLI(id, binary string, baseArgs []string, taskTypes []TaskType, opts []CLIOption) *CLIAdapter {
	a := &CLIAdapter{
		id:            id,
		binary:        binary,
		baseArgs:      baseArgs,
		taskTypes:     taskTypes,
		maxConcurrent: 4,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ID returns the canonical agent id.
func (a *CLIAdapter) ID() string { return a.id }

// Capabilities returns supported task types and the concurrency ceiling.
func (a *CLIAdapter) Capabilities() Capabilities {
	return Capabilities{TaskTypes: a.taskTypes, MaxConcurrent: a.maxConcurrent}
}

// HealthCheck verifies the binary resolves on PATH.
func (a *CLIAdapter) HealthCheck(ctx context.Context) error {
	if _, err := exec.LookPath(a.binary); err != nil {
		return fmt.Errorf("agent binary %s not found: %w", a.binary, err)
	}
	return nil
}

// Dispatch runs the agent CLI to completion. The prompt goes to stdin; the
// process is killed with SIGTERM (SIGKILL after a 5s grace) on deadline or
// cancellation.
func (a *CLIAdapter) Dispatch(ctx context.Context, req Request) DispatchResult {
	log := logging.Get(logging.CategoryAdapter)
	start := time.Now()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, a.binary, a.baseArgs...)
	cmd.Stdin = strings.NewReader(req.Prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = terminationGrace

	log.Debug("Dispatching %s for task %s (prompt=%d bytes, timeout=%v)",
		a.id, req.TaskID, len(req.Prompt), timeout)

	err := cmd.Run()
	elapsed := time.Since(start)

	res := DispatchResult{
		ID:         req.TaskID,
		Output:     stdout.String(),
		DurationMs: elapsed.Milliseconds(),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.Status = DispatchTimeout
	case ctx.Err() != nil:
		res.Status = DispatchCancelled
	case err != nil:
		res.Status = DispatchFailed
		if res.Output == "" {
			res.Output = stderr.String()
		}
	default:
		res.Status = DispatchCompleted
	}

	res.Parsed, res.ParseError = parseAgentOutput(res.Output)
	res.TokenEstimate = estimateTokens(req.Prompt, res.Output, res.Parsed)

	log.Debug("Dispatch %s/%s finished: status=%s exit=%d in %v",
		a.id, req.TaskID, res.Status, res.ExitCode, elapsed)
	return res
}

// parseAgentOutput extracts the last JSON object from the CLI output. Agent
// CLIs print a single JSON document in json mode, but some prepend banner
// lines; scanning from the first brace keeps those tolerable.
func parseAgentOutput(output string) (map[string]interface{}, string) {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return nil, "empty output"
	}
	idx := strings.IndexByte(trimmed, '{')
	if idx < 0 {
		return nil, "no JSON object in output"
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed[idx:]), &parsed); err != nil {
		return nil, fmt.Sprintf("invalid JSON: %v", err)
	}
	return parsed, ""
}

// estimateTokens prefers CLI-reported usage and falls back to the chars/4
// heuristic.
func estimateTokens(prompt, output string, parsed map[string]interface{}) TokenEstimate {
	if usage, ok := parsed["usage"].(map[string]interface{}); ok {
		in, inOK := usage["input_tokens"].(float64)
		out, outOK := usage["output_tokens"].(float64)
		if inOK && outOK {
			return TokenEstimate{Input: int(in), Output: int(out)}
		}
	}
	return TokenEstimate{
		Input:  len(prompt) / 4,
		Output: len(output) / 4,
	}
}
