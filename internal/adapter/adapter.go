// Package adapter drives external agent CLIs (Claude Code, Codex, Gemini).
// Each adapter exposes the dispatch contract: hand it a prompt, get back a
// DispatchResult with exit status, raw output, parsed JSON when the CLI
// emits it, and a token estimate.
package adapter

import (
	"context"
	"time"
)

// TaskType is the kind of work a task represents.
type TaskType string

const (
	TaskCoding      TaskType = "coding"
	TaskTesting     TaskType = "testing"
	TaskDocs        TaskType = "docs"
	TaskDebugging   TaskType = "debugging"
	TaskRefactoring TaskType = "refactoring"
)

// ValidTaskTypes lists every accepted task type.
var ValidTaskTypes = []TaskType{TaskCoding, TaskTesting, TaskDocs, TaskDebugging, TaskRefactoring}

// IsValidTaskType reports whether t is a known task type.
func IsValidTaskType(t TaskType) bool {
	for _, v := range ValidTaskTypes {
		if t == v {
			return true
		}
	}
	return false
}

// DispatchStatus is the terminal state of one dispatch.
type DispatchStatus string

const (
	DispatchCompleted DispatchStatus = "completed"
	DispatchFailed    DispatchStatus = "failed"
	DispatchTimeout   DispatchStatus = "timeout"
	DispatchCancelled DispatchStatus = "cancelled"
)

// TokenEstimate is the adapter's accounting of tokens consumed.
type TokenEstimate struct {
	Input  int
	Output int
}

// DispatchResult is the outcome of a single agent invocation.
type DispatchResult struct {
	ID            string
	Status        DispatchStatus
	ExitCode      int
	Output        string
	Parsed        map[string]interface{}
	ParseError    string
	DurationMs    int64
	TokenEstimate TokenEstimate
}

// Request is one unit of work handed to an adapter.
type Request struct {
	TaskID   string
	TaskType TaskType
	Prompt   string
	Timeout  time.Duration
}

// Capabilities describes what an adapter can do.
type Capabilities struct {
	TaskTypes     []TaskType
	MaxConcurrent int
}

// Adapter is a driver for one external agent CLI.
type Adapter interface {
	// ID returns the canonical agent id (claude-code, codex, gemini).
	ID() string

	// Dispatch runs one request to completion. It is the only blocking
	// operation; cancellation arrives through ctx.
	Dispatch(ctx context.Context, req Request) DispatchResult

	// HealthCheck reports whether the agent CLI is reachable.
	HealthCheck(ctx context.Context) error

	// Capabilities returns the supported task types and the per-adapter
	// concurrency ceiling.
	Capabilities() Capabilities
}
