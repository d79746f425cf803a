package runner

import (
	"encoding/json"

	"github.com/johnplanow/substrate-sub007/internal/adapter"
)

// ContextRef names one prompt variable and where its value comes from.
// Source is one of "param:<key>", "decision:<phase>.<category>", or
// "step:<priorStepName>".
type ContextRef struct {
	Placeholder string
	Source      string
}

// PersistRule maps one field of a step's parsed output to a decision. A Key
// of "array" persists each element under "<stepName>-<index>".
type PersistRule struct {
	Field    string
	Category string
	Key      string
}

// ArtifactRule registers one artifact from a step's parsed output.
type ArtifactRule struct {
	Type      string
	Path      string
	Summarize func(parsed map[string]interface{}) string
}

// StepDefinition is one unit of a methodology phase.
type StepDefinition struct {
	Name             string
	TaskType         adapter.TaskType
	Agent            string // optional explicit agent
	OutputSchema     json.RawMessage
	Context          []ContextRef
	Persist          []PersistRule
	RegisterArtifact *ArtifactRule
	BaseTokenBudget  int // 0 means DefaultBasePromptTokens
}

// StepStatus is the outcome of one step.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult is the record of one executed (or skipped) step.
type StepResult struct {
	Step         string
	Status       StepStatus
	Agent        string
	Error        string
	Parsed       map[string]interface{}
	InputTokens  int
	OutputTokens int
	DurationMs   int64
}

// TokenTotals is the phase-level token aggregate.
type TokenTotals struct {
	Input  int
	Output int
}

// PhaseResult is what RunPhase returns.
type PhaseResult struct {
	Success    bool
	Steps      []StepResult
	TokenUsage TokenTotals
	Error      string
}
