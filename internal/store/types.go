package store

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunPaused    RunStatus = "paused"
)

// PipelineRun is a single execution of a methodology against a concept.
// ParentRunID, when set, references a completed run being amended.
type PipelineRun struct {
	ID             string
	Methodology    string
	CurrentPhase   string
	Status         RunStatus
	ConfigJSON     string
	TokenUsageJSON string
	ParentRunID    string
	CreatedAt      string
	UpdatedAt      string
}

// AmendmentEntry is one link in a run's amendment chain, root-first.
type AmendmentEntry struct {
	Run   PipelineRun
	Depth int
}

// Decision is a named (category, key, value) record for a pipeline run.
// A decision with a non-empty SupersededBy is inactive.
type Decision struct {
	ID            string
	PipelineRunID string
	Phase         string
	Category      string
	Key           string
	Value         string
	Rationale     string
	SupersededBy  string
	CreatedAt     string
	UpdatedAt     string
}

// Artifact is an addressable phase output. Path may be an opaque URI such
// as decision-store://run-id/brief.
type Artifact struct {
	ID            string
	PipelineRunID string
	Phase         string
	Type          string
	Path          string
	ContentHash   string
	Summary       string
	CreatedAt     string
}

// RequirementStatus is the lifecycle state of a requirement.
type RequirementStatus string

const (
	RequirementActive    RequirementStatus = "active"
	RequirementSatisfied RequirementStatus = "satisfied"
	RequirementDropped   RequirementStatus = "dropped"
)

// Requirement is a tracked obligation sourced from analysis or the user.
type Requirement struct {
	ID            string
	PipelineRunID string
	Source        string
	Type          string
	Description   string
	Priority      string
	Status        RequirementStatus
	CreatedAt     string
}

// Constraint is a recorded limitation on the solution space.
type Constraint struct {
	ID            string
	PipelineRunID string
	Category      string
	Description   string
	Source        string
	CreatedAt     string
}

// TokenUsage is one recorded agent invocation's token and cost accounting.
type TokenUsage struct {
	PipelineRunID string
	Phase         string
	Agent         string
	InputTokens   int
	OutputTokens  int
	CostUSD       float64
	Metadata      string
	CreatedAt     string
}

// TokenUsageSummary is the (phase, agent) aggregate over a run.
type TokenUsageSummary struct {
	Phase        string
	Agent        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// TaskResult is the persisted state of one graph task within a run. A row is
// upserted on every state change, so it always carries the latest status and
// failure reason.
type TaskResult struct {
	PipelineRunID string
	TaskID        string
	Agent         string
	Status        string
	Error         string
	CreatedAt     string
	UpdatedAt     string
}

// PlanVersion is one stored revision of a plan's task graph.
type PlanVersion struct {
	PlanID          string
	Version         int
	TaskGraphYAML   string
	FeedbackUsed    string
	PlanningCostUSD float64
	CreatedAt       string
}
