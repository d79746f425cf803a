package bus

import "time"

// Topic identifies an event stream on the bus.
type Topic string

const (
	// TopicCostRecorded fires after any cost is attributed to a task.
	TopicCostRecorded Topic = "cost:recorded"

	// TopicTaskRouted fires when the routing engine assigns an agent.
	TopicTaskRouted Topic = "task:routed"

	// TopicTaskBudgetExceeded orders the pool to kill one task's worker.
	TopicTaskBudgetExceeded Topic = "budget:exceeded:task"

	// TopicSessionBudgetExceeded orders the pool to kill every worker and
	// pause the session.
	TopicSessionBudgetExceeded Topic = "session:budget:exceeded"

	// TopicBudgetWarning fires once per task when usage crosses the
	// configured warning threshold.
	TopicBudgetWarning Topic = "budget:warning"

	// TopicConfigReloaded fires after a successful config hot reload.
	TopicConfigReloaded Topic = "config:reloaded"

	// TopicTaskStateChanged carries scheduler state transitions for the TUI.
	TopicTaskStateChanged Topic = "task:state"

	// TopicTaskReady hands a ready task from the scheduler to the pool.
	TopicTaskReady Topic = "task:ready"

	// TopicLogLine carries human-readable progress lines for the TUI panel.
	TopicLogLine Topic = "log:line"
)

// Event is a single published record. Payload is one of the typed payload
// structs below, keyed by Topic.
type Event struct {
	Topic   Topic
	At      time.Time
	Payload interface{}
}

// CostRecorded is the payload for TopicCostRecorded.
type CostRecorded struct {
	TaskID       string
	SessionID    string
	Phase        string
	Agent        string
	CostUSD      float64
	InputTokens  int
	OutputTokens int
}

// TaskRouted is the payload for TopicTaskRouted.
type TaskRouted struct {
	TaskID    string
	SessionID string
	Agent     string
	BudgetUSD *float64
}

// TaskBudgetExceeded is the payload for TopicTaskBudgetExceeded.
type TaskBudgetExceeded struct {
	TaskID     string
	LimitUSD   float64
	CurrentUSD float64
}

// SessionBudgetExceeded is the payload for TopicSessionBudgetExceeded.
type SessionBudgetExceeded struct {
	SessionID  string
	LimitUSD   float64
	CurrentUSD float64
}

// BudgetWarning is the payload for TopicBudgetWarning.
type BudgetWarning struct {
	TaskID         string
	PercentageUsed float64
}

// ConfigReloaded is the payload for TopicConfigReloaded.
type ConfigReloaded struct {
	ChangedKeys []string
}

// TaskStateChanged is the payload for TopicTaskStateChanged.
type TaskStateChanged struct {
	TaskID string
	Status string
	Error  string
}

// TaskReady is the payload for TopicTaskReady.
type TaskReady struct {
	TaskID string
}

// LogLine is the payload for TopicLogLine.
type LogLine struct {
	Level   string
	Message string
}
