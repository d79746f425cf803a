package graph

import (
	"fmt"
	"sync"

	"github.com/johnplanow/substrate-sub007/internal/logging"
)

// TaskStatus is the scheduler-visible state of one task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskBlocked   TaskStatus = "blocked"
	TaskCancelled TaskStatus = "cancelled"
)

// Scheduler owns the ready frontier of a validated graph. It never runs
// tasks itself; the pipeline engine pulls from Ready and feeds results back.
type Scheduler struct {
	mu       sync.Mutex
	graph    *TaskGraph
	adj      *Adjacency
	statuses map[string]TaskStatus
	errs     map[string]string
}

// NewScheduler builds a scheduler over a graph that already passed
// validation.
func NewScheduler(g *TaskGraph) *Scheduler {
	statuses := make(map[string]TaskStatus, len(g.Tasks))
	for _, id := range g.Order {
		statuses[id] = TaskPending
	}
	return &Scheduler{
		graph:    g,
		adj:      BuildAdjacencyList(g),
		statuses: statuses,
		errs:     make(map[string]string),
	}
}

// Ready returns pending tasks whose every dependency is completed, in
// document order.
func (s *Scheduler) Ready() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []string
	for _, id := range s.graph.Order {
		if s.statuses[id] != TaskPending {
			continue
		}
		ok := true
		for _, dep := range s.graph.Tasks[id].DependsOn {
			if s.statuses[dep] != TaskCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// MarkRunning transitions a pending task to running.
func (s *Scheduler) MarkRunning(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(id, TaskPending, TaskRunning, "")
}

// MarkCompleted transitions a running task to completed.
func (s *Scheduler) MarkCompleted(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(id, TaskRunning, TaskCompleted, "")
}

// MarkFailed fails a task and blocks every transitive dependent. Blocked
// tasks are never scheduled.
func (s *Scheduler) MarkFailed(id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(id, s.statuses[id], TaskFailed, errMsg); err != nil {
		return err
	}
	s.cascadeLocked(id, TaskBlocked, fmt.Sprintf("dependency %s failed", id))
	return nil
}

// MarkCancelled cancels a task and cancels every transitive dependent.
func (s *Scheduler) MarkCancelled(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(id, s.statuses[id], TaskCancelled, ""); err != nil {
		return err
	}
	s.cascadeLocked(id, TaskCancelled, fmt.Sprintf("ancestor %s cancelled", id))
	return nil
}

func (s *Scheduler) transitionLocked(id string, from, to TaskStatus, errMsg string) error {
	cur, ok := s.statuses[id]
	if !ok {
		return fmt.Errorf("unknown task %q", id)
	}
	if cur != from {
		return fmt.Errorf("task %q is %s, cannot transition %s -> %s", id, cur, from, to)
	}
	s.statuses[id] = to
	if errMsg != "" {
		s.errs[id] = errMsg
	}
	logging.Get(logging.CategoryGraph).Debug("Task %s: %s -> %s", id, cur, to)
	return nil
}

// cascadeLocked pushes a terminal status onto every still-schedulable
// transitive dependent of id.
func (s *Scheduler) cascadeLocked(id string, status TaskStatus, reason string) {
	queue := append([]string{}, s.adj.Dependents[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if cur := s.statuses[next]; cur == TaskPending || cur == TaskBlocked {
			if cur != status {
				s.statuses[next] = status
				s.errs[next] = reason
				logging.Get(logging.CategoryGraph).Debug("Task %s: %s -> %s (%s)",
					next, cur, status, reason)
			}
			queue = append(queue, s.adj.Dependents[next]...)
		}
	}
}

// Status returns one task's current status.
func (s *Scheduler) Status(id string) (TaskStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[id]
	return st, ok
}

// Err returns the recorded failure or block reason for a task.
func (s *Scheduler) Err(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs[id]
}

// Done reports whether no task can make further progress.
func (s *Scheduler) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.graph.Order {
		switch s.statuses[id] {
		case TaskPending:
			// Still pending: done only if it can never become ready.
			if s.canEventuallyRunLocked(id) {
				return false
			}
		case TaskRunning:
			return false
		}
	}
	return true
}

func (s *Scheduler) canEventuallyRunLocked(id string) bool {
	for _, dep := range s.graph.Tasks[id].DependsOn {
		switch s.statuses[dep] {
		case TaskFailed, TaskBlocked, TaskCancelled:
			return false
		case TaskPending:
			if !s.canEventuallyRunLocked(dep) {
				return false
			}
		}
	}
	return true
}

// Counts returns the number of tasks per status.
func (s *Scheduler) Counts() map[TaskStatus]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[TaskStatus]int)
	for _, st := range s.statuses {
		out[st]++
	}
	return out
}
