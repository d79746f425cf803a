package pool

import (
	"context"
	"sync"
	"time"

	"github.com/johnplanow/substrate-sub007/internal/adapter"
)

// HandleState is the pool-level lifecycle of one task.
type HandleState string

const (
	HandleQueued    HandleState = "queued"
	HandleRunning   HandleState = "running"
	HandleCompleted HandleState = "completed"
	HandleFailed    HandleState = "failed"
	HandleCancelled HandleState = "cancelled"
)

// Handle tracks one dispatched task. Wait blocks for the result; Cancel is
// idempotent and safe from any goroutine.
type Handle struct {
	TaskID  string
	AgentID string

	mu        sync.Mutex
	state     HandleState
	queuedAt  time.Time
	startedAt time.Time
	result    *adapter.DispatchResult
	err       error

	ctx        context.Context
	cancel     context.CancelFunc
	cancelOnce sync.Once
	doneCh     chan struct{}
}

// Cancel requests termination. Queued tasks resolve cancelled without
// running; running tasks get their context cancelled, which sends SIGTERM
// and then SIGKILL to the agent process.
func (h *Handle) Cancel() {
	h.cancelOnce.Do(h.cancel)
}

// Done is closed once the task has a final result.
func (h *Handle) Done() <-chan struct{} {
	return h.doneCh
}

// Wait blocks until the task resolves or the context expires.
func (h *Handle) Wait(ctx context.Context) (*adapter.DispatchResult, error) {
	select {
	case <-h.doneCh:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// State returns the current lifecycle state.
func (h *Handle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) markRunning() {
	h.mu.Lock()
	if h.state == HandleQueued {
		h.state = HandleRunning
		h.startedAt = time.Now()
	}
	h.mu.Unlock()
}

func (h *Handle) info() WorkerInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return WorkerInfo{
		TaskID:    h.TaskID,
		AgentID:   h.AgentID,
		State:     h.state,
		QueuedAt:  h.queuedAt,
		StartedAt: h.startedAt,
	}
}

func (h *Handle) resolve(res *adapter.DispatchResult, err error) {
	h.mu.Lock()
	h.result = res
	h.err = err
	switch {
	case err != nil:
		h.state = HandleFailed
	case res == nil:
		h.state = HandleFailed
	case res.Status == adapter.DispatchCompleted:
		h.state = HandleCompleted
	case res.Status == adapter.DispatchCancelled:
		h.state = HandleCancelled
	default:
		h.state = HandleFailed
	}
	h.mu.Unlock()
	h.cancel() // release the derived context
	close(h.doneCh)
}

func (h *Handle) resolveCancelled() {
	h.mu.Lock()
	h.state = HandleCancelled
	h.result = &adapter.DispatchResult{
		ID:     h.TaskID,
		Status: adapter.DispatchCancelled,
	}
	h.mu.Unlock()
	h.cancel()
	close(h.doneCh)
}
