// Package pool runs agent dispatches under the configured concurrency
// limits. A global slot count bounds the whole pool and each adapter has its
// own smaller limit, so one saturated provider cannot starve the rest.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/johnplanow/substrate-sub007/internal/adapter"
	"github.com/johnplanow/substrate-sub007/internal/logging"
)

// Priority orders admission. High-priority tasks always admit before normal
// ones; within a priority the queue is FIFO.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// Task is one unit of work for an agent CLI.
type Task struct {
	ID       string
	Type     adapter.TaskType
	Prompt   string
	AgentID  string
	Priority Priority
	Timeout  time.Duration
}

// ErrPoolClosed is returned by Dispatch after Shutdown.
var ErrPoolClosed = errors.New("worker pool is shut down")

// ErrUnknownAgent means the task named an adapter the registry does not have.
var ErrUnknownAgent = errors.New("unknown agent")

type request struct {
	task   Task
	handle *Handle
}

// WorkerPool admits queued tasks into bounded worker slots and dispatches
// them through the adapter registry.
type WorkerPool struct {
	mu        sync.Mutex
	registry  *adapter.Registry
	global    *semaphore.Weighted
	perAgent  map[string]*semaphore.Weighted
	high      []*request
	normal    []*request
	active    map[string]*Handle
	wake      chan struct{}
	closed    bool
	done      chan struct{}
	workersWG sync.WaitGroup
}

// Limits carries the concurrency bounds from config.
type Limits struct {
	Global   int
	PerAgent map[string]int
}

// New creates a pool and starts its admission loop.
func New(registry *adapter.Registry, limits Limits) *WorkerPool {
	if limits.Global < 1 {
		limits.Global = 1
	}
	p := &WorkerPool{
		registry: registry,
		global:   semaphore.NewWeighted(int64(limits.Global)),
		perAgent: make(map[string]*semaphore.Weighted, len(limits.PerAgent)),
		active:   make(map[string]*Handle),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for id, n := range limits.PerAgent {
		if n < 1 {
			n = 1
		}
		p.perAgent[id] = semaphore.NewWeighted(int64(n))
	}
	go p.admitLoop()
	return p
}

// Dispatch queues a task and returns its handle. The handle's context covers
// both queue time and execution; cancelling a queued task resolves it as
// cancelled without ever starting.
func (p *WorkerPool) Dispatch(ctx context.Context, task Task) (*Handle, error) {
	if task.ID == "" {
		return nil, fmt.Errorf("task id is required")
	}
	if !adapter.IsKnown(task.AgentID) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, task.AgentID)
	}
	task.AgentID, _ = adapter.Normalize(task.AgentID)
	if !p.registry.Has(task.AgentID) {
		return nil, fmt.Errorf("%w: %q not registered", ErrUnknownAgent, task.AgentID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		TaskID:   task.ID,
		AgentID:  task.AgentID,
		state:    HandleQueued,
		queuedAt: time.Now(),
		cancel:   cancel,
		doneCh:   make(chan struct{}),
		ctx:      runCtx,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return nil, ErrPoolClosed
	}
	req := &request{task: task, handle: h}
	if task.Priority == PriorityHigh {
		p.high = append(p.high, req)
	} else {
		p.normal = append(p.normal, req)
	}
	p.active[task.ID] = h
	p.mu.Unlock()

	logging.Pool("Task %s queued for %s (priority=%d)", task.ID, task.AgentID, task.Priority)
	p.signal()
	return h, nil
}

// Cancel cancels one task by id, queued or running. Unknown ids are a no-op.
func (p *WorkerPool) Cancel(taskID string) {
	p.mu.Lock()
	h := p.active[taskID]
	p.mu.Unlock()
	if h != nil {
		h.Cancel()
		p.signal()
	}
}

// CancelAll cancels every queued and running task.
func (p *WorkerPool) CancelAll() {
	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.active))
	for _, h := range p.active {
		handles = append(handles, h)
	}
	p.mu.Unlock()
	for _, h := range handles {
		h.Cancel()
	}
	p.signal()
}

// WorkerInfo is a point-in-time view of one admitted or queued task.
type WorkerInfo struct {
	TaskID    string
	AgentID   string
	State     HandleState
	QueuedAt  time.Time
	StartedAt time.Time
}

// ActiveWorkers snapshots all tasks the pool currently owns.
func (p *WorkerPool) ActiveWorkers() []WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerInfo, 0, len(p.active))
	for _, h := range p.active {
		out = append(out, h.info())
	}
	return out
}

// Shutdown stops admission, cancels everything, and waits for workers to
// finish or the context to expire.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	queued := append(append([]*request{}, p.high...), p.normal...)
	p.high, p.normal = nil, nil
	p.mu.Unlock()

	for _, req := range queued {
		req.handle.resolveCancelled()
		p.forget(req.task.ID)
	}
	p.CancelAll()

	finished := make(chan struct{})
	go func() {
		p.workersWG.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *WorkerPool) admitLoop() {
	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
		}
		for {
			req := p.nextRunnable()
			if req == nil {
				break
			}
			if req.handle.ctx.Err() != nil {
				// Cancelled while queued; never consumes a slot.
				p.releaseSlots(req.task.AgentID)
				req.handle.resolveCancelled()
				p.forget(req.task.ID)
				continue
			}
			p.workersWG.Add(1)
			go p.execute(req)
		}
	}
}

// nextRunnable pops the first queued request that can hold both a global and
// a per-agent slot, high priority first. Requests for saturated agents are
// skipped so they do not block the rest of the queue.
func (p *WorkerPool) nextRunnable() *request {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if !p.global.TryAcquire(1) {
		return nil
	}
	for _, queue := range []*[]*request{&p.high, &p.normal} {
		for i, req := range *queue {
			sem := p.perAgent[req.task.AgentID]
			if sem != nil && !sem.TryAcquire(1) {
				continue
			}
			*queue = append((*queue)[:i], (*queue)[i+1:]...)
			return req
		}
	}
	p.global.Release(1)
	return nil
}

func (p *WorkerPool) releaseSlots(agentID string) {
	if sem := p.perAgent[agentID]; sem != nil {
		sem.Release(1)
	}
	p.global.Release(1)
}

func (p *WorkerPool) forget(taskID string) {
	p.mu.Lock()
	delete(p.active, taskID)
	p.mu.Unlock()
}

func (p *WorkerPool) execute(req *request) {
	defer p.workersWG.Done()
	h := req.handle
	h.markRunning()

	a, ok := p.registry.Get(req.task.AgentID)
	var res *adapter.DispatchResult
	var err error
	if !ok {
		err = fmt.Errorf("%w: %q", ErrUnknownAgent, req.task.AgentID)
	} else {
		timer := logging.StartTimer(logging.CategoryPool, "dispatch "+req.task.ID)
		out := a.Dispatch(h.ctx, adapter.Request{
			TaskID:   req.task.ID,
			TaskType: req.task.Type,
			Prompt:   req.task.Prompt,
			Timeout:  req.task.Timeout,
		})
		timer.StopWithInfo(fmt.Sprintf("agent=%s status=%s", req.task.AgentID, out.Status))
		res = &out
	}

	// Slots free up before the result is delivered so a waiting task can
	// start while the caller is still consuming this one.
	p.releaseSlots(req.task.AgentID)
	p.forget(req.task.ID)
	p.signal()

	h.resolve(res, err)
}
