package pool

import (
	"github.com/johnplanow/substrate-sub007/internal/bus"
	"github.com/johnplanow/substrate-sub007/internal/logging"
)

// Subscriber connects budget enforcement to the pool over the event bus.
// Task-level overruns kill one task; session-level overruns kill everything.
type Subscriber struct {
	pool   *WorkerPool
	unsubs []func()
}

// NewSubscriber wraps a pool for bus attachment.
func NewSubscriber(p *WorkerPool) *Subscriber {
	return &Subscriber{pool: p}
}

// Name implements bus.Subscriber.
func (s *Subscriber) Name() string { return "worker-pool" }

// Initialize implements bus.Subscriber.
func (s *Subscriber) Initialize(b *bus.Bus) error {
	s.unsubs = append(s.unsubs,
		b.Subscribe(bus.TopicTaskBudgetExceeded, s.onTaskBudgetExceeded),
		b.Subscribe(bus.TopicSessionBudgetExceeded, s.onSessionBudgetExceeded),
	)
	return nil
}

// Shutdown implements bus.Subscriber.
func (s *Subscriber) Shutdown() error {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	return nil
}

func (s *Subscriber) onTaskBudgetExceeded(ev bus.Event) {
	p, ok := ev.Payload.(bus.TaskBudgetExceeded)
	if !ok {
		return
	}
	logging.Pool("Terminating task %s: budget exceeded ($%.4f of $%.4f)",
		p.TaskID, p.CurrentUSD, p.LimitUSD)
	s.pool.Cancel(p.TaskID)
}

func (s *Subscriber) onSessionBudgetExceeded(ev bus.Event) {
	p, ok := ev.Payload.(bus.SessionBudgetExceeded)
	if !ok {
		return
	}
	logging.Pool("Terminating all tasks: session budget exceeded ($%.4f of $%.4f)",
		p.CurrentUSD, p.LimitUSD)
	s.pool.CancelAll()
}
