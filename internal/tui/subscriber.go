package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/johnplanow/substrate-sub007/internal/bus"
)

// Bridge forwards bus events into a channel the bubbletea model reads.
// Publishing never blocks: when the UI falls behind, events are dropped
// rather than stalling the pipeline.
type Bridge struct {
	ch     chan tea.Msg
	unsubs []func()
}

// NewBridge creates a bridge with a bounded event channel.
func NewBridge() *Bridge {
	return &Bridge{ch: make(chan tea.Msg, 256)}
}

// Events is the channel to hand to NewModel.
func (br *Bridge) Events() <-chan tea.Msg {
	return br.ch
}

// Name implements bus.Subscriber.
func (br *Bridge) Name() string { return "tui-bridge" }

// Initialize implements bus.Subscriber.
func (br *Bridge) Initialize(b *bus.Bus) error {
	br.unsubs = append(br.unsubs,
		b.Subscribe(bus.TopicTaskStateChanged, func(ev bus.Event) {
			if p, ok := ev.Payload.(bus.TaskStateChanged); ok {
				br.send(taskStateMsg(p))
			}
		}),
		b.Subscribe(bus.TopicBudgetWarning, func(ev bus.Event) {
			if p, ok := ev.Payload.(bus.BudgetWarning); ok {
				br.send(budgetWarningMsg(p))
			}
		}),
		b.Subscribe(bus.TopicLogLine, func(ev bus.Event) {
			if p, ok := ev.Payload.(bus.LogLine); ok {
				br.send(logLineMsg(p))
			}
		}),
	)
	return nil
}

// Shutdown implements bus.Subscriber and closes the event channel.
func (br *Bridge) Shutdown() error {
	for _, unsub := range br.unsubs {
		unsub()
	}
	br.unsubs = nil
	close(br.ch)
	return nil
}

func (br *Bridge) send(msg tea.Msg) {
	select {
	case br.ch <- msg:
	default:
	}
}
