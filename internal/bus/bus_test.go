package bus

import (
	"testing"
)

func TestPublishDispatchesInRegistrationOrder(t *testing.T) {
	b := New()
	var order []int
	var last Event

	b.Subscribe(TopicLogLine, func(ev Event) { order = append(order, 1) })
	b.Subscribe(TopicLogLine, func(ev Event) { order = append(order, 2) })
	b.Subscribe(TopicLogLine, func(ev Event) { order = append(order, 3); last = ev })

	b.Publish(TopicLogLine, LogLine{Message: "hi"})

	if len(order) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(order))
	}
	for i, v := range order {
		if v != i+1 {
			t.Errorf("delivery %d out of order: got %d", i, v)
		}
	}
	// Publish builds the envelope itself.
	if last.Topic != TopicLogLine || last.At.IsZero() {
		t.Errorf("event envelope not filled in: %+v", last)
	}
	if p, ok := last.Payload.(LogLine); !ok || p.Message != "hi" {
		t.Errorf("payload not delivered intact: %+v", last.Payload)
	}
}

func TestPanickingSubscriberDoesNotDropEvents(t *testing.T) {
	b := New()
	delivered := false

	b.Subscribe(TopicCostRecorded, func(ev Event) { panic("bad subscriber") })
	b.Subscribe(TopicCostRecorded, func(ev Event) { delivered = true })

	b.Publish(TopicCostRecorded, CostRecorded{TaskID: "t1"})

	if !delivered {
		t.Error("second subscriber did not receive event after first panicked")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	count := 0
	unsub := b.Subscribe(TopicTaskRouted, func(ev Event) { count++ })

	b.Publish(TopicTaskRouted, TaskRouted{TaskID: "a"})
	unsub()
	b.Publish(TopicTaskRouted, TaskRouted{TaskID: "b"})

	if count != 1 {
		t.Errorf("expected 1 delivery, got %d", count)
	}
}

func TestPublishToTopicWithoutSubscribersIsNoop(t *testing.T) {
	b := New()
	// Must not panic.
	b.Publish(TopicBudgetWarning, BudgetWarning{TaskID: "x"})
}

type testSubscriber struct {
	name     string
	initErr  error
	initDone bool
	shutDone bool
}

func (s *testSubscriber) Name() string { return s.name }
func (s *testSubscriber) Initialize(b *Bus) error {
	s.initDone = true
	return s.initErr
}
func (s *testSubscriber) Shutdown() error {
	s.shutDone = true
	return nil
}

func TestAttachRollsBackOnFailure(t *testing.T) {
	b := New()
	ok := &testSubscriber{name: "ok"}
	bad := &testSubscriber{name: "bad", initErr: errBoom}

	if err := b.Attach(ok, bad); err == nil {
		t.Fatal("expected attach error")
	}
	if !ok.shutDone {
		t.Error("expected first subscriber to be shut down on rollback")
	}
}

var errBoom = errFixed("boom")

type errFixed string

func (e errFixed) Error() string { return string(e) }
