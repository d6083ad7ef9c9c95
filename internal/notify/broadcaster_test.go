package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"qms/counter-service/internal/metrics"
	"qms/counter-service/internal/models"
)

type recordingSink struct {
	mu     sync.Mutex
	name   string
	events []Event
	err    error
	got    chan struct{}
}

func newRecordingSink(name string, err error) *recordingSink {
	return &recordingSink{name: name, err: err, got: make(chan struct{}, 64)}
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(_ context.Context, event Event) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	s.got <- struct{}{}
	return s.err
}

func (s *recordingSink) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("sink %s: timed out waiting for event %d", s.name, i+1)
		}
	}
}

type panicSink struct{}

func (panicSink) Name() string { return "panic" }

func (panicSink) Deliver(context.Context, Event) error { panic("boom") }

func TestBroadcasterFansOut(t *testing.T) {
	good := newRecordingSink("good", nil)
	bad := newRecordingSink("bad", errors.New("socket closed"))
	b := NewBroadcaster(8, panicSink{}, bad, good)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = b.Run(ctx)
		close(done)
	}()

	failuresBefore := testutil.ToFloat64(metrics.NotificationFailuresTotal.WithLabelValues(string(KindQueueReset), "bad"))
	b.Publish(Event{Type: KindQueueReset, Cancelled: 3})
	b.Publish(Event{Type: KindQueueReordered})
	good.wait(t, 2)
	bad.wait(t, 2)

	good.mu.Lock()
	if good.events[0].Type != KindQueueReset || good.events[1].Type != KindQueueReordered {
		t.Fatalf("events out of order: %+v", good.events)
	}
	if good.events[0].Timestamp.IsZero() {
		t.Fatalf("publish should stamp events")
	}
	good.mu.Unlock()

	cancel()
	<-done
	failures := testutil.ToFloat64(metrics.NotificationFailuresTotal.WithLabelValues(string(KindQueueReset), "bad"))
	if failures-failuresBefore != 1 {
		t.Fatalf("expected one recorded failure, got %v", failures-failuresBefore)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewBroadcaster(1)

	before := testutil.ToFloat64(metrics.NotificationFailuresTotal.WithLabelValues(string(KindStatusChanged), "buffer"))
	finished := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			b.Publish(Event{Type: KindStatusChanged})
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked with no dispatcher running")
	}
	dropped := testutil.ToFloat64(metrics.NotificationFailuresTotal.WithLabelValues(string(KindStatusChanged), "buffer")) - before
	if dropped != 4 {
		t.Fatalf("expected 4 dropped events, got %v", dropped)
	}
}

func TestRunDrainsOnShutdown(t *testing.T) {
	sink := newRecordingSink("drain", nil)
	b := NewBroadcaster(4, sink)
	b.Publish(Event{Type: KindSettlementCreated})
	b.Publish(Event{Type: KindPaymentStatusUpdated})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 2 {
		t.Fatalf("expected buffered events delivered on shutdown, got %d", len(sink.events))
	}
}

func TestCustomerEvent(t *testing.T) {
	counter := "C-01"
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	customer := models.Customer{CustomerID: 9, Name: "Ana", Status: models.StatusServing, CounterID: &counter}

	event := CustomerEvent(customer, models.StatusWaiting, "cashier-1", at)
	if event.Type != KindCustomerCalled || event.CounterID != counter {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.PreviousStatus != "waiting" || event.NewStatus != "serving" {
		t.Fatalf("unexpected statuses: %s -> %s", event.PreviousStatus, event.NewStatus)
	}

	cases := map[models.Status]Kind{
		models.StatusProcessing: KindStatusChanged,
		models.StatusCompleted:  KindCustomerCompleted,
		models.StatusCancelled:  KindCustomerCancelled,
	}
	for status, want := range cases {
		if got := KindForStatus(status); got != want {
			t.Fatalf("%s: expected %s, got %s", status, want, got)
		}
	}
}
