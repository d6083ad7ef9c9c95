// Package notify fans mutation events out to realtime and log sinks. Publish
// never blocks the caller; delivery happens on the dispatcher goroutine
// started by Run.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"qms/counter-service/internal/metrics"
)

const deliverTimeout = 2 * time.Second

type Sink interface {
	Name() string
	Deliver(ctx context.Context, event Event) error
}

type Broadcaster struct {
	events chan Event
	sinks  []Sink
}

func NewBroadcaster(buffer int, sinks ...Sink) *Broadcaster {
	if buffer <= 0 {
		buffer = 256
	}
	return &Broadcaster{
		events: make(chan Event, buffer),
		sinks:  sinks,
	}
}

// Publish hands event to the dispatcher. A full buffer drops the event and
// records a delivery failure.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	metrics.NotificationsPublishedTotal.WithLabelValues(string(event.Type)).Inc()
	select {
	case b.events <- event:
	default:
		deliveryFailed(event, "buffer", fmt.Errorf("buffer full"))
	}
}

// Run dispatches events until ctx is done, then delivers whatever is still
// buffered.
func (b *Broadcaster) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			b.drain()
			return nil
		case event := <-b.events:
			b.dispatch(ctx, event)
		}
	}
}

func (b *Broadcaster) drain() {
	for {
		select {
		case event := <-b.events:
			b.dispatch(context.Background(), event)
		default:
			return
		}
	}
}

func (b *Broadcaster) dispatch(ctx context.Context, event Event) {
	for _, sink := range b.sinks {
		if err := deliver(ctx, sink, event); err != nil {
			deliveryFailed(event, sink.Name(), err)
		}
	}
}

func deliver(ctx context.Context, sink Sink, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()
	return sink.Deliver(ctx, event)
}

func deliveryFailed(event Event, sink string, err error) {
	metrics.NotificationFailuresTotal.WithLabelValues(string(event.Type), sink).Inc()
	log.Warn().Err(err).Str("kind", string(event.Type)).Str("sink", sink).Msg("notification delivery failed")
}

// LogSink writes every event to the service log.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Deliver(_ context.Context, event Event) error {
	entry := log.Info().Str("kind", string(event.Type)).Time("at", event.Timestamp)
	if event.Customer != nil {
		entry = entry.Int64("customer_id", event.Customer.CustomerID)
	}
	if event.CounterID != "" {
		entry = entry.Str("counter_id", event.CounterID)
	}
	if event.Transaction != nil {
		entry = entry.Str("transaction_id", event.Transaction.TransactionID)
	}
	if event.NewStatus != "" {
		entry = entry.Str("previous_status", event.PreviousStatus).Str("new_status", event.NewStatus)
	}
	entry.Msg("notification")
	return nil
}
