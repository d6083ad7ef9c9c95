// Package queue coordinates the customer lifecycle: it gates each request by
// role, drives the store's atomic mutations, retries lost status races and
// announces every successful change exactly once.
package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"qms/counter-service/internal/metrics"
	"qms/counter-service/internal/models"
	"qms/counter-service/internal/notify"
	"qms/counter-service/internal/store"
)

type Publisher interface {
	Publish(event notify.Event)
}

type Options struct {
	ConflictRetries    int
	DefaultServiceTime time.Duration
	ServiceTimeWindow  time.Duration
	Now                func() time.Time
}

type Orchestrator struct {
	queue     store.QueueStore
	counters  store.CounterAssigner
	publisher Publisher
	archive   *ArchiveWorker
	tracer    trace.Tracer

	retries            int
	defaultServiceTime time.Duration
	serviceTimeWindow  time.Duration
	now                func() time.Time
	retryInterval      time.Duration
}

// TransitionRequest names the target status. CounterID is required when the
// target is serving.
type TransitionRequest struct {
	CustomerID int64
	To         models.Status
	CounterID  string
}

func New(queue store.QueueStore, counters store.CounterAssigner, publisher Publisher, archive *ArchiveWorker, options Options) *Orchestrator {
	retries := options.ConflictRetries
	if retries <= 0 {
		retries = 3
	}
	serviceTime := options.DefaultServiceTime
	if serviceTime <= 0 {
		serviceTime = 5 * time.Minute
	}
	window := options.ServiceTimeWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{
		queue:              queue,
		counters:           counters,
		publisher:          publisher,
		archive:            archive,
		tracer:             otel.Tracer("qms/counter-service/queue"),
		retries:            retries,
		defaultServiceTime: serviceTime,
		serviceTimeWindow:  window,
		now:                now,
		retryInterval:      10 * time.Millisecond,
	}
}

// AddCustomer puts a new customer at the back of their priority tier.
func (o *Orchestrator) AddCustomer(ctx context.Context, actor models.Actor, name string, flags models.PriorityFlags) (customer models.Customer, err error) {
	ctx, span := o.startSpan(ctx, "queue.AddCustomer", actor)
	defer func() { endSpan(span, err) }()
	defer func() { metrics.QueueOperationsTotal.WithLabelValues("add_customer", metrics.Outcome(err)).Inc() }()

	if strings.TrimSpace(name) == "" {
		return models.Customer{}, store.ErrInvalidCustomer
	}
	customer, err = o.queue.CreateCustomer(ctx, store.CreateCustomerInput{
		Name:      name,
		Priority:  flags,
		CreatedAt: o.now(),
	})
	if err != nil {
		return models.Customer{}, err
	}
	log.Info().
		Int64("customer_id", customer.CustomerID).
		Bool("priority", flags.Any()).
		Str("actor_id", actor.ActorID).
		Msg("customer queued")
	return customer, nil
}

// CallNext assigns the best-ranked waiting customer to counterID. An empty
// queue returns ok == false and no error.
func (o *Orchestrator) CallNext(ctx context.Context, actor models.Actor, counterID string) (customer models.Customer, ok bool, err error) {
	ctx, span := o.startSpan(ctx, "queue.CallNext", actor, attribute.String("counter_id", counterID))
	defer func() { endSpan(span, err) }()
	defer func() { metrics.QueueOperationsTotal.WithLabelValues("call_next", metrics.Outcome(err)).Inc() }()

	if err := store.CheckTransition(actor.Role, models.StatusWaiting, models.StatusServing); err != nil {
		return models.Customer{}, false, err
	}

	var result store.TransitionResult
	err = o.withRetry(ctx, "call_next", func() error {
		var claimErr error
		result, ok, claimErr = o.queue.ClaimCustomer(ctx, store.ClaimInput{
			CounterID: counterID,
			ActorID:   actor.ActorID,
			CalledAt:  o.now(),
		})
		return claimErr
	})
	if err != nil || !ok {
		return models.Customer{}, false, err
	}
	o.announce(result, actor)
	return result.Customer, true, nil
}

// CallSpecific assigns one named waiting customer to counterID.
func (o *Orchestrator) CallSpecific(ctx context.Context, actor models.Actor, counterID string, customerID int64) (customer models.Customer, err error) {
	ctx, span := o.startSpan(ctx, "queue.CallSpecific", actor,
		attribute.String("counter_id", counterID), attribute.Int64("customer_id", customerID))
	defer func() { endSpan(span, err) }()
	defer func() { metrics.QueueOperationsTotal.WithLabelValues("call_specific", metrics.Outcome(err)).Inc() }()

	var result store.TransitionResult
	err = o.withRetry(ctx, "call_specific", func() error {
		current, err := o.queue.GetCustomer(ctx, customerID)
		if err != nil {
			return err
		}
		if err := store.CheckTransition(actor.Role, current.Status, models.StatusServing); err != nil {
			return err
		}
		var claimed bool
		result, claimed, err = o.queue.ClaimCustomer(ctx, store.ClaimInput{
			CounterID:  counterID,
			CustomerID: customerID,
			ActorID:    actor.ActorID,
			CalledAt:   o.now(),
		})
		if err == nil && !claimed {
			return store.ErrConcurrencyConflict
		}
		return err
	})
	if err != nil {
		return models.Customer{}, err
	}
	o.announce(result, actor)
	return result.Customer, nil
}

func (o *Orchestrator) StartProcessing(ctx context.Context, actor models.Actor, customerID int64) (models.Customer, error) {
	return o.Transition(ctx, actor, TransitionRequest{CustomerID: customerID, To: models.StatusProcessing})
}

// Complete finishes service from serving or processing and frees the counter.
func (o *Orchestrator) Complete(ctx context.Context, actor models.Actor, customerID int64) (models.Customer, error) {
	return o.Transition(ctx, actor, TransitionRequest{CustomerID: customerID, To: models.StatusCompleted})
}

// Cancel takes a customer out of the queue. It is also the no-show path.
func (o *Orchestrator) Cancel(ctx context.Context, actor models.Actor, customerID int64) (models.Customer, error) {
	return o.Transition(ctx, actor, TransitionRequest{CustomerID: customerID, To: models.StatusCancelled})
}

// Transition applies one status change after checking it against the
// transition table and the actor's role.
func (o *Orchestrator) Transition(ctx context.Context, actor models.Actor, req TransitionRequest) (customer models.Customer, err error) {
	if req.To == models.StatusServing {
		if req.CounterID == "" {
			return models.Customer{}, store.ErrCounterRequired
		}
		return o.CallSpecific(ctx, actor, req.CounterID, req.CustomerID)
	}

	ctx, span := o.startSpan(ctx, "queue.Transition", actor,
		attribute.Int64("customer_id", req.CustomerID), attribute.String("to", string(req.To)))
	defer func() { endSpan(span, err) }()
	defer func() { metrics.QueueOperationsTotal.WithLabelValues("transition", metrics.Outcome(err)).Inc() }()

	var result store.TransitionResult
	err = o.withRetry(ctx, "transition", func() error {
		current, err := o.queue.GetCustomer(ctx, req.CustomerID)
		if err != nil {
			return err
		}
		if err := store.CheckTransition(actor.Role, current.Status, req.To); err != nil {
			return err
		}
		result, err = o.queue.ApplyTransition(ctx, store.TransitionInput{
			CustomerID: req.CustomerID,
			From:       current.Status,
			To:         req.To,
			ActorID:    actor.ActorID,
			OccurredAt: o.now(),
		})
		return err
	})
	if err != nil {
		return models.Customer{}, err
	}
	o.announce(result, actor)
	return result.Customer, nil
}

// Reset cancels every active customer and frees every counter. It publishes a
// single queue_reset event and returns how many customers were cancelled.
func (o *Orchestrator) Reset(ctx context.Context, actor models.Actor) (cancelled int, err error) {
	ctx, span := o.startSpan(ctx, "queue.Reset", actor)
	defer func() { endSpan(span, err) }()
	defer func() { metrics.QueueOperationsTotal.WithLabelValues("reset", metrics.Outcome(err)).Inc() }()

	if err := store.RequireManager(actor.Role, "reset the queue"); err != nil {
		return 0, err
	}
	at := o.now()
	results, err := o.queue.ResetQueue(ctx, actor.ActorID, at)
	if err != nil {
		return 0, err
	}
	for _, result := range results {
		o.enqueueArchive(result, actor)
	}
	o.publisher.Publish(notify.Event{
		Type:      notify.KindQueueReset,
		Cancelled: len(results),
		ActorID:   actor.ActorID,
		Timestamp: at,
	})
	log.Info().Str("actor_id", actor.ActorID).Int("cancelled", len(results)).Msg("queue reset")
	return len(results), nil
}

// Reorder sets or, with a nil position, clears the manual position of a
// waiting customer.
func (o *Orchestrator) Reorder(ctx context.Context, actor models.Actor, customerID int64, position *int) (customer models.Customer, err error) {
	ctx, span := o.startSpan(ctx, "queue.Reorder", actor, attribute.Int64("customer_id", customerID))
	defer func() { endSpan(span, err) }()
	defer func() { metrics.QueueOperationsTotal.WithLabelValues("reorder", metrics.Outcome(err)).Inc() }()

	if err := store.RequireManager(actor.Role, "reorder the queue"); err != nil {
		return models.Customer{}, err
	}
	result, err := o.queue.SetManualPosition(ctx, store.ReorderInput{
		CustomerID: customerID,
		Position:   position,
		ActorID:    actor.ActorID,
		OccurredAt: o.now(),
	})
	if err != nil {
		return models.Customer{}, err
	}
	summary := result.Customer.Summary()
	o.publisher.Publish(notify.Event{
		Type:      notify.KindQueueReordered,
		Customer:  &summary,
		ActorID:   actor.ActorID,
		Timestamp: result.Event.CreatedAt,
	})
	return result.Customer, nil
}

// ReleaseCounter frees a counter without touching its customer. Releasing a
// free counter succeeds and announces nothing.
func (o *Orchestrator) ReleaseCounter(ctx context.Context, actor models.Actor, counterID string) (err error) {
	ctx, span := o.startSpan(ctx, "queue.ReleaseCounter", actor, attribute.String("counter_id", counterID))
	defer func() { endSpan(span, err) }()
	defer func() { metrics.QueueOperationsTotal.WithLabelValues("release_counter", metrics.Outcome(err)).Inc() }()

	if err := store.RequireManager(actor.Role, "release counters"); err != nil {
		return err
	}
	released, err := o.counters.Release(ctx, counterID)
	if err != nil || !released {
		return err
	}
	log.Info().Str("counter_id", counterID).Str("actor_id", actor.ActorID).Msg("counter released")
	o.publisher.Publish(notify.Event{
		Type:      notify.KindCounterReleased,
		CounterID: counterID,
		ActorID:   actor.ActorID,
		Timestamp: o.now(),
	})
	return nil
}

// announce publishes the change and, for terminal statuses, queues the
// archive record. It runs only after the store has committed.
func (o *Orchestrator) announce(result store.TransitionResult, actor models.Actor) {
	event := notify.CustomerEvent(result.Customer, result.Previous, actor.ActorID, result.Event.CreatedAt)
	if event.CounterID == "" && result.ReleasedCounter != nil {
		event.CounterID = *result.ReleasedCounter
	}
	o.publisher.Publish(event)
	if result.Customer.Status.Terminal() {
		o.enqueueArchive(result, actor)
	}
}

func (o *Orchestrator) enqueueArchive(result store.TransitionResult, actor models.Actor) {
	if o.archive == nil {
		return
	}
	o.archive.Enqueue(store.ArchiveRecord{
		Customer:    result.Customer,
		Disposition: result.Customer.Status,
		ActorID:     actor.ActorID,
		ArchivedAt:  result.Event.CreatedAt,
	})
}

// withRetry reruns fn while it loses status races, up to the configured
// number of tries. Any other error stops at once.
func (o *Orchestrator) withRetry(ctx context.Context, operation string, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.retryInterval
	policy.MaxInterval = 20 * o.retryInterval
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if err != nil && !errors.Is(err, store.ErrConcurrencyConflict) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(o.retries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			metrics.ConflictRetriesTotal.WithLabelValues(operation).Inc()
			log.Debug().Err(err).Str("operation", operation).Dur("next", next).Msg("retrying after conflict")
		}),
	)
	return err
}

func (o *Orchestrator) startSpan(ctx context.Context, name string, actor models.Actor, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("actor.id", actor.ActorID), attribute.String("actor.role", string(actor.Role)))
	return o.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
