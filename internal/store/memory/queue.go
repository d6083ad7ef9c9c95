package memory

import (
	"context"
	"errors"
	"strings"
	"time"

	"qms/counter-service/internal/models"
	"qms/counter-service/internal/priority"
	"qms/counter-service/internal/store"
)

func (s *Store) CreateCustomer(ctx context.Context, input store.CreateCustomerInput) (models.Customer, error) {
	if err := ctx.Err(); err != nil {
		return models.Customer{}, err
	}
	s.resetMu.RLock()
	defer s.resetMu.RUnlock()
	customer := models.Customer{
		CustomerID: s.lastID.Add(1),
		Name:       strings.TrimSpace(input.Name),
		Priority:   input.Priority,
		CreatedAt:  createdAt(input.CreatedAt),
		Status:     models.StatusWaiting,
	}
	s.mu.Lock()
	s.customers[customer.CustomerID] = &customerRecord{customer: customer}
	s.mu.Unlock()
	return customer, nil
}

func (s *Store) GetCustomer(ctx context.Context, customerID int64) (models.Customer, error) {
	if err := ctx.Err(); err != nil {
		return models.Customer{}, err
	}
	rec, err := s.customer(customerID)
	if err != nil {
		return models.Customer{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.customer, nil
}

// ListCustomers returns customers ordered by id. No statuses means all.
func (s *Store) ListCustomers(ctx context.Context, statuses ...models.Status) ([]models.Customer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[models.Status]bool, len(statuses))
	for _, status := range statuses {
		want[status] = true
	}
	var customers []models.Customer
	for _, rec := range s.customerRecords() {
		rec.mu.Lock()
		customer := rec.customer
		rec.mu.Unlock()
		if len(want) == 0 || want[customer.Status] {
			customers = append(customers, customer)
		}
	}
	sortCustomersByID(customers)
	return customers, nil
}

// ClaimCustomer moves a waiting customer to serving and binds the counter.
// With no customer named it walks the waiting line in rank order and takes
// the first candidate it can still lock in waiting; a concurrent claimer that
// got there first is simply skipped.
func (s *Store) ClaimCustomer(ctx context.Context, input store.ClaimInput) (store.TransitionResult, bool, error) {
	if err := ctx.Err(); err != nil {
		return store.TransitionResult{}, false, err
	}
	s.resetMu.RLock()
	defer s.resetMu.RUnlock()
	counter, err := s.counters.Get(input.CounterID)
	if err != nil {
		return store.TransitionResult{}, false, err
	}
	if !counter.Active {
		return store.TransitionResult{}, false, store.ErrCounterInactive
	}
	if !counter.Free() {
		return store.TransitionResult{}, false, store.ErrCounterBusy
	}

	waiting, err := s.ListCustomers(ctx, models.StatusWaiting)
	if err != nil {
		return store.TransitionResult{}, false, err
	}
	priority.Sort(waiting, input.CalledAt)

	if input.CustomerID != 0 {
		rec, err := s.customer(input.CustomerID)
		if err != nil {
			return store.TransitionResult{}, false, err
		}
		position := priority.Position(waiting, input.CustomerID, input.CalledAt)
		result, err := s.claim(rec, input, position)
		if err != nil {
			return store.TransitionResult{}, false, err
		}
		return result, true, nil
	}

	for i, candidate := range waiting {
		if err := ctx.Err(); err != nil {
			return store.TransitionResult{}, false, err
		}
		rec, err := s.customer(candidate.CustomerID)
		if err != nil {
			continue
		}
		result, err := s.claim(rec, input, i+1)
		switch {
		case err == nil:
			return result, true, nil
		case errors.Is(err, store.ErrConcurrencyConflict), errors.Is(err, store.ErrCustomerAlreadyAssigned):
			continue
		default:
			return store.TransitionResult{}, false, err
		}
	}
	return store.TransitionResult{}, false, nil
}

func (s *Store) claim(rec *customerRecord, input store.ClaimInput, position int) (store.TransitionResult, error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.customer.Status != models.StatusWaiting {
		return store.TransitionResult{}, store.ErrConcurrencyConflict
	}
	if err := s.counters.Bind(rec.customer.CustomerID, input.CounterID); err != nil {
		return store.TransitionResult{}, err
	}

	updated := rec.customer
	counterID := input.CounterID
	updated.Status = models.StatusServing
	updated.CounterID = &counterID
	updated.CalledAt = timePtr(input.CalledAt)

	var pos *int
	if position > 0 {
		pos = &position
	}
	event, err := rec.appendEvent(updated, models.StatusWaiting, input.ActorID, pos, input.CalledAt)
	if err != nil {
		s.counters.ReleaseCustomer(updated.CustomerID)
		return store.TransitionResult{}, err
	}
	rec.customer = updated
	return store.TransitionResult{Customer: updated, Previous: models.StatusWaiting, Event: event}, nil
}

// ApplyTransition moves a customer that is still in input.From. Serving is
// only reachable through ClaimCustomer.
func (s *Store) ApplyTransition(ctx context.Context, input store.TransitionInput) (store.TransitionResult, error) {
	if err := ctx.Err(); err != nil {
		return store.TransitionResult{}, err
	}
	s.resetMu.RLock()
	defer s.resetMu.RUnlock()
	if input.To == models.StatusServing {
		return store.TransitionResult{}, store.ErrCounterRequired
	}
	if !store.ValidTransition(input.From, input.To) {
		return store.TransitionResult{}, &store.InvalidTransitionError{From: input.From, To: input.To}
	}
	rec, err := s.customer(input.CustomerID)
	if err != nil {
		return store.TransitionResult{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.customer.Status != input.From {
		return store.TransitionResult{}, store.ErrConcurrencyConflict
	}
	return s.transitionLocked(rec, input.To, input.ActorID, input.OccurredAt)
}

func (s *Store) transitionLocked(rec *customerRecord, to models.Status, actorID string, at time.Time) (store.TransitionResult, error) {
	from := rec.customer.Status
	updated := rec.customer
	updated.Status = to
	switch to {
	case models.StatusProcessing:
		updated.ProcessingStartedAt = timePtr(at)
	case models.StatusCompleted, models.StatusCancelled:
		if from == models.StatusProcessing {
			updated.ProcessingEndedAt = timePtr(at)
		}
		if to == models.StatusCompleted {
			updated.CompletedAt = timePtr(at)
		}
	}

	event, err := rec.appendEvent(updated, from, actorID, nil, at)
	if err != nil {
		return store.TransitionResult{}, err
	}
	rec.customer = updated

	result := store.TransitionResult{Customer: updated, Previous: from, Event: event}
	if to.Terminal() {
		if counterID, ok := s.counters.ReleaseCustomer(updated.CustomerID); ok {
			result.ReleasedCounter = &counterID
		}
	}
	return result, nil
}

// SetManualPosition sets or clears the override of a waiting customer.
func (s *Store) SetManualPosition(ctx context.Context, input store.ReorderInput) (store.TransitionResult, error) {
	if err := ctx.Err(); err != nil {
		return store.TransitionResult{}, err
	}
	s.resetMu.RLock()
	defer s.resetMu.RUnlock()
	if input.Position != nil && *input.Position < 1 {
		return store.TransitionResult{}, store.ErrInvalidPosition
	}
	rec, err := s.customer(input.CustomerID)
	if err != nil {
		return store.TransitionResult{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.customer.Status != models.StatusWaiting {
		return store.TransitionResult{}, &store.InvalidTransitionError{From: rec.customer.Status, To: models.StatusWaiting}
	}
	updated := rec.customer
	updated.ManualPosition = nil
	if input.Position != nil {
		position := *input.Position
		updated.ManualPosition = &position
	}
	event, err := rec.appendEvent(updated, models.StatusWaiting, input.ActorID, updated.ManualPosition, input.OccurredAt)
	if err != nil {
		return store.TransitionResult{}, err
	}
	rec.customer = updated
	return store.TransitionResult{Customer: updated, Previous: models.StatusWaiting, Event: event}, nil
}

// ResetQueue cancels every active customer and frees every counter. It holds
// the reset gate exclusively, so no claim or transition can land between the
// cancellations and the counter release.
func (s *Store) ResetQueue(ctx context.Context, actorID string, at time.Time) ([]store.TransitionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.resetMu.Lock()
	defer s.resetMu.Unlock()
	records := s.customerRecords()
	var results []store.TransitionResult
	for _, rec := range records {
		rec.mu.Lock()
		if !rec.customer.Status.Active() {
			rec.mu.Unlock()
			continue
		}
		result, err := s.transitionLocked(rec, models.StatusCancelled, actorID, at)
		rec.mu.Unlock()
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	for _, counter := range s.counters.List() {
		if _, _, err := s.counters.Release(counter.CounterID); err != nil {
			return results, err
		}
	}
	return results, nil
}

func (s *Store) ListQueueEvents(ctx context.Context, customerID int64) ([]models.QueueEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := s.customer(customerID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	events := make([]models.QueueEvent, len(rec.events))
	copy(events, rec.events)
	return events, nil
}

// AverageServiceDuration averages called -> completed over customers
// completed at or after since.
func (s *Store) AverageServiceDuration(ctx context.Context, since time.Time) (time.Duration, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	var total time.Duration
	var count int64
	for _, rec := range s.customerRecords() {
		rec.mu.Lock()
		customer := rec.customer
		rec.mu.Unlock()
		if customer.Status != models.StatusCompleted || customer.CalledAt == nil || customer.CompletedAt == nil {
			continue
		}
		if customer.CompletedAt.Before(since) {
			continue
		}
		total += customer.CompletedAt.Sub(*customer.CalledAt)
		count++
	}
	if count == 0 {
		return 0, false, nil
	}
	return total / time.Duration(count), true, nil
}

func (rec *customerRecord) appendEvent(updated models.Customer, from models.Status, actorID string, position *int, at time.Time) (models.QueueEvent, error) {
	var prev *models.QueueEvent
	if n := len(rec.events); n > 0 {
		prev = &rec.events[n-1]
	}
	event, err := store.Chain(prev, store.NewQueueEvent(updated, from, actorID, position, at))
	if err != nil {
		return models.QueueEvent{}, err
	}
	rec.events = append(rec.events, event)
	return event, nil
}
