package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"qms/counter-service/internal/metrics"
	"qms/counter-service/internal/models"
	"qms/counter-service/internal/priority"
	"qms/counter-service/internal/store"
)

var activeStatuses = []models.Status{models.StatusWaiting, models.StatusServing, models.StatusProcessing}

// WaitEstimate is the read model behind GetEstimatedWaitTime.
type WaitEstimate struct {
	CustomerID     int64         `json:"customer_id"`
	Position       int           `json:"position"`
	Ahead          int           `json:"ahead"`
	ActiveCounters int           `json:"active_counters"`
	AverageService time.Duration `json:"average_service"`
	Estimate       time.Duration `json:"estimate"`
}

// GetQueue lists customers in the given statuses, or every active customer
// when none are given. Waiting customers come first in rank order; the rest
// follow by call time.
func (o *Orchestrator) GetQueue(ctx context.Context, statuses ...models.Status) ([]models.Customer, error) {
	if len(statuses) == 0 {
		statuses = activeStatuses
	}
	customers, err := o.queue.ListCustomers(ctx, statuses...)
	if err != nil {
		return nil, err
	}

	var waiting, rest []models.Customer
	for _, customer := range customers {
		if customer.Status == models.StatusWaiting {
			waiting = append(waiting, customer)
		} else {
			rest = append(rest, customer)
		}
	}
	priority.Sort(waiting, o.now())
	sort.SliceStable(rest, func(i, j int) bool {
		return calledBefore(rest[i], rest[j])
	})
	if includes(statuses, models.StatusWaiting) {
		metrics.WaitingCustomers.Set(float64(len(waiting)))
	}
	return append(waiting, rest...), nil
}

// GetPosition returns the 1-based rank of a waiting customer, or 0 for a
// customer that is no longer waiting.
func (o *Orchestrator) GetPosition(ctx context.Context, customerID int64) (int, error) {
	customer, err := o.queue.GetCustomer(ctx, customerID)
	if err != nil {
		return 0, err
	}
	if customer.Status != models.StatusWaiting {
		return 0, nil
	}
	waiting, err := o.queue.ListCustomers(ctx, models.StatusWaiting)
	if err != nil {
		return 0, err
	}
	return priority.Position(waiting, customerID, o.now()), nil
}

// GetEstimatedWaitTime spreads the customers ahead over the active counters
// at the recent average service time.
func (o *Orchestrator) GetEstimatedWaitTime(ctx context.Context, customerID int64) (WaitEstimate, error) {
	position, err := o.GetPosition(ctx, customerID)
	if err != nil {
		return WaitEstimate{}, err
	}
	estimate := WaitEstimate{CustomerID: customerID, Position: position}
	if position == 0 {
		return estimate, nil
	}

	counters, err := o.counters.ListCounters(ctx)
	if err != nil {
		return WaitEstimate{}, err
	}
	for _, counter := range counters {
		if counter.Active {
			estimate.ActiveCounters++
		}
	}

	average, ok, err := o.queue.AverageServiceDuration(ctx, o.now().Add(-o.serviceTimeWindow))
	if err != nil {
		return WaitEstimate{}, err
	}
	if !ok {
		average = o.defaultServiceTime
	}
	estimate.AverageService = average
	estimate.Ahead = position - 1
	divisor := estimate.ActiveCounters
	if divisor < 1 {
		divisor = 1
	}
	estimate.Estimate = time.Duration(estimate.Ahead) * average / time.Duration(divisor)
	return estimate, nil
}

// GetHistory returns a customer's audit trail after checking its hash chain.
// For a customer that has left the queue the trail must also end in the
// recorded status; events are read after the customer, so nothing can follow
// a terminal status.
func (o *Orchestrator) GetHistory(ctx context.Context, customerID int64) ([]models.QueueEvent, error) {
	customer, err := o.queue.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	events, err := o.queue.ListQueueEvents(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if err := store.VerifyChain(events); err != nil {
		return nil, err
	}
	if customer.Status.Terminal() {
		if replayed := store.ReplayStatus(events); replayed != customer.Status {
			return nil, fmt.Errorf("%w: customer %d history ends in %s, record is %s",
				store.ErrEventChainBroken, customerID, replayed, customer.Status)
		}
	}
	return events, nil
}

func (o *Orchestrator) ListCounters(ctx context.Context) ([]models.Counter, error) {
	return o.counters.ListCounters(ctx)
}

func calledBefore(a, b models.Customer) bool {
	switch {
	case a.CalledAt == nil && b.CalledAt == nil:
		return a.CustomerID < b.CustomerID
	case a.CalledAt == nil:
		return false
	case b.CalledAt == nil:
		return true
	case !a.CalledAt.Equal(*b.CalledAt):
		return a.CalledAt.Before(*b.CalledAt)
	default:
		return a.CustomerID < b.CustomerID
	}
}

func includes(statuses []models.Status, status models.Status) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
