package notify

import (
	"time"

	"qms/counter-service/internal/models"
)

type Kind string

const (
	KindCustomerCalled       Kind = "customer_called"
	KindCustomerCompleted    Kind = "customer_completed"
	KindCustomerCancelled    Kind = "customer_cancelled"
	KindStatusChanged        Kind = "status_changed"
	KindQueueReordered       Kind = "queue_reordered"
	KindQueueReset           Kind = "queue_reset"
	KindCounterReleased      Kind = "counter_released"
	KindSettlementCreated    Kind = "settlement_created"
	KindPaymentStatusUpdated Kind = "payment_status_updated"
)

// Event is the payload delivered to every sink. Which fields are set depends
// on Type.
type Event struct {
	Type           Kind                    `json:"type"`
	Customer       *models.CustomerSummary `json:"customer,omitempty"`
	CounterID      string                  `json:"counter_id,omitempty"`
	Transaction    *models.Transaction     `json:"transaction,omitempty"`
	Settlement     *models.Settlement      `json:"settlement,omitempty"`
	PreviousStatus string                  `json:"previous_status,omitempty"`
	NewStatus      string                  `json:"new_status,omitempty"`
	Cancelled      int                     `json:"cancelled,omitempty"`
	ActorID        string                  `json:"actor_id,omitempty"`
	Timestamp      time.Time               `json:"timestamp"`
}

// KindForStatus picks the event kind announcing a move into status.
func KindForStatus(status models.Status) Kind {
	switch status {
	case models.StatusServing:
		return KindCustomerCalled
	case models.StatusCompleted:
		return KindCustomerCompleted
	case models.StatusCancelled:
		return KindCustomerCancelled
	default:
		return KindStatusChanged
	}
}

// CustomerEvent describes a customer status change.
func CustomerEvent(customer models.Customer, previous models.Status, actorID string, at time.Time) Event {
	summary := customer.Summary()
	event := Event{
		Type:           KindForStatus(customer.Status),
		Customer:       &summary,
		PreviousStatus: string(previous),
		NewStatus:      string(customer.Status),
		ActorID:        actorID,
		Timestamp:      at.UTC(),
	}
	if customer.CounterID != nil {
		event.CounterID = *customer.CounterID
	}
	return event
}
