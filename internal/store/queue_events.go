package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"qms/counter-service/internal/models"
)

type eventPayload struct {
	CustomerID          int64                 `json:"customer_id"`
	Type                models.QueueEventType `json:"type"`
	FromStatus          models.Status         `json:"from_status"`
	ToStatus            models.Status         `json:"to_status"`
	ActorID             string                `json:"actor_id"`
	CounterID           *string               `json:"counter_id"`
	QueuePosition       *int                  `json:"queue_position"`
	WaitSeconds         *int64                `json:"wait_seconds"`
	Priority            models.PriorityFlags  `json:"priority"`
	ProcessingStartedAt *time.Time            `json:"processing_started_at"`
	ProcessingEndedAt   *time.Time            `json:"processing_ended_at"`
}

// NewQueueEvent builds the audit record for a customer that has just moved
// from one status to another. Seq, PrevHash and Hash are filled by Chain.
// CreatedAt is kept at microsecond precision so the hash survives a round
// trip through timestamptz.
func NewQueueEvent(customer models.Customer, from models.Status, actorID string, position *int, at time.Time) models.QueueEvent {
	event := models.QueueEvent{
		EventID:    uuid.NewString(),
		CustomerID: customer.CustomerID,
		Type:       models.EventTypeFor(from, customer.Status),
		FromStatus: from,
		ToStatus:   customer.Status,
		ActorID:    actorID,
		CounterID:  customer.CounterID,
		Priority:   customer.Priority,
		CreatedAt:  at.UTC().Truncate(time.Microsecond),
	}
	if customer.Status == models.StatusServing && from == models.StatusWaiting {
		wait := int64(at.Sub(customer.CreatedAt) / time.Second)
		if wait < 0 {
			wait = 0
		}
		event.WaitSeconds = &wait
		event.QueuePosition = position
	}
	if customer.Status == models.StatusWaiting {
		event.QueuePosition = position
	}
	if from == models.StatusProcessing || customer.Status == models.StatusProcessing {
		event.ProcessingStartedAt = customer.ProcessingStartedAt
		event.ProcessingEndedAt = customer.ProcessingEndedAt
	}
	return event
}

// Chain links event after prev. A zero prev starts a new chain.
func Chain(prev *models.QueueEvent, event models.QueueEvent) (models.QueueEvent, error) {
	event.Seq = 1
	event.PrevHash = ""
	if prev != nil {
		event.Seq = prev.Seq + 1
		event.PrevHash = prev.Hash
	}
	payload, err := EventPayload(event)
	if err != nil {
		return models.QueueEvent{}, err
	}
	event.Hash = ComputeQueueEventHash(event.PrevHash, event.CustomerID, string(event.Type), payload, event.CreatedAt, event.Seq)
	return event, nil
}

func EventPayload(event models.QueueEvent) (json.RawMessage, error) {
	return json.Marshal(eventPayload{
		CustomerID:          event.CustomerID,
		Type:                event.Type,
		FromStatus:          event.FromStatus,
		ToStatus:            event.ToStatus,
		ActorID:             event.ActorID,
		CounterID:           event.CounterID,
		QueuePosition:       event.QueuePosition,
		WaitSeconds:         event.WaitSeconds,
		Priority:            event.Priority,
		ProcessingStartedAt: event.ProcessingStartedAt,
		ProcessingEndedAt:   event.ProcessingEndedAt,
	})
}

func ComputeQueueEventHash(prevHash string, customerID int64, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%d|%s|%s|%d|%s", prevHash, customerID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// VerifyChain recomputes every hash and checks the links between events.
func VerifyChain(events []models.QueueEvent) error {
	prevHash := ""
	for i, event := range events {
		if event.Seq != i+1 || event.PrevHash != prevHash {
			return fmt.Errorf("%w: customer %d seq %d", ErrEventChainBroken, event.CustomerID, event.Seq)
		}
		payload, err := EventPayload(event)
		if err != nil {
			return err
		}
		want := ComputeQueueEventHash(event.PrevHash, event.CustomerID, string(event.Type), payload, event.CreatedAt, event.Seq)
		if want != event.Hash {
			return fmt.Errorf("%w: customer %d seq %d", ErrEventChainBroken, event.CustomerID, event.Seq)
		}
		prevHash = event.Hash
	}
	return nil
}

// ReplayStatus returns the status reached after applying events in order.
func ReplayStatus(events []models.QueueEvent) models.Status {
	status := models.StatusWaiting
	for _, event := range events {
		if event.ToStatus != "" {
			status = event.ToStatus
		}
	}
	return status
}
