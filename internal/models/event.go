package models

import "time"

type QueueEventType string

const (
	EventCalled            QueueEventType = "called"
	EventProcessingStarted QueueEventType = "processing_started"
	EventServed            QueueEventType = "served"
	EventCancelled         QueueEventType = "cancelled"
	EventRequeued          QueueEventType = "re-queued"
)

// QueueEvent is an immutable audit record of one customer mutation.
type QueueEvent struct {
	EventID             string         `json:"event_id"`
	CustomerID          int64          `json:"customer_id"`
	Seq                 int            `json:"seq"`
	Type                QueueEventType `json:"type"`
	FromStatus          Status         `json:"from_status"`
	ToStatus            Status         `json:"to_status"`
	ActorID             string         `json:"actor_id"`
	CounterID           *string        `json:"counter_id,omitempty"`
	QueuePosition       *int           `json:"queue_position,omitempty"`
	WaitSeconds         *int64         `json:"wait_seconds,omitempty"`
	Priority            PriorityFlags  `json:"priority"`
	ProcessingStartedAt *time.Time     `json:"processing_started_at,omitempty"`
	ProcessingEndedAt   *time.Time     `json:"processing_ended_at,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	PrevHash            string         `json:"prev_hash"`
	Hash                string         `json:"hash"`
}

// EventTypeFor maps a status change onto its audit event type.
func EventTypeFor(from, to Status) QueueEventType {
	switch to {
	case StatusServing:
		return EventCalled
	case StatusProcessing:
		return EventProcessingStarted
	case StatusCompleted:
		return EventServed
	case StatusCancelled:
		return EventCancelled
	case StatusWaiting:
		return EventRequeued
	}
	return QueueEventType(to)
}
