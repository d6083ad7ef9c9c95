package models

import "time"

type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusServing    Status = "serving"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition may leave the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Active reports whether the customer still belongs to the live queue.
func (s Status) Active() bool {
	return s == StatusWaiting || s == StatusServing || s == StatusProcessing
}

func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusServing, StatusProcessing, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// PriorityFlags is the closed set of attributes that raise a customer's tier.
type PriorityFlags struct {
	Senior   bool `json:"senior"`
	Disabled bool `json:"disabled"`
	Pregnant bool `json:"pregnant"`
}

func (p PriorityFlags) Any() bool {
	return p.Senior || p.Disabled || p.Pregnant
}

type Customer struct {
	CustomerID          int64         `json:"customer_id"`
	Name                string        `json:"name"`
	Priority            PriorityFlags `json:"priority"`
	CreatedAt           time.Time     `json:"created_at"`
	ManualPosition      *int          `json:"manual_position,omitempty"`
	Status              Status        `json:"status"`
	CounterID           *string       `json:"counter_id,omitempty"`
	CalledAt            *time.Time    `json:"called_at,omitempty"`
	ProcessingStartedAt *time.Time    `json:"processing_started_at,omitempty"`
	ProcessingEndedAt   *time.Time    `json:"processing_ended_at,omitempty"`
	CompletedAt         *time.Time    `json:"completed_at,omitempty"`
}

// CustomerSummary is the identity subset carried in broadcast payloads.
type CustomerSummary struct {
	CustomerID int64         `json:"customer_id"`
	Name       string        `json:"name"`
	Priority   PriorityFlags `json:"priority"`
	Status     Status        `json:"status"`
	CounterID  *string       `json:"counter_id,omitempty"`
}

func (c Customer) Summary() CustomerSummary {
	return CustomerSummary{
		CustomerID: c.CustomerID,
		Name:       c.Name,
		Priority:   c.Priority,
		Status:     c.Status,
		CounterID:  c.CounterID,
	}
}
