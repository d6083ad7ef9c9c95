package store

import (
	"context"
	"time"

	"qms/counter-service/internal/models"
)

type CreateCustomerInput struct {
	Name      string
	Priority  models.PriorityFlags
	CreatedAt time.Time
}

// ClaimInput moves a waiting customer to serving and binds the counter in one
// unit. A zero CustomerID claims the best-ranked waiting customer.
type ClaimInput struct {
	CounterID  string
	CustomerID int64
	ActorID    string
	CalledAt   time.Time
}

// TransitionInput applies From->To only if the customer is still in From;
// otherwise the store returns ErrConcurrencyConflict.
type TransitionInput struct {
	CustomerID int64
	From       models.Status
	To         models.Status
	ActorID    string
	OccurredAt time.Time
}

type ReorderInput struct {
	CustomerID int64
	Position   *int
	ActorID    string
	OccurredAt time.Time
}

type TransitionResult struct {
	Customer        models.Customer
	Previous        models.Status
	Event           models.QueueEvent
	ReleasedCounter *string
}

type CreateTransactionInput struct {
	TransactionID string
	CustomerID    int64
	OwedAmount    float64
	CreatedAt     time.Time
}

type CommitInput struct {
	TransactionID string
	Amount        float64
	Mode          models.PaymentMode
	ActorID       string
	CreatedAt     time.Time
}

type ReverseInput struct {
	SettlementID string
	ActorID      string
	Reason       string
	CreatedAt    time.Time
}

// CommitResult carries the transaction's full history, newest first, read in
// the same unit as the commit.
type CommitResult struct {
	Settlement     models.Settlement
	Transaction    models.Transaction
	PreviousStatus models.PaymentStatus
	Settlements    []models.Settlement
}

type ArchiveRecord struct {
	Customer    models.Customer `json:"customer"`
	Disposition models.Status   `json:"disposition"`
	ActorID     string          `json:"actor_id"`
	ArchivedAt  time.Time       `json:"archived_at"`
}

type QueueStore interface {
	CreateCustomer(ctx context.Context, input CreateCustomerInput) (models.Customer, error)
	GetCustomer(ctx context.Context, customerID int64) (models.Customer, error)
	ListCustomers(ctx context.Context, statuses ...models.Status) ([]models.Customer, error)
	ClaimCustomer(ctx context.Context, input ClaimInput) (TransitionResult, bool, error)
	ApplyTransition(ctx context.Context, input TransitionInput) (TransitionResult, error)
	SetManualPosition(ctx context.Context, input ReorderInput) (TransitionResult, error)
	ResetQueue(ctx context.Context, actorID string, at time.Time) ([]TransitionResult, error)
	ListQueueEvents(ctx context.Context, customerID int64) ([]models.QueueEvent, error)
	AverageServiceDuration(ctx context.Context, since time.Time) (time.Duration, bool, error)
}

// CounterAssigner owns the counter -> customer relation.
type CounterAssigner interface {
	UpsertCounter(ctx context.Context, counter models.Counter) error
	GetCounter(ctx context.Context, counterID string) (models.Counter, error)
	ListCounters(ctx context.Context) ([]models.Counter, error)
	Bind(ctx context.Context, customerID int64, counterID string) error
	// Release frees the counter and reports whether it held a customer.
	Release(ctx context.Context, counterID string) (bool, error)
}

type LedgerStore interface {
	CreateTransaction(ctx context.Context, input CreateTransactionInput) (models.Transaction, error)
	GetTransaction(ctx context.Context, transactionID string) (models.Transaction, error)
	CommitSettlement(ctx context.Context, input CommitInput) (CommitResult, error)
	ReverseSettlement(ctx context.Context, input ReverseInput) (CommitResult, error)
	ListSettlements(ctx context.Context, transactionID string) ([]models.Settlement, error)
}

type Archiver interface {
	Archive(ctx context.Context, record ArchiveRecord) error
}
