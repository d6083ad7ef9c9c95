// Package settlement records payments against transactions and announces
// every committed change.
package settlement

import (
	"context"
	"errors"
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

// CustomerReader confirms the customer a transaction is opened for.
type CustomerReader interface {
	GetCustomer(ctx context.Context, customerID int64) (models.Customer, error)
}

// Result is the transaction after a commit plus its full history, newest
// first.
type Result struct {
	Transaction models.Transaction  `json:"transaction"`
	Settlements []models.Settlement `json:"settlements"`
}

type Options struct {
	ConflictRetries int
	Now             func() time.Time
}

type Service struct {
	ledger    store.LedgerStore
	customers CustomerReader
	publisher Publisher
	tracer    trace.Tracer
	now       func() time.Time

	retries       int
	retryInterval time.Duration
}

func NewService(ledger store.LedgerStore, customers CustomerReader, publisher Publisher, options Options) *Service {
	retries := options.ConflictRetries
	if retries <= 0 {
		retries = 3
	}
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		ledger:        ledger,
		customers:     customers,
		publisher:     publisher,
		tracer:        otel.Tracer("qms/counter-service/settlement"),
		now:           now,
		retries:       retries,
		retryInterval: 10 * time.Millisecond,
	}
}

// CreateTransaction opens a transaction for an existing customer.
func (s *Service) CreateTransaction(ctx context.Context, actor models.Actor, customerID int64, owed float64) (tx models.Transaction, err error) {
	ctx, span := s.startSpan(ctx, "settlement.CreateTransaction", actor, attribute.Int64("customer_id", customerID))
	defer func() { endSpan(span, err) }()

	if _, err := s.customers.GetCustomer(ctx, customerID); err != nil {
		return models.Transaction{}, err
	}
	tx, err = s.ledger.CreateTransaction(ctx, store.CreateTransactionInput{
		CustomerID: customerID,
		OwedAmount: owed,
		CreatedAt:  s.now(),
	})
	if err != nil {
		return models.Transaction{}, err
	}
	log.Info().
		Str("transaction_id", tx.TransactionID).
		Int64("customer_id", customerID).
		Float64("owed_amount", tx.OwedAmount).
		Msg("transaction opened")
	return tx, nil
}

func (s *Service) GetTransaction(ctx context.Context, transactionID string) (models.Transaction, error) {
	return s.ledger.GetTransaction(ctx, transactionID)
}

// CreateSettlement commits one payment. The ledger write and the payment
// status update land together or not at all; the settlement_created event is
// published only after that, together with the history read in the same
// unit.
func (s *Service) CreateSettlement(ctx context.Context, actor models.Actor, transactionID string, amount float64, mode models.PaymentMode) (result Result, err error) {
	ctx, span := s.startSpan(ctx, "settlement.CreateSettlement", actor,
		attribute.String("transaction_id", transactionID),
		attribute.Float64("amount", amount),
		attribute.String("mode", string(mode)))
	defer func() { endSpan(span, err) }()
	defer func() { metrics.SettlementsTotal.WithLabelValues(settlementOutcome(err)).Inc() }()

	if err := store.RequireSettlementRole(actor.Role); err != nil {
		return Result{}, err
	}
	var committed store.CommitResult
	err = s.withRetry(ctx, "create_settlement", func() error {
		var err error
		committed, err = s.ledger.CommitSettlement(ctx, store.CommitInput{
			TransactionID: transactionID,
			Amount:        amount,
			Mode:          mode,
			ActorID:       actor.ActorID,
			CreatedAt:     s.now(),
		})
		return err
	})
	if err != nil {
		return Result{}, err
	}
	metrics.SettledAmountTotal.Add(committed.Settlement.Amount)
	s.announce(notify.KindSettlementCreated, committed, actor)
	return Result{Transaction: committed.Transaction, Settlements: committed.Settlements}, nil
}

// ReverseSettlement appends a contra-entry cancelling settlementID.
func (s *Service) ReverseSettlement(ctx context.Context, actor models.Actor, settlementID, reason string) (result Result, err error) {
	ctx, span := s.startSpan(ctx, "settlement.ReverseSettlement", actor, attribute.String("settlement_id", settlementID))
	defer func() { endSpan(span, err) }()
	defer func() { metrics.SettlementsTotal.WithLabelValues("reversal_" + metrics.Outcome(err)).Inc() }()

	if err := store.RequireManager(actor.Role, "reverse settlements"); err != nil {
		return Result{}, err
	}
	var reversed store.CommitResult
	err = s.withRetry(ctx, "reverse_settlement", func() error {
		var err error
		reversed, err = s.ledger.ReverseSettlement(ctx, store.ReverseInput{
			SettlementID: settlementID,
			ActorID:      actor.ActorID,
			Reason:       reason,
			CreatedAt:    s.now(),
		})
		return err
	})
	if err != nil {
		return Result{}, err
	}
	metrics.SettledAmountTotal.Add(reversed.Settlement.Amount)
	s.announce(notify.KindPaymentStatusUpdated, reversed, actor)
	log.Warn().
		Str("settlement_id", settlementID).
		Str("transaction_id", reversed.Transaction.TransactionID).
		Str("actor_id", actor.ActorID).
		Str("reason", reason).
		Msg("settlement reversed")
	return Result{Transaction: reversed.Transaction, Settlements: reversed.Settlements}, nil
}

// GetSettlements returns the transaction's entries newest first.
func (s *Service) GetSettlements(ctx context.Context, transactionID string) ([]models.Settlement, error) {
	return s.ledger.ListSettlements(ctx, transactionID)
}

func (s *Service) announce(kind notify.Kind, committed store.CommitResult, actor models.Actor) {
	tx := committed.Transaction
	settlement := committed.Settlement
	s.publisher.Publish(notify.Event{
		Type:           kind,
		Transaction:    &tx,
		Settlement:     &settlement,
		PreviousStatus: string(committed.PreviousStatus),
		NewStatus:      string(tx.PaymentStatus),
		ActorID:        actor.ActorID,
		Timestamp:      settlement.CreatedAt,
	})
}

// withRetry reruns a commit that lost a lock race. Balance and validation
// errors are final.
func (s *Service) withRetry(ctx context.Context, operation string, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retryInterval
	policy.MaxInterval = 20 * s.retryInterval
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if err != nil && !errors.Is(err, store.ErrConcurrencyConflict) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(s.retries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			metrics.ConflictRetriesTotal.WithLabelValues(operation).Inc()
			log.Debug().Err(err).Str("operation", operation).Dur("next", next).Msg("retrying settlement after conflict")
		}),
	)
	return err
}

// settlementOutcome separates overdraw rejections from other failures.
func settlementOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, store.ErrExceedsRemainingBalance):
		return "exceeds_balance"
	default:
		return "error"
	}
}

func (s *Service) startSpan(ctx context.Context, name string, actor models.Actor, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("actor.id", actor.ActorID), attribute.String("actor.role", string(actor.Role)))
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
