package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"qms/counter-service/internal/ledger"
	"qms/counter-service/internal/models"
	"qms/counter-service/internal/store"
)

func (s *Store) transaction(transactionID string) (*transactionRecord, error) {
	s.mu.RLock()
	rec, ok := s.transactions[transactionID]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	return rec, nil
}

func (s *Store) CreateTransaction(ctx context.Context, input store.CreateTransactionInput) (models.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return models.Transaction{}, err
	}
	if err := ledger.ValidateAmount(input.OwedAmount); err != nil {
		return models.Transaction{}, err
	}
	id := input.TransactionID
	if id == "" {
		id = uuid.NewString()
	}
	tx := models.Transaction{
		TransactionID: id,
		CustomerID:    input.CustomerID,
		OwedAmount:    ledger.RoundCents(input.OwedAmount),
		PaymentStatus: models.PaymentUnpaid,
		CreatedAt:     createdAt(input.CreatedAt),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.transactions[id]; exists {
		return models.Transaction{}, store.ErrTransactionExists
	}
	s.transactions[id] = &transactionRecord{tx: tx}
	return tx, nil
}

func (s *Store) GetTransaction(ctx context.Context, transactionID string) (models.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return models.Transaction{}, err
	}
	rec, err := s.transaction(transactionID)
	if err != nil {
		return models.Transaction{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.tx, nil
}

// CommitSettlement reads the committed sum and appends the new entry under
// the transaction's own lock, so two commits against one transaction never
// both see the same remaining balance.
func (s *Store) CommitSettlement(ctx context.Context, input store.CommitInput) (store.CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return store.CommitResult{}, err
	}
	if err := ledger.ValidateAmount(input.Amount); err != nil {
		return store.CommitResult{}, err
	}
	if err := ledger.ValidateMode(input.Mode); err != nil {
		return store.CommitResult{}, err
	}
	rec, err := s.transaction(input.TransactionID)
	if err != nil {
		return store.CommitResult{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if err := ledger.CheckCommit(input.Amount, rec.tx.OwedAmount, ledger.Sum(rec.settlements)); err != nil {
		return store.CommitResult{}, err
	}
	settlement := models.Settlement{
		SettlementID:  uuid.NewString(),
		TransactionID: input.TransactionID,
		Amount:        ledger.RoundCents(input.Amount),
		Mode:          input.Mode,
		ActorID:       input.ActorID,
		CreatedAt:     createdAt(input.CreatedAt),
	}
	return s.appendSettlement(rec, settlement), nil
}

// ReverseSettlement appends the contra-entry for input.SettlementID.
func (s *Store) ReverseSettlement(ctx context.Context, input store.ReverseInput) (store.CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return store.CommitResult{}, err
	}
	s.mu.RLock()
	transactionID, ok := s.settlements[input.SettlementID]
	s.mu.RUnlock()
	if !ok {
		return store.CommitResult{}, store.ErrSettlementNotFound
	}
	rec, err := s.transaction(transactionID)
	if err != nil {
		return store.CommitResult{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var original *models.Settlement
	for i := range rec.settlements {
		if rec.settlements[i].SettlementID == input.SettlementID {
			original = &rec.settlements[i]
			break
		}
	}
	if original == nil {
		return store.CommitResult{}, store.ErrSettlementNotFound
	}
	amount, err := ledger.ReversalOf(*original, rec.settlements)
	if err != nil {
		return store.CommitResult{}, err
	}
	reverses := original.SettlementID
	contra := models.Settlement{
		SettlementID:  uuid.NewString(),
		TransactionID: transactionID,
		Amount:        amount,
		Mode:          original.Mode,
		ActorID:       input.ActorID,
		CreatedAt:     createdAt(input.CreatedAt),
		ReversesID:    &reverses,
		Reason:        input.Reason,
	}
	return s.appendSettlement(rec, contra), nil
}

// appendSettlement must be called with rec.mu held.
func (s *Store) appendSettlement(rec *transactionRecord, settlement models.Settlement) store.CommitResult {
	previous := rec.tx.PaymentStatus
	rec.settlements = append(rec.settlements, settlement)
	rec.tx = ledger.Apply(rec.tx, settlement.Amount)

	s.mu.Lock()
	s.settlements[settlement.SettlementID] = settlement.TransactionID
	s.mu.Unlock()

	history := make([]models.Settlement, len(rec.settlements))
	copy(history, rec.settlements)
	ledger.NewestFirst(history)
	return store.CommitResult{Settlement: settlement, Transaction: rec.tx, PreviousStatus: previous, Settlements: history}
}

// ListSettlements returns the transaction's entries newest first.
func (s *Store) ListSettlements(ctx context.Context, transactionID string) ([]models.Settlement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := s.transaction(transactionID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	out := make([]models.Settlement, len(rec.settlements))
	copy(out, rec.settlements)
	rec.mu.Unlock()
	ledger.NewestFirst(out)
	return out, nil
}

func createdAt(t time.Time) time.Time {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC()
}
