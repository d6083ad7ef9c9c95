package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"qms/counter-service/internal/ledger"
	"qms/counter-service/internal/models"
	"qms/counter-service/internal/store"
)

const transactionColumns = `transaction_id, customer_id, owed_amount::float8, paid_amount::float8, payment_status, created_at`

const settlementColumns = `settlement_id::text, transaction_id, amount::float8, mode, actor_id, created_at, reverses_id::text, reason`

func scanTransaction(row pgx.Row) (models.Transaction, error) {
	var tx models.Transaction
	if err := row.Scan(&tx.TransactionID, &tx.CustomerID, &tx.OwedAmount, &tx.PaidAmount, &tx.PaymentStatus, &tx.CreatedAt); err != nil {
		return models.Transaction{}, err
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	return tx, nil
}

func scanSettlement(row pgx.Row) (models.Settlement, error) {
	var settlement models.Settlement
	var reverses sql.NullString
	if err := row.Scan(
		&settlement.SettlementID,
		&settlement.TransactionID,
		&settlement.Amount,
		&settlement.Mode,
		&settlement.ActorID,
		&settlement.CreatedAt,
		&reverses,
		&settlement.Reason,
	); err != nil {
		return models.Settlement{}, err
	}
	settlement.CreatedAt = settlement.CreatedAt.UTC()
	settlement.ReversesID = nullStringPtr(reverses)
	return settlement, nil
}

func (s *Store) CreateTransaction(ctx context.Context, input store.CreateTransactionInput) (models.Transaction, error) {
	if err := ledger.ValidateAmount(input.OwedAmount); err != nil {
		return models.Transaction{}, err
	}
	id := input.TransactionID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO transactions (transaction_id, customer_id, owed_amount, paid_amount, payment_status, created_at)
		VALUES ($1, $2, $3, 0, 'unpaid', $4)
		ON CONFLICT (transaction_id) DO NOTHING
		RETURNING `+transactionColumns,
		id, input.CustomerID, ledger.RoundCents(input.OwedAmount), createdAt)
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Transaction{}, store.ErrTransactionExists
		}
		return models.Transaction{}, err
	}
	return tx, nil
}

func (s *Store) GetTransaction(ctx context.Context, transactionID string) (models.Transaction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE transaction_id = $1`, transactionID)
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Transaction{}, store.ErrTransactionNotFound
		}
		return models.Transaction{}, err
	}
	return tx, nil
}

func lockTransaction(ctx context.Context, tx pgx.Tx, transactionID string) (models.Transaction, error) {
	row := tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE transaction_id = $1 FOR UPDATE`, transactionID)
	locked, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Transaction{}, store.ErrTransactionNotFound
		}
		return models.Transaction{}, err
	}
	return locked, nil
}

// CommitSettlement checks the remaining balance and inserts the entry while
// holding the transaction row lock, so concurrent commits against one
// transaction are decided one at a time.
func (s *Store) CommitSettlement(ctx context.Context, input store.CommitInput) (store.CommitResult, error) {
	if err := ledger.ValidateAmount(input.Amount); err != nil {
		return store.CommitResult{}, err
	}
	if err := ledger.ValidateMode(input.Mode); err != nil {
		return store.CommitResult{}, err
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var result store.CommitResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		locked, err := lockTransaction(ctx, tx, input.TransactionID)
		if err != nil {
			return err
		}
		committed, err := committedSum(ctx, tx, input.TransactionID)
		if err != nil {
			return err
		}
		if err := ledger.CheckCommit(input.Amount, locked.OwedAmount, committed); err != nil {
			return err
		}
		settlement := models.Settlement{
			SettlementID:  uuid.NewString(),
			TransactionID: input.TransactionID,
			Amount:        ledger.RoundCents(input.Amount),
			Mode:          input.Mode,
			ActorID:       input.ActorID,
			CreatedAt:     createdAt.UTC().Truncate(time.Microsecond),
		}
		result, err = appendSettlement(ctx, tx, locked, committed, settlement)
		return err
	})
	if err != nil {
		return store.CommitResult{}, err
	}
	return result, nil
}

func (s *Store) ReverseSettlement(ctx context.Context, input store.ReverseInput) (store.CommitResult, error) {
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	if _, err := uuid.Parse(input.SettlementID); err != nil {
		return store.CommitResult{}, store.ErrSettlementNotFound
	}

	var result store.CommitResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var transactionID string
		row := tx.QueryRow(ctx, `SELECT transaction_id FROM settlements WHERE settlement_id = $1`, input.SettlementID)
		if err := row.Scan(&transactionID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrSettlementNotFound
			}
			return err
		}
		locked, err := lockTransaction(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		existing, err := listSettlements(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		var original *models.Settlement
		for i := range existing {
			if existing[i].SettlementID == input.SettlementID {
				original = &existing[i]
				break
			}
		}
		if original == nil {
			return store.ErrSettlementNotFound
		}
		amount, err := ledger.ReversalOf(*original, existing)
		if err != nil {
			return err
		}
		reverses := original.SettlementID
		contra := models.Settlement{
			SettlementID:  uuid.NewString(),
			TransactionID: transactionID,
			Amount:        amount,
			Mode:          original.Mode,
			ActorID:       input.ActorID,
			CreatedAt:     createdAt.UTC().Truncate(time.Microsecond),
			ReversesID:    &reverses,
			Reason:        input.Reason,
		}
		result, err = appendSettlement(ctx, tx, locked, ledger.Sum(existing), contra)
		return err
	})
	if err != nil {
		return store.CommitResult{}, err
	}
	return result, nil
}

func committedSum(ctx context.Context, tx pgx.Tx, transactionID string) (float64, error) {
	var sum float64
	row := tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0)::float8 FROM settlements WHERE transaction_id = $1`, transactionID)
	if err := row.Scan(&sum); err != nil {
		return 0, err
	}
	return ledger.RoundCents(sum), nil
}

// appendSettlement inserts the entry and rewrites the derived paid amount and
// status. The caller holds the transaction row lock.
func appendSettlement(ctx context.Context, tx pgx.Tx, locked models.Transaction, committed float64, settlement models.Settlement) (store.CommitResult, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO settlements (settlement_id, transaction_id, amount, mode, actor_id, created_at, reverses_id, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, settlement.SettlementID, settlement.TransactionID, settlement.Amount, settlement.Mode, settlement.ActorID,
		settlement.CreatedAt, settlement.ReversesID, settlement.Reason)
	if err != nil {
		return store.CommitResult{}, err
	}

	previous := locked.PaymentStatus
	locked.PaidAmount = committed
	updated := ledger.Apply(locked, settlement.Amount)
	if _, err := tx.Exec(ctx, `
		UPDATE transactions SET paid_amount = $1, payment_status = $2
		WHERE transaction_id = $3
	`, updated.PaidAmount, updated.PaymentStatus, updated.TransactionID); err != nil {
		return store.CommitResult{}, err
	}
	history, err := listSettlements(ctx, tx, settlement.TransactionID)
	if err != nil {
		return store.CommitResult{}, err
	}
	ledger.NewestFirst(history)
	return store.CommitResult{Settlement: settlement, Transaction: updated, PreviousStatus: previous, Settlements: history}, nil
}

func (s *Store) ListSettlements(ctx context.Context, transactionID string) ([]models.Settlement, error) {
	if _, err := s.GetTransaction(ctx, transactionID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+settlementColumns+`
		FROM settlements
		WHERE transaction_id = $1
		ORDER BY created_at DESC, settlement_id DESC
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSettlements(rows)
}

func listSettlements(ctx context.Context, tx pgx.Tx, transactionID string) ([]models.Settlement, error) {
	rows, err := tx.Query(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE transaction_id = $1`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSettlements(rows)
}

func collectSettlements(rows pgx.Rows) ([]models.Settlement, error) {
	var settlements []models.Settlement
	for rows.Next() {
		settlement, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		settlements = append(settlements, settlement)
	}
	return settlements, rows.Err()
}
