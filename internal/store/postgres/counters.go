package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5"

	"qms/counter-service/internal/models"
	"qms/counter-service/internal/store"
)

func scanCounter(row pgx.Row) (models.Counter, error) {
	var counter models.Counter
	var current sql.NullInt64
	if err := row.Scan(&counter.CounterID, &counter.Name, &counter.Active, &current); err != nil {
		return models.Counter{}, err
	}
	if current.Valid {
		id := current.Int64
		counter.CurrentCustomerID = &id
	}
	return counter, nil
}

// UpsertCounter creates the counter or updates its name and active flag. The
// current binding is left alone.
func (s *Store) UpsertCounter(ctx context.Context, counter models.Counter) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO counters (counter_id, name, active)
		VALUES ($1, $2, $3)
		ON CONFLICT (counter_id) DO UPDATE
		SET name = EXCLUDED.name, active = EXCLUDED.active
	`, counter.CounterID, counter.Name, counter.Active)
	return err
}

func (s *Store) GetCounter(ctx context.Context, counterID string) (models.Counter, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT counter_id, name, active, current_customer_id
		FROM counters
		WHERE counter_id = $1
	`, counterID)
	counter, err := scanCounter(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, store.ErrCounterNotFound
		}
		return models.Counter{}, err
	}
	return counter, nil
}

func (s *Store) ListCounters(ctx context.Context) ([]models.Counter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT counter_id, name, active, current_customer_id
		FROM counters
		ORDER BY counter_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counters []models.Counter
	for rows.Next() {
		counter, err := scanCounter(rows)
		if err != nil {
			return nil, err
		}
		counters = append(counters, counter)
	}
	return counters, rows.Err()
}

// Bind associates a customer with a free active counter. The counter row lock
// makes concurrent binds to one counter serialize; the partial unique index
// rejects a customer bound twice.
func (s *Store) Bind(ctx context.Context, customerID int64, counterID string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var active bool
		var current sql.NullInt64
		row := tx.QueryRow(ctx, `SELECT active, current_customer_id FROM counters WHERE counter_id = $1 FOR UPDATE`, counterID)
		if err := row.Scan(&active, &current); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrCounterNotFound
			}
			return err
		}
		if !active {
			return store.ErrCounterInactive
		}
		if current.Valid {
			if current.Int64 == customerID {
				return store.ErrCustomerAlreadyAssigned
			}
			return store.ErrCounterBusy
		}
		_, err := tx.Exec(ctx, `UPDATE counters SET current_customer_id = $1 WHERE counter_id = $2`, customerID, counterID)
		return err
	})
}

// Release frees the counter. Releasing a free counter is a no-op.
func (s *Store) Release(ctx context.Context, counterID string) (bool, error) {
	var released bool
	err := s.pool.QueryRow(ctx, `
		WITH prev AS (
			SELECT counter_id, current_customer_id FROM counters WHERE counter_id = $1 FOR UPDATE
		)
		UPDATE counters c SET current_customer_id = NULL
		FROM prev
		WHERE c.counter_id = prev.counter_id
		RETURNING prev.current_customer_id IS NOT NULL
	`, counterID).Scan(&released)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, store.ErrCounterNotFound
		}
		return false, translateError(err)
	}
	return released, nil
}
