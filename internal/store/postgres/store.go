package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"qms/counter-service/internal/store"
)

const (
	counterCustomerIndex   = "counters_current_customer_uidx"
	settlementReverseIndex = "settlements_reverses_uidx"
)

type Store struct {
	pool *pgxpool.Pool
}

var (
	_ store.QueueStore      = (*Store)(nil)
	_ store.CounterAssigner = (*Store)(nil)
	_ store.LedgerStore     = (*Store)(nil)
	_ store.Archiver        = (*Store)(nil)
)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// inTx runs fn in one transaction and commits when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return translateError(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(tx); err != nil {
		return translateError(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return translateError(err)
	}
	return nil
}

// translateError maps lock and serialization failures onto
// ErrConcurrencyConflict and known unique indexes onto domain errors.
func translateError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return fmt.Errorf("%w: %s", store.ErrConcurrencyConflict, pgErr.Message)
	case "23505":
		switch pgErr.ConstraintName {
		case counterCustomerIndex:
			return store.ErrCustomerAlreadyAssigned
		case settlementReverseIndex:
			return store.ErrAlreadyReversed
		}
	}
	return err
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	v := value.Time.UTC()
	return &v
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}

func nullIntPtr(value sql.NullInt32) *int {
	if !value.Valid {
		return nil
	}
	v := int(value.Int32)
	return &v
}
