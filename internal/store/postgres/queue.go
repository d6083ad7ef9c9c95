package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"qms/counter-service/internal/models"
	"qms/counter-service/internal/priority"
	"qms/counter-service/internal/store"
)

const customerColumns = `customer_id, name, is_senior, is_disabled, is_pregnant, created_at, manual_position,
	status, counter_id, called_at, processing_started_at, processing_ended_at, completed_at`

// rankOrder is the ORDER BY clause equivalent of priority.Key.Less, scoring
// against the timestamp bound to nowArg.
func rankOrder(nowArg string) string {
	tier := fmt.Sprintf("CASE WHEN is_senior THEN %d WHEN is_disabled THEN %d WHEN is_pregnant THEN %d ELSE %d END",
		priority.TierSenior, priority.TierDisabled, priority.TierPregnant, priority.TierNone)
	age := fmt.Sprintf("LEAST(GREATEST(FLOOR(EXTRACT(EPOCH FROM (%s::timestamptz - created_at)))::bigint, 0), %d)",
		nowArg, priority.Scale-1)
	return fmt.Sprintf("manual_position IS NULL, manual_position ASC, (%s) * %d + %s DESC, customer_id ASC",
		tier, priority.Scale, age)
}

func scanCustomer(row pgx.Row) (models.Customer, error) {
	var customer models.Customer
	var manualPosition sql.NullInt32
	var counterID sql.NullString
	var calledAt, startedAt, endedAt, completedAt sql.NullTime
	if err := row.Scan(
		&customer.CustomerID,
		&customer.Name,
		&customer.Priority.Senior,
		&customer.Priority.Disabled,
		&customer.Priority.Pregnant,
		&customer.CreatedAt,
		&manualPosition,
		&customer.Status,
		&counterID,
		&calledAt,
		&startedAt,
		&endedAt,
		&completedAt,
	); err != nil {
		return models.Customer{}, err
	}
	customer.CreatedAt = customer.CreatedAt.UTC()
	customer.ManualPosition = nullIntPtr(manualPosition)
	customer.CounterID = nullStringPtr(counterID)
	customer.CalledAt = nullTimePtr(calledAt)
	customer.ProcessingStartedAt = nullTimePtr(startedAt)
	customer.ProcessingEndedAt = nullTimePtr(endedAt)
	customer.CompletedAt = nullTimePtr(completedAt)
	return customer, nil
}

func (s *Store) CreateCustomer(ctx context.Context, input store.CreateCustomerInput) (models.Customer, error) {
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO customers (name, is_senior, is_disabled, is_pregnant, created_at, status)
		VALUES ($1, $2, $3, $4, $5, 'waiting')
		RETURNING `+customerColumns,
		strings.TrimSpace(input.Name), input.Priority.Senior, input.Priority.Disabled, input.Priority.Pregnant, createdAt)
	customer, err := scanCustomer(row)
	if err != nil {
		return models.Customer{}, translateError(err)
	}
	return customer, nil
}

func (s *Store) GetCustomer(ctx context.Context, customerID int64) (models.Customer, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+customerColumns+` FROM customers WHERE customer_id = $1`, customerID)
	customer, err := scanCustomer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Customer{}, store.ErrCustomerNotFound
		}
		return models.Customer{}, err
	}
	return customer, nil
}

func (s *Store) ListCustomers(ctx context.Context, statuses ...models.Status) ([]models.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers`
	var args []interface{}
	if len(statuses) > 0 {
		values := make([]string, 0, len(statuses))
		for _, status := range statuses {
			values = append(values, string(status))
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, values)
	}
	query += ` ORDER BY customer_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var customers []models.Customer
	for rows.Next() {
		customer, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, customer)
	}
	return customers, rows.Err()
}

// ClaimCustomer locks the counter row, then takes the best-ranked waiting
// customer that no other transaction holds. Rows locked by a concurrent
// claimer are skipped rather than waited on.
func (s *Store) ClaimCustomer(ctx context.Context, input store.ClaimInput) (store.TransitionResult, bool, error) {
	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	var result store.TransitionResult
	claimed := false
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockFreeCounter(ctx, tx, input.CounterID); err != nil {
			return err
		}

		target := input.CustomerID
		if target != 0 {
			var status models.Status
			row := tx.QueryRow(ctx, `SELECT status FROM customers WHERE customer_id = $1 FOR UPDATE`, target)
			if err := row.Scan(&status); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return store.ErrCustomerNotFound
				}
				return err
			}
			if status != models.StatusWaiting {
				return store.ErrConcurrencyConflict
			}
		} else {
			row := tx.QueryRow(ctx, `
				SELECT customer_id
				FROM customers
				WHERE status = 'waiting'
				ORDER BY `+rankOrder("$1")+`
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			`, calledAt)
			if err := row.Scan(&target); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return nil
				}
				return err
			}
		}

		position, err := waitingPosition(ctx, tx, target, calledAt)
		if err != nil {
			return err
		}

		row := tx.QueryRow(ctx, `
			UPDATE customers
			SET status = 'serving',
				counter_id = $2,
				called_at = $3
			WHERE customer_id = $1 AND status = 'waiting'
			RETURNING `+customerColumns,
			target, input.CounterID, calledAt)
		customer, err := scanCustomer(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrConcurrencyConflict
			}
			return err
		}

		if _, err := tx.Exec(ctx, `UPDATE counters SET current_customer_id = $1 WHERE counter_id = $2`, customer.CustomerID, input.CounterID); err != nil {
			return err
		}

		event, err := insertQueueEvent(ctx, tx, store.NewQueueEvent(customer, models.StatusWaiting, input.ActorID, position, calledAt))
		if err != nil {
			return err
		}
		result = store.TransitionResult{Customer: customer, Previous: models.StatusWaiting, Event: event}
		claimed = true
		return nil
	})
	if err != nil {
		return store.TransitionResult{}, false, err
	}
	return result, claimed, nil
}

func lockFreeCounter(ctx context.Context, tx pgx.Tx, counterID string) error {
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
		return store.ErrCounterBusy
	}
	return nil
}

func waitingPosition(ctx context.Context, tx pgx.Tx, customerID int64, now time.Time) (*int, error) {
	var position int
	row := tx.QueryRow(ctx, `
		SELECT position FROM (
			SELECT customer_id, ROW_NUMBER() OVER (ORDER BY `+rankOrder("$1")+`) AS position
			FROM customers
			WHERE status = 'waiting'
		) ranked
		WHERE customer_id = $2
	`, now, customerID)
	if err := row.Scan(&position); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &position, nil
}

// ApplyTransition moves a customer that is still in input.From. Serving is
// only reachable through ClaimCustomer.
func (s *Store) ApplyTransition(ctx context.Context, input store.TransitionInput) (store.TransitionResult, error) {
	if input.To == models.StatusServing {
		return store.TransitionResult{}, store.ErrCounterRequired
	}
	if !store.ValidTransition(input.From, input.To) {
		return store.TransitionResult{}, &store.InvalidTransitionError{From: input.From, To: input.To}
	}
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	var result store.TransitionResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		customer, err := lockCustomer(ctx, tx, input.CustomerID)
		if err != nil {
			return err
		}
		if customer.Status != input.From {
			return store.ErrConcurrencyConflict
		}
		result, err = transitionTx(ctx, tx, customer, input.To, input.ActorID, occurredAt)
		return err
	})
	if err != nil {
		return store.TransitionResult{}, err
	}
	return result, nil
}

func lockCustomer(ctx context.Context, tx pgx.Tx, customerID int64) (models.Customer, error) {
	row := tx.QueryRow(ctx, `SELECT `+customerColumns+` FROM customers WHERE customer_id = $1 FOR UPDATE`, customerID)
	customer, err := scanCustomer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Customer{}, store.ErrCustomerNotFound
		}
		return models.Customer{}, err
	}
	return customer, nil
}

// transitionTx writes the new status of a customer whose row is already
// locked, frees its counter on a terminal status and appends the event.
func transitionTx(ctx context.Context, tx pgx.Tx, customer models.Customer, to models.Status, actorID string, at time.Time) (store.TransitionResult, error) {
	from := customer.Status
	updateQuery := `UPDATE customers SET status = $1`
	args := []interface{}{to}
	argPos := 2
	setTimestamp := func(column string) {
		updateQuery += fmt.Sprintf(", %s = $%d", column, argPos)
		args = append(args, at)
		argPos++
	}
	switch to {
	case models.StatusProcessing:
		setTimestamp("processing_started_at")
	case models.StatusCompleted, models.StatusCancelled:
		if from == models.StatusProcessing {
			setTimestamp("processing_ended_at")
		}
		if to == models.StatusCompleted {
			setTimestamp("completed_at")
		}
	}
	updateQuery += fmt.Sprintf(" WHERE customer_id = $%d RETURNING %s", argPos, customerColumns)
	args = append(args, customer.CustomerID)

	updated, err := scanCustomer(tx.QueryRow(ctx, updateQuery, args...))
	if err != nil {
		return store.TransitionResult{}, err
	}

	result := store.TransitionResult{Customer: updated, Previous: from}
	if to.Terminal() {
		var counterID string
		row := tx.QueryRow(ctx, `
			UPDATE counters SET current_customer_id = NULL
			WHERE current_customer_id = $1
			RETURNING counter_id
		`, updated.CustomerID)
		switch err := row.Scan(&counterID); {
		case err == nil:
			result.ReleasedCounter = &counterID
		case !errors.Is(err, pgx.ErrNoRows):
			return store.TransitionResult{}, err
		}
	}

	result.Event, err = insertQueueEvent(ctx, tx, store.NewQueueEvent(updated, from, actorID, nil, at))
	if err != nil {
		return store.TransitionResult{}, err
	}
	return result, nil
}

func (s *Store) SetManualPosition(ctx context.Context, input store.ReorderInput) (store.TransitionResult, error) {
	if input.Position != nil && *input.Position < 1 {
		return store.TransitionResult{}, store.ErrInvalidPosition
	}
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	var result store.TransitionResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		customer, err := lockCustomer(ctx, tx, input.CustomerID)
		if err != nil {
			return err
		}
		if customer.Status != models.StatusWaiting {
			return &store.InvalidTransitionError{From: customer.Status, To: models.StatusWaiting}
		}
		var position interface{}
		if input.Position != nil {
			position = *input.Position
		}
		updated, err := scanCustomer(tx.QueryRow(ctx, `
			UPDATE customers SET manual_position = $1
			WHERE customer_id = $2
			RETURNING `+customerColumns, position, customer.CustomerID))
		if err != nil {
			return err
		}
		event, err := insertQueueEvent(ctx, tx, store.NewQueueEvent(updated, models.StatusWaiting, input.ActorID, updated.ManualPosition, occurredAt))
		if err != nil {
			return err
		}
		result = store.TransitionResult{Customer: updated, Previous: models.StatusWaiting, Event: event}
		return nil
	})
	if err != nil {
		return store.TransitionResult{}, err
	}
	return result, nil
}

// ResetQueue cancels every active customer and frees every counter in one
// transaction. Customer rows are locked in id order.
func (s *Store) ResetQueue(ctx context.Context, actorID string, at time.Time) ([]store.TransitionResult, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var results []store.TransitionResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+customerColumns+`
			FROM customers
			WHERE status IN ('waiting', 'serving', 'processing')
			ORDER BY customer_id
			FOR UPDATE
		`)
		if err != nil {
			return err
		}
		var active []models.Customer
		for rows.Next() {
			customer, err := scanCustomer(rows)
			if err != nil {
				rows.Close()
				return err
			}
			active = append(active, customer)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, customer := range active {
			result, err := transitionTx(ctx, tx, customer, models.StatusCancelled, actorID, at)
			if err != nil {
				return err
			}
			results = append(results, result)
		}
		_, err = tx.Exec(ctx, `UPDATE counters SET current_customer_id = NULL WHERE current_customer_id IS NOT NULL`)
		return err
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Store) ListQueueEvents(ctx context.Context, customerID int64) ([]models.QueueEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, seq, payload, created_at, prev_hash, hash
		FROM queue_events
		WHERE customer_id = $1
		ORDER BY seq ASC
	`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.QueueEvent
	for rows.Next() {
		var event models.QueueEvent
		var eventID string
		var seq int
		var payload []byte
		var createdAt time.Time
		var prevHash, hash string
		if err := rows.Scan(&eventID, &seq, &payload, &createdAt, &prevHash, &hash); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, err
		}
		event.EventID = eventID
		event.Seq = seq
		event.CreatedAt = createdAt.UTC()
		event.PrevHash = prevHash
		event.Hash = hash
		events = append(events, event)
	}
	return events, rows.Err()
}

// insertQueueEvent chains event after the customer's latest one. The
// advisory lock serializes appends per customer.
func insertQueueEvent(ctx context.Context, tx pgx.Tx, event models.QueueEvent) (models.QueueEvent, error) {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, event.CustomerID); err != nil {
		return models.QueueEvent{}, err
	}

	var prev *models.QueueEvent
	var lastSeq int
	var lastHash string
	row := tx.QueryRow(ctx, `
		SELECT seq, hash
		FROM queue_events
		WHERE customer_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, event.CustomerID)
	switch err := row.Scan(&lastSeq, &lastHash); {
	case err == nil:
		prev = &models.QueueEvent{Seq: lastSeq, Hash: lastHash}
	case !errors.Is(err, pgx.ErrNoRows):
		return models.QueueEvent{}, err
	}

	chained, err := store.Chain(prev, event)
	if err != nil {
		return models.QueueEvent{}, err
	}
	payload, err := store.EventPayload(chained)
	if err != nil {
		return models.QueueEvent{}, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO queue_events (event_id, customer_id, seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, chained.EventID, chained.CustomerID, chained.Seq, chained.Type, payload, chained.CreatedAt, chained.PrevHash, chained.Hash)
	if err != nil {
		return models.QueueEvent{}, err
	}
	return chained, nil
}

// AverageServiceDuration averages called -> completed over customers
// completed at or after since.
func (s *Store) AverageServiceDuration(ctx context.Context, since time.Time) (time.Duration, bool, error) {
	var avgSeconds sql.NullFloat64
	row := s.pool.QueryRow(ctx, `
		SELECT AVG(EXTRACT(EPOCH FROM (completed_at - called_at)))::float8
		FROM customers
		WHERE status = 'completed' AND called_at IS NOT NULL AND completed_at >= $1
	`, since)
	if err := row.Scan(&avgSeconds); err != nil {
		return 0, false, err
	}
	if !avgSeconds.Valid {
		return 0, false, nil
	}
	return time.Duration(avgSeconds.Float64 * float64(time.Second)), true, nil
}
