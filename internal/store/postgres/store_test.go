package postgres

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"qms/counter-service/internal/priority"
	"qms/counter-service/internal/store"
)

func TestRankOrderUsesPriorityConstants(t *testing.T) {
	order := rankOrder("$1")
	for _, want := range []string{
		fmt.Sprintf("THEN %d", priority.TierSenior),
		fmt.Sprintf("THEN %d", priority.TierDisabled),
		fmt.Sprintf("THEN %d", priority.TierPregnant),
		fmt.Sprintf("* %d", priority.Scale),
		fmt.Sprintf(", %d)", priority.Scale-1),
		"$1::timestamptz",
	} {
		if !strings.Contains(order, want) {
			t.Fatalf("expected %q in order clause: %s", want, order)
		}
	}
	if !strings.HasPrefix(order, "manual_position IS NULL, manual_position ASC") {
		t.Fatalf("manual positions must lead the order: %s", order)
	}
	if !strings.HasSuffix(order, "customer_id ASC") {
		t.Fatalf("customer id must break ties: %s", order)
	}
}

func TestTranslateError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{name: "serialization", err: &pgconn.PgError{Code: "40001"}, want: store.ErrConcurrencyConflict},
		{name: "deadlock", err: &pgconn.PgError{Code: "40P01"}, want: store.ErrConcurrencyConflict},
		{name: "lock not available", err: &pgconn.PgError{Code: "55P03"}, want: store.ErrConcurrencyConflict},
		{name: "customer bound twice", err: &pgconn.PgError{Code: "23505", ConstraintName: counterCustomerIndex}, want: store.ErrCustomerAlreadyAssigned},
		{name: "reversed twice", err: &pgconn.PgError{Code: "23505", ConstraintName: settlementReverseIndex}, want: store.ErrAlreadyReversed},
		{name: "domain error passes through", err: store.ErrCounterBusy, want: store.ErrCounterBusy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := translateError(tc.err); !errors.Is(got, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}

	other := &pgconn.PgError{Code: "23505", ConstraintName: "customers_pkey"}
	if got := translateError(other); got != error(other) {
		t.Fatalf("unknown unique violation should pass through, got %v", got)
	}
}
