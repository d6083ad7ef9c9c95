// Package ledger holds the balance rules shared by every settlement store.
// Stores call these inside their per-transaction critical section.
package ledger

import (
	"math"
	"sort"

	"qms/counter-service/internal/models"
	"qms/counter-service/internal/store"
)

// Tolerance absorbs floating remainder when comparing money amounts. It is
// well below one cent, so an overshoot of a cent is always rejected.
const Tolerance = 0.001

func RoundCents(value float64) float64 {
	return math.Round(value*100) / 100
}

// ValidateAmount rejects non-positive amounts and fractions of a cent.
func ValidateAmount(amount float64) error {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return store.ErrInvalidAmount
	}
	if math.Abs(amount-RoundCents(amount)) > Tolerance/10 {
		return store.ErrInvalidAmount
	}
	return nil
}

func ValidateMode(mode models.PaymentMode) error {
	if !mode.Valid() {
		return store.ErrInvalidMode
	}
	return nil
}

func Sum(settlements []models.Settlement) float64 {
	total := 0.0
	for _, s := range settlements {
		total += s.Amount
	}
	return RoundCents(total)
}

func Remaining(owed, committed float64) float64 {
	remaining := RoundCents(owed - committed)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CheckCommit decides whether amount fits in what is still owed.
func CheckCommit(amount, owed, committed float64) error {
	remaining := Remaining(owed, committed)
	if amount > remaining+Tolerance {
		return &store.ExceedsRemainingBalanceError{Attempted: amount, Remaining: remaining}
	}
	return nil
}

func Status(owed, paid float64) models.PaymentStatus {
	switch {
	case paid <= Tolerance:
		return models.PaymentUnpaid
	case math.Abs(owed-paid) <= Tolerance:
		return models.PaymentPaid
	default:
		return models.PaymentPartial
	}
}

// Apply returns tx with its paid amount and status moved by delta.
func Apply(tx models.Transaction, delta float64) models.Transaction {
	tx.PaidAmount = RoundCents(tx.PaidAmount + delta)
	tx.PaymentStatus = Status(tx.OwedAmount, tx.PaidAmount)
	return tx
}

// ReversalOf validates original as reversible given the existing entries and
// returns its contra-entry amount.
func ReversalOf(original models.Settlement, existing []models.Settlement) (float64, error) {
	if original.ReversesID != nil {
		return 0, store.ErrInvalidReversal
	}
	for _, s := range existing {
		if s.ReversesID != nil && *s.ReversesID == original.SettlementID {
			return 0, store.ErrAlreadyReversed
		}
	}
	return -original.Amount, nil
}

// NewestFirst orders settlements by creation time, latest first, in place.
func NewestFirst(settlements []models.Settlement) {
	sort.SliceStable(settlements, func(i, j int) bool {
		return newer(settlements[i], settlements[j])
	})
}

func newer(a, b models.Settlement) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.SettlementID > b.SettlementID
}
