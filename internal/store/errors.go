package store

import (
	"errors"
	"fmt"

	"qms/counter-service/internal/models"
)

var (
	ErrCustomerNotFound        = errors.New("customer not found")
	ErrCounterNotFound         = errors.New("counter not found")
	ErrCounterInactive         = errors.New("counter inactive")
	ErrCounterBusy             = errors.New("counter busy")
	ErrCustomerAlreadyAssigned = errors.New("customer already assigned")
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrSettlementNotFound      = errors.New("settlement not found")
	ErrInvalidTransition       = errors.New("invalid transition")
	ErrAccessDenied            = errors.New("access denied")
	ErrExceedsRemainingBalance = errors.New("exceeds remaining balance")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidMode             = errors.New("invalid payment mode")
	ErrAlreadyReversed         = errors.New("settlement already reversed")
	ErrInvalidReversal         = errors.New("contra-entries cannot be reversed")
	ErrConcurrencyConflict     = errors.New("concurrency conflict")
	ErrEventChainBroken        = errors.New("queue event chain broken")
	ErrCounterRequired         = errors.New("counter required to serve a customer")
	ErrTransactionExists       = errors.New("transaction already exists")
	ErrInvalidPosition         = errors.New("manual position must be positive")
	ErrInvalidCustomer         = errors.New("customer name is required")
)

type InvalidTransitionError struct {
	From models.Status
	To   models.Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// AccessDeniedError names the role and what it was denied. Action is set for
// operations that are not status transitions.
type AccessDeniedError struct {
	Role   models.Role
	Action string
	From   models.Status
	To     models.Status
}

func (e *AccessDeniedError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("role %q may not %s", e.Role, e.Action)
	}
	return fmt.Sprintf("role %q may not move a customer from %s to %s", e.Role, e.From, e.To)
}

func (e *AccessDeniedError) Is(target error) bool {
	return target == ErrAccessDenied
}

type ExceedsRemainingBalanceError struct {
	Attempted float64
	Remaining float64
}

func (e *ExceedsRemainingBalanceError) Error() string {
	return fmt.Sprintf("settlement of %.2f exceeds remaining balance %.2f", e.Attempted, e.Remaining)
}

func (e *ExceedsRemainingBalanceError) Is(target error) bool {
	return target == ErrExceedsRemainingBalance
}
