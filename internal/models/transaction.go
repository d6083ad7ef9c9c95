package models

import "time"

type PaymentStatus string

const (
	PaymentUnpaid  PaymentStatus = "unpaid"
	PaymentPartial PaymentStatus = "partial"
	PaymentPaid    PaymentStatus = "paid"
)

type PaymentMode string

const (
	ModeCash         PaymentMode = "cash"
	ModeCard         PaymentMode = "card"
	ModeEWallet      PaymentMode = "ewallet"
	ModeBankTransfer PaymentMode = "bank_transfer"
	ModeCheck        PaymentMode = "check"
)

func (m PaymentMode) Valid() bool {
	switch m {
	case ModeCash, ModeCard, ModeEWallet, ModeBankTransfer, ModeCheck:
		return true
	}
	return false
}

type Transaction struct {
	TransactionID string        `json:"transaction_id"`
	CustomerID    int64         `json:"customer_id"`
	OwedAmount    float64       `json:"owed_amount"`
	PaidAmount    float64       `json:"paid_amount"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Settlement is one immutable payment entry. Contra-entries carry a negative
// amount and point at the entry they reverse.
type Settlement struct {
	SettlementID  string      `json:"settlement_id"`
	TransactionID string      `json:"transaction_id"`
	Amount        float64     `json:"amount"`
	Mode          PaymentMode `json:"mode"`
	ActorID       string      `json:"actor_id"`
	CreatedAt     time.Time   `json:"created_at"`
	ReversesID    *string     `json:"reverses_id,omitempty"`
	Reason        string      `json:"reason,omitempty"`
}
