package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Entry kinds.
const (
	EntryKindRecharge   = "recharge"
	EntryKindRefund     = "refund"
	EntryKindTransfer   = "transfer"
	EntryKindAdjustment = "adjustment"
)

// Entry lifecycle. Pending is the only non-terminal status.
const (
	EntryStatusPending   = "pending"
	EntryStatusApproved  = "approved"
	EntryStatusRejected  = "rejected"
	EntryStatusCancelled = "cancelled"
)

// LedgerEntry is one signed, append-only balance change. Amounts are always
// in the settlement currency (USD); when the user transacted in PEN the
// original currency and the exchange rate applied are kept for audit.
// Refund and transfer entries come in pairs sharing a correlation id.
type LedgerEntry struct {
	ID            string           `json:"id" db:"id"`
	AccountID     string           `json:"account_id" db:"account_id"`
	Kind          string           `json:"kind" db:"kind"`
	Amount        decimal.Decimal  `json:"amount" db:"amount"`
	Currency      string           `json:"currency" db:"currency"`
	ExchangeRate  *decimal.Decimal `json:"exchange_rate,omitempty" db:"exchange_rate"`
	Status        string           `json:"status" db:"status"`
	CorrelationID *string          `json:"correlation_id,omitempty" db:"correlation_id"`
	Description   string           `json:"description" db:"description"`
	ApprovedBy    *string          `json:"approved_by,omitempty" db:"approved_by"`
	ApprovedAt    *time.Time       `json:"approved_at,omitempty" db:"approved_at"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
}

// Terminal reports whether the entry status can no longer change.
func (e *LedgerEntry) Terminal() bool {
	return e.Status != EntryStatusPending
}
