package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Stock lifecycle. Refund and expired are terminal; a refunded credential can
// never be refunded again.
const (
	StockStatusAvailable = "available"
	StockStatusSold      = "sold"
	StockStatusRefund    = "refund"
	StockStatusExpired   = "expired"
)

// Stock is one sellable time-boxed access credential. EndAt is set only once
// the credential is sold (or resolved); BuyerID stays nil until then.
type Stock struct {
	ID         string           `json:"id" db:"id"`
	ProductID  string           `json:"product_id" db:"product_id"`
	BuyerID    *string          `json:"buyer_id,omitempty" db:"buyer_id"`
	Price      decimal.Decimal  `json:"price" db:"price"`
	StartAt    time.Time        `json:"start_at" db:"start_at"`
	EndAt      *time.Time       `json:"end_at,omitempty" db:"end_at"`
	Status     string           `json:"status" db:"status"`
	Resolution string           `json:"resolution" db:"resolution"`
	CreatedAt  time.Time        `json:"created_at" db:"created_at"`

	// Product fields resolved by join where the caller needs them.
	ProviderID   string `json:"provider_id,omitempty" db:"provider_id"`
	DurationDays int    `json:"duration_days,omitempty" db:"duration_days"`
}
