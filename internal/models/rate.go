package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Supported currencies. USD is the settlement currency; balances are always
// stored in USD regardless of the currency a user transacted in.
const (
	CurrencyUSD = "USD"
	CurrencyPEN = "PEN"
)

// ExchangeRate is one immutable row of PEN-per-USD rate history. The most
// recently created row is the current rate; older rows are never touched.
type ExchangeRate struct {
	ID             string          `json:"id" db:"id"`
	BaseCurrency   string          `json:"base_currency" db:"base_currency"`
	TargetCurrency string          `json:"target_currency" db:"target_currency"`
	Rate           decimal.Decimal `json:"rate" db:"rate"`
	Source         string          `json:"source" db:"source"`
	CreatedBy      string          `json:"created_by" db:"created_by"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}
