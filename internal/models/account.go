package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Role is the closed set of account roles. A role is resolved exactly once at
// the trust boundary (see middleware.AuthMiddleware); business logic compares
// Role values, never raw strings.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleProvider Role = "provider"
	RoleSeller   Role = "seller"
	RoleBuyer    Role = "buyer"
)

// ParseRole maps a stored or claimed role string onto the closed set.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin, true
	case RoleProvider:
		return RoleProvider, true
	case RoleSeller:
		return RoleSeller, true
	case RoleBuyer:
		return RoleBuyer, true
	}
	return "", false
}

const (
	AccountStatusActive   = "active"
	AccountStatusDisabled = "disabled"
)

// Account holds one user's settlement-currency balance. Balance is only ever
// mutated through the ledger service inside a transaction that also records
// the matching ledger entry; the version column is the optimistic-lock guard.
type Account struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Role      Role            `json:"role" db:"role"`
	Balance   decimal.Decimal `json:"balance" db:"balance"` // 2-digit scale
	Version   int             `json:"version" db:"version"` // for optimistic locking
	Status    string          `json:"status" db:"status"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}
