package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lunastreaming/backend-luna-plataformas-v1-sub000/internal/middleware"
	"github.com/lunastreaming/backend-luna-plataformas-v1-sub000/internal/models"
	"github.com/shopspring/decimal"
)

// maxBalanceRetries bounds the internal re-execution of an atomic unit after
// an optimistic-lock conflict before the conflict is surfaced to the caller.
const maxBalanceRetries = 3

// LedgerService is the sole integrity boundary for money. Every balance
// mutation happens inside one database transaction that locks the accounts
// involved (in ascending identifier order), applies the deltas under a
// version guard and records the matching ledger entries. Partial application
// is impossible: the transaction commits whole or rolls back whole.
type LedgerService struct {
	db *sql.DB
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{db: db}
}

// FindAccount resolves an account by its id or owning user id without
// locking it.
func (s *LedgerService) FindAccount(id string) (*models.Account, error) {
	var account models.Account
	var role string
	err := s.db.QueryRow(`
		SELECT id, user_id, role, balance, version, status, updated_at
		FROM accounts
		WHERE id = $1 OR user_id = $1
		LIMIT 1`, id).Scan(
		&account.ID, &account.UserID, &role, &account.Balance,
		&account.Version, &account.Status, &account.UpdatedAt)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: account %s", ErrNotFound, id)
		}
		return nil, err
	}

	parsed, ok := models.ParseRole(role)
	if !ok {
		return nil, fmt.Errorf("account %s has unknown role %q", account.ID, role)
	}
	account.Role = parsed
	return &account, nil
}

// RunAtomic executes fn inside one database transaction, re-running it from
// scratch a bounded number of times when it fails on a stale account version.
func (s *LedgerService) RunAtomic(fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxBalanceRetries; attempt++ {
		err = s.runOnce(fn)
		if err == nil || !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
		log.Printf("[LEDGER] version conflict, retrying (%d/%d): %v", attempt, maxBalanceRetries, err)
	}
	return err
}

func (s *LedgerService) runOnce(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

// RecordPending appends a ledger entry that carries no balance effect yet
// (a recharge awaiting approval).
func (s *LedgerService) RecordPending(entry *models.LedgerEntry) error {
	return s.RunAtomic(func(tx *sql.Tx) error {
		return s.recordEntry(tx, entry)
	})
}

// lockAccount acquires an exclusive row lock on the account for the duration
// of the enclosing transaction.
func (s *LedgerService) lockAccount(tx *sql.Tx, id string) (*models.Account, error) {
	var account models.Account
	var role string
	err := tx.QueryRow(`
		SELECT id, user_id, role, balance, version, status, updated_at
		FROM accounts
		WHERE id = $1 OR user_id = $1
		LIMIT 1
		FOR UPDATE`, id).Scan(
		&account.ID, &account.UserID, &role, &account.Balance,
		&account.Version, &account.Status, &account.UpdatedAt)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: account %s", ErrNotFound, id)
		}
		return nil, err
	}

	parsed, ok := models.ParseRole(role)
	if !ok {
		return nil, fmt.Errorf("account %s has unknown role %q", account.ID, role)
	}
	account.Role = parsed
	return &account, nil
}

// lockAccountPair locks two accounts in ascending identifier order so that
// concurrent cross-account operations can never deadlock, and returns them
// matching the argument order.
func (s *LedgerService) lockAccountPair(tx *sql.Tx, firstID, secondID string) (*models.Account, *models.Account, error) {
	lockFirst, lockSecond := firstID, secondID
	if lockFirst > lockSecond {
		lockFirst, lockSecond = lockSecond, lockFirst
	}

	a, err := s.lockAccount(tx, lockFirst)
	if err != nil {
		return nil, nil, err
	}

	b, err := s.lockAccount(tx, lockSecond)
	if err != nil {
		return nil, nil, err
	}

	if lockFirst != firstID {
		a, b = b, a
	}
	return a, b, nil
}

// applyDelta adds a signed amount to a locked account's balance, re-scales it
// to 2 decimals and bumps the version. The version guard in the UPDATE catches
// any writer that slipped in between read and write. Balances may not go
// negative unless the caller explicitly opts into overdraft (provider debits
// during a refund do).
func (s *LedgerService) applyDelta(tx *sql.Tx, account *models.Account, delta decimal.Decimal, allowOverdraft bool) (*models.Account, error) {
	newBalance := account.Balance.Add(delta).Round(2)
	if newBalance.IsNegative() && !allowOverdraft {
		return nil, fmt.Errorf("%w: insufficient balance on account %s", ErrValidation, account.ID)
	}

	result, err := tx.Exec(`
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, time.Now(), account.ID, account.Version)

	if err != nil {
		return nil, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}

	if rowsAffected == 0 {
		return nil, fmt.Errorf("%w: account %s version %d is stale", ErrConcurrencyConflict, account.ID, account.Version)
	}

	account.Balance = newBalance
	account.Version++
	return account, nil
}

// recordEntry appends a ledger entry in the same transaction as the balance
// delta it represents.
func (s *LedgerService) recordEntry(tx *sql.Tx, entry *models.LedgerEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	_, err := tx.Exec(`
		INSERT INTO transactions
		(id, account_id, kind, amount, currency, exchange_rate, status, correlation_id, description, approved_by, approved_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entry.ID, entry.AccountID, entry.Kind, entry.Amount, entry.Currency,
		entry.ExchangeRate, entry.Status, entry.CorrelationID, entry.Description,
		entry.ApprovedBy, entry.ApprovedAt, entry.CreatedAt)
	return err
}

// lockEntry loads a ledger entry FOR UPDATE so that concurrent status
// transitions on the same entry serialize.
func (s *LedgerService) lockEntry(tx *sql.Tx, id string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := tx.QueryRow(`
		SELECT id, account_id, kind, amount, currency, exchange_rate, status, correlation_id, description, approved_by, approved_at, created_at
		FROM transactions
		WHERE id = $1
		FOR UPDATE`, id).Scan(
		&entry.ID, &entry.AccountID, &entry.Kind, &entry.Amount, &entry.Currency,
		&entry.ExchangeRate, &entry.Status, &entry.CorrelationID, &entry.Description,
		&entry.ApprovedBy, &entry.ApprovedAt, &entry.CreatedAt)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &entry, nil
}

// fetchEntries returns the most recent ledger entries for an account.
func (s *LedgerService) fetchEntries(accountID string, limit int) ([]models.LedgerEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, account_id, kind, amount, currency, exchange_rate, status, correlation_id, description, approved_by, approved_at, created_at
		FROM transactions
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var entry models.LedgerEntry
		err := rows.Scan(
			&entry.ID, &entry.AccountID, &entry.Kind, &entry.Amount, &entry.Currency,
			&entry.ExchangeRate, &entry.Status, &entry.CorrelationID, &entry.Description,
			&entry.ApprovedBy, &entry.ApprovedAt, &entry.CreatedAt)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// GetBalance returns the authenticated user's balance
// @Summary Get account balance
// @Description Retrieve the balance of the authenticated user's account
// @Tags accounts
// @Produce json
// @Success 200 {object} object{account_id=string,balance=string,currency=string}
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /accounts/balance [get]
func (s *LedgerService) GetBalance(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	account, err := s.FindAccount(principal.UserID)
	if err != nil {
		WriteServiceError(w, "LEDGER", err)
		return
	}

	if account.Status != models.AccountStatusActive {
		SendErrorResponse(w, "Account not active", http.StatusForbidden, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"account_id": account.ID,
		"balance":    account.Balance.StringFixed(2),
		"currency":   models.CurrencyUSD,
	})
}

// ListEntries returns recent ledger entries for the authenticated user
// @Summary List recent ledger entries
// @Description Retrieve the most recent ledger entries of the authenticated user's account
// @Tags accounts
// @Produce json
// @Param limit query int false "Number of entries to return (default: 20, max: 100)"
// @Success 200 {object} object{entries=[]models.LedgerEntry,count=int}
// @Failure 401 {object} ErrorResponse
// @Router /transactions [get]
func (s *LedgerService) ListEntries(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil {
			limit = l
		}
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	account, err := s.FindAccount(principal.UserID)
	if err != nil {
		WriteServiceError(w, "LEDGER", err)
		return
	}

	entries, err := s.fetchEntries(account.ID, limit)
	if err != nil {
		WriteServiceError(w, "LEDGER", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}
