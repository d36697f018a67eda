package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lunastreaming/backend-luna-plataformas-v1-sub000/internal/middleware"
	"github.com/lunastreaming/backend-luna-plataformas-v1-sub000/internal/models"
	"github.com/shopspring/decimal"
)

// RechargeService drives the pending -> approved/rejected/cancelled recharge
// workflow. A pending entry carries no balance effect; the credit lands
// atomically with the approval, and every terminal status is final.
type RechargeService struct {
	db        *sql.DB
	ledger    *LedgerService
	exchange  *ExchangeService
	validator *ValidationHelper
}

func NewRechargeService(db *sql.DB, ledger *LedgerService, exchange *ExchangeService) *RechargeService {
	return &RechargeService{
		db:        db,
		ledger:    ledger,
		exchange:  exchange,
		validator: NewValidationHelper(),
	}
}

// RequestRecharge creates a pending recharge entry for the user. When the
// user pays in soles the amount is converted to the settlement currency at
// the current rate and the rate used is stamped on the entry.
func (s *RechargeService) RequestRecharge(userID string, amount decimal.Decimal, inSoles bool) (*models.LedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: recharge amount must be positive", ErrValidation)
	}

	account, err := s.ledger.FindAccount(userID)
	if err != nil {
		return nil, err
	}

	entry := &models.LedgerEntry{
		AccountID:   account.ID,
		Kind:        models.EntryKindRecharge,
		Amount:      amount.Round(2),
		Currency:    models.CurrencyUSD,
		Status:      models.EntryStatusPending,
		Description: "balance recharge",
	}

	if inSoles {
		rate, err := s.exchange.GetCurrentRate()
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%w: cannot convert soles", ErrRateUnavailable)
			}
			return nil, err
		}
		entry.Amount = amount.DivRound(rate.Rate, 2)
		entry.Currency = models.CurrencyPEN
		entry.ExchangeRate = &rate.Rate
		entry.Description = fmt.Sprintf("balance recharge (%s PEN at %s)", amount.StringFixed(2), rate.Rate)
	}

	if err := s.ledger.RecordPending(entry); err != nil {
		return nil, err
	}

	log.Printf("[RECHARGE] Created pending recharge %s for account %s: %s USD", entry.ID, account.ID, entry.Amount.StringFixed(2))
	return entry, nil
}

// Approve credits the recharge amount and flips the entry to approved in one
// atomic unit. Admin only; the entry must still be pending.
func (s *RechargeService) Approve(txID, approverID string) (*models.LedgerEntry, error) {
	approver, err := s.ledger.FindAccount(approverID)
	if err != nil {
		return nil, err
	}
	if approver.Role != models.RoleAdmin {
		return nil, fmt.Errorf("%w: only admins may approve recharges", ErrUnauthorized)
	}

	var approved *models.LedgerEntry
	err = s.ledger.RunAtomic(func(tx *sql.Tx) error {
		entry, err := s.ledger.lockEntry(tx, txID)
		if err != nil {
			return err
		}
		if entry.Terminal() {
			return fmt.Errorf("%w: transaction %s is already %s", ErrStateConflict, entry.ID, entry.Status)
		}

		account, err := s.ledger.lockAccount(tx, entry.AccountID)
		if err != nil {
			return err
		}

		if _, err := s.ledger.applyDelta(tx, account, entry.Amount, false); err != nil {
			return err
		}

		if err := s.transition(tx, entry, models.EntryStatusApproved, approver.ID); err != nil {
			return err
		}

		approved = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[RECHARGE] Approved %s by %s: credited %s USD to %s", approved.ID, approver.ID, approved.Amount.StringFixed(2), approved.AccountID)
	return approved, nil
}

// Reject flips a pending entry to rejected with no balance effect.
func (s *RechargeService) Reject(txID, approverID string) (*models.LedgerEntry, error) {
	approver, err := s.ledger.FindAccount(approverID)
	if err != nil {
		return nil, err
	}
	if approver.Role != models.RoleAdmin {
		return nil, fmt.Errorf("%w: only admins may reject recharges", ErrUnauthorized)
	}

	return s.resolveWithoutCredit(txID, models.EntryStatusRejected, approver.ID)
}

// Cancel flips a pending entry to cancelled with no balance effect. Permitted
// for the transaction owner or an admin.
func (s *RechargeService) Cancel(txID, actorID string) (*models.LedgerEntry, error) {
	actor, err := s.ledger.FindAccount(actorID)
	if err != nil {
		return nil, err
	}

	var cancelled *models.LedgerEntry
	err = s.ledger.RunAtomic(func(tx *sql.Tx) error {
		entry, err := s.ledger.lockEntry(tx, txID)
		if err != nil {
			return err
		}
		if actor.Role != models.RoleAdmin && actor.ID != entry.AccountID {
			return fmt.Errorf("%w: only the owner or an admin may cancel", ErrUnauthorized)
		}
		if entry.Terminal() {
			return fmt.Errorf("%w: transaction %s is already %s", ErrStateConflict, entry.ID, entry.Status)
		}

		if err := s.transition(tx, entry, models.EntryStatusCancelled, actor.ID); err != nil {
			return err
		}
		cancelled = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[RECHARGE] Cancelled %s by %s", cancelled.ID, actor.ID)
	return cancelled, nil
}

func (s *RechargeService) resolveWithoutCredit(txID, status, actorID string) (*models.LedgerEntry, error) {
	var resolved *models.LedgerEntry
	err := s.ledger.RunAtomic(func(tx *sql.Tx) error {
		entry, err := s.ledger.lockEntry(tx, txID)
		if err != nil {
			return err
		}
		if entry.Terminal() {
			return fmt.Errorf("%w: transaction %s is already %s", ErrStateConflict, entry.ID, entry.Status)
		}

		if err := s.transition(tx, entry, status, actorID); err != nil {
			return err
		}
		resolved = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[RECHARGE] Resolved %s as %s by %s", resolved.ID, status, actorID)
	return resolved, nil
}

// transition performs the single pending -> terminal status flip. The status
// guard in the WHERE clause keeps the transition exactly-once even if two
// actors race past the row lock.
func (s *RechargeService) transition(tx *sql.Tx, entry *models.LedgerEntry, status, actorID string) error {
	now := time.Now()
	result, err := tx.Exec(`
		UPDATE transactions
		SET status = $1, approved_by = $2, approved_at = $3
		WHERE id = $4 AND status = $5`,
		status, actorID, now, entry.ID, models.EntryStatusPending)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: transaction %s is no longer pending", ErrStateConflict, entry.ID)
	}

	entry.Status = status
	entry.ApprovedBy = &actorID
	entry.ApprovedAt = &now
	return nil
}

// RechargeRequest is the request payload.
type RechargeRequest struct {
	Amount  string `json:"amount" validate:"required"`
	InSoles bool   `json:"in_soles"`
}

// Request creates a pending recharge
// @Summary Request a balance recharge
// @Description Create a pending recharge for the authenticated user; soles amounts are converted to USD at the current rate
// @Tags recharges
// @Accept json
// @Produce json
// @Param request body RechargeRequest true "Recharge request"
// @Success 201 {object} models.LedgerEntry
// @Failure 400 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /recharges [post]
func (s *RechargeService) Request(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req RechargeRequest
	if err := DecodeStrict(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
		return
	}

	entry, err := s.RequestRecharge(principal.UserID, amount, req.InSoles)
	if err != nil {
		WriteServiceError(w, "RECHARGE", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(entry)
}

// ApproveHandler approves a pending recharge
// @Summary Approve a recharge
// @Description Approve a pending recharge and credit the amount (admin only)
// @Tags recharges
// @Produce json
// @Param txId path string true "Transaction ID"
// @Success 200 {object} models.LedgerEntry
// @Failure 403 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /recharges/{txId}/approve [post]
func (s *RechargeService) ApproveHandler(w http.ResponseWriter, r *http.Request) {
	s.resolveHandler(w, r, func(txID, actorID string) (*models.LedgerEntry, error) {
		return s.Approve(txID, actorID)
	})
}

// RejectHandler rejects a pending recharge
// @Summary Reject a recharge
// @Description Reject a pending recharge with no balance effect (admin only)
// @Tags recharges
// @Produce json
// @Param txId path string true "Transaction ID"
// @Success 200 {object} models.LedgerEntry
// @Failure 403 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /recharges/{txId}/reject [post]
func (s *RechargeService) RejectHandler(w http.ResponseWriter, r *http.Request) {
	s.resolveHandler(w, r, func(txID, actorID string) (*models.LedgerEntry, error) {
		return s.Reject(txID, actorID)
	})
}

// CancelHandler cancels a pending recharge
// @Summary Cancel a recharge
// @Description Cancel a pending recharge with no balance effect (owner or admin)
// @Tags recharges
// @Produce json
// @Param txId path string true "Transaction ID"
// @Success 200 {object} models.LedgerEntry
// @Failure 403 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /recharges/{txId}/cancel [post]
func (s *RechargeService) CancelHandler(w http.ResponseWriter, r *http.Request) {
	s.resolveHandler(w, r, func(txID, actorID string) (*models.LedgerEntry, error) {
		return s.Cancel(txID, actorID)
	})
}

func (s *RechargeService) resolveHandler(w http.ResponseWriter, r *http.Request, resolve func(txID, actorID string) (*models.LedgerEntry, error)) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	txID := chi.URLParam(r, "txId")
	entry, err := resolve(txID, principal.UserID)
	if err != nil {
		WriteServiceError(w, "RECHARGE", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entry)
}
