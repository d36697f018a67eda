package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/lunastreaming/backend-luna-plataformas-v1-sub000/internal/middleware"
	"github.com/lunastreaming/backend-luna-plataformas-v1-sub000/internal/models"
	"github.com/shopspring/decimal"
)

// RefundService settles a refund across the buyer and provider accounts:
// the stock flips to its terminal refund status, the buyer is credited and
// the provider debited in one atomic unit, with the two ledger legs tied by
// a correlation id. The provider leg may push the balance negative; provider
// settlement is trust-based.
type RefundService struct {
	db          *sql.DB
	ledger      *LedgerService
	validator   *ValidationHelper
	feeFraction decimal.Decimal
}

// NewRefundService constructs the orchestrator. feeFraction reduces the
// prorated refund; current policy keeps it at zero.
func NewRefundService(db *sql.DB, ledger *LedgerService, feeFraction decimal.Decimal) *RefundService {
	return &RefundService{
		db:          db,
		ledger:      ledger,
		validator:   NewValidationHelper(),
		feeFraction: feeFraction,
	}
}

// RefundResult carries the settled amounts back to the caller.
type RefundResult struct {
	StockID         string          `json:"stock_id"`
	RefundAmount    decimal.Decimal `json:"refund_amount"`
	BuyerBalance    decimal.Decimal `json:"buyer_balance"`
	ProviderBalance decimal.Decimal `json:"provider_balance"`
}

// Refund computes and settles the prorated refund for a sold credential.
// With full=true the elapsed time is ignored and the paid price refunds
// whole. Callable by an admin or by the provider owning the product.
func (s *RefundService) Refund(stockID, buyerIDHint string, principal middleware.Principal, full bool) (*RefundResult, error) {
	stock, err := s.findStock(stockID)
	if err != nil {
		return nil, err
	}

	if principal.Role != models.RoleAdmin {
		if principal.Role != models.RoleProvider || principal.UserID != stock.ProviderID {
			return nil, fmt.Errorf("%w: only an admin or the owning provider may refund", ErrUnauthorized)
		}
	}

	buyerID, err := resolveBuyer(stock, buyerIDHint)
	if err != nil {
		return nil, err
	}

	amount := ComputeRefund(stock.Price, stock.DurationDays, stock.StartAt, stock.EndAt, s.feeFraction, time.Now())
	if full {
		amount = stock.Price.Round(2)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: nothing to refund for stock %s", ErrStateConflict, stock.ID)
	}

	correlationID := uuid.NewString()
	var result *RefundResult
	err = s.ledger.RunAtomic(func(tx *sql.Tx) error {
		if err := s.markRefunded(tx, stock.ID, amount); err != nil {
			return err
		}

		buyer, provider, err := s.ledger.lockAccountPair(tx, buyerID, stock.ProviderID)
		if err != nil {
			return err
		}

		buyer, err = s.ledger.applyDelta(tx, buyer, amount, false)
		if err != nil {
			return err
		}

		// Provider settlement is trust-based; the debit may overdraw.
		provider, err = s.ledger.applyDelta(tx, provider, amount.Neg(), true)
		if err != nil {
			return err
		}

		now := time.Now()
		creditLeg := &models.LedgerEntry{
			AccountID:     buyer.ID,
			Kind:          models.EntryKindRefund,
			Amount:        amount,
			Currency:      models.CurrencyUSD,
			Status:        models.EntryStatusApproved,
			CorrelationID: &correlationID,
			Description:   fmt.Sprintf("refund for stock %s", stock.ID),
			ApprovedBy:    &principal.UserID,
			ApprovedAt:    &now,
		}
		if err := s.ledger.recordEntry(tx, creditLeg); err != nil {
			return err
		}

		debitLeg := &models.LedgerEntry{
			AccountID:     provider.ID,
			Kind:          models.EntryKindRefund,
			Amount:        amount.Neg(),
			Currency:      models.CurrencyUSD,
			Status:        models.EntryStatusApproved,
			CorrelationID: &correlationID,
			Description:   fmt.Sprintf("refund charge for stock %s", stock.ID),
			ApprovedBy:    &principal.UserID,
			ApprovedAt:    &now,
		}
		if err := s.ledger.recordEntry(tx, debitLeg); err != nil {
			return err
		}

		result = &RefundResult{
			StockID:         stock.ID,
			RefundAmount:    amount,
			BuyerBalance:    buyer.Balance,
			ProviderBalance: provider.Balance,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[REFUND] Settled %s USD for stock %s: buyer %s credited, provider %s debited",
		amount.StringFixed(2), stock.ID, buyerID, stock.ProviderID)
	return result, nil
}

// markRefunded flips the stock to its terminal refund status. The sold-status
// guard makes a second refund on the same credential fail no matter how the
// calls interleave.
func (s *RefundService) markRefunded(tx *sql.Tx, stockID string, amount decimal.Decimal) error {
	result, err := tx.Exec(`
		UPDATE stock
		SET status = $1, resolution = $2
		WHERE id = $3 AND status = $4`,
		models.StockStatusRefund,
		fmt.Sprintf("refunded %s USD", amount.StringFixed(2)),
		stockID, models.StockStatusSold)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: nothing to refund for stock %s", ErrStateConflict, stockID)
	}
	return nil
}

func (s *RefundService) findStock(id string) (*models.Stock, error) {
	var stock models.Stock
	err := s.db.QueryRow(`
		SELECT s.id, s.product_id, s.buyer_id, s.price, s.start_at, s.end_at, s.status, s.resolution, s.created_at,
		       p.provider_id, p.duration_days
		FROM stock s
		INNER JOIN products p ON s.product_id = p.id
		WHERE s.id = $1`, id).Scan(
		&stock.ID, &stock.ProductID, &stock.BuyerID, &stock.Price, &stock.StartAt,
		&stock.EndAt, &stock.Status, &stock.Resolution, &stock.CreatedAt,
		&stock.ProviderID, &stock.DurationDays)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: stock %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &stock, nil
}

// resolveBuyer takes the buyer recorded on the stock, falling back to the
// caller-supplied hint. A hint that contradicts the record is rejected.
func resolveBuyer(stock *models.Stock, hint string) (string, error) {
	if stock.BuyerID == nil || *stock.BuyerID == "" {
		if hint == "" {
			return "", fmt.Errorf("%w: stock %s has no buyer", ErrValidation, stock.ID)
		}
		return hint, nil
	}
	if hint != "" && hint != *stock.BuyerID {
		return "", fmt.Errorf("%w: buyer %s does not match stock record", ErrValidation, hint)
	}
	return *stock.BuyerID, nil
}

// RefundRequest is the request payload.
type RefundRequest struct {
	StockID string `json:"stock_id" validate:"required"`
	BuyerID string `json:"buyer_id"`
	Full    bool   `json:"full"`
}

// Handle settles a refund
// @Summary Refund a sold credential
// @Description Credit the buyer and debit the provider for a sold credential, prorated unless full is set
// @Tags refunds
// @Accept json
// @Produce json
// @Param request body RefundRequest true "Refund request"
// @Success 200 {object} RefundResult
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /refunds [post]
func (s *RefundService) Handle(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req RefundRequest
	if err := DecodeStrict(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := s.Refund(req.StockID, req.BuyerID, principal, req.Full)
	if err != nil {
		WriteServiceError(w, "REFUND", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
