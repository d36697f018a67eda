package services

import (
	"context"
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

// TransferService settles a provider -> seller payment with the platform fee
// on top. The supplier is debited amount * (1 + fee), the seller credited
// exactly amount; the fee difference is booked to no account in this
// subsystem.
type TransferService struct {
	db        *sql.DB
	ledger    *LedgerService
	settings  *SettingsService
	validator *ValidationHelper
}

func NewTransferService(db *sql.DB, ledger *LedgerService, settings *SettingsService) *TransferService {
	return &TransferService{
		db:        db,
		ledger:    ledger,
		settings:  settings,
		validator: NewValidationHelper(),
	}
}

// TransferResult carries the settled balances back to the caller.
type TransferResult struct {
	SupplierBalance decimal.Decimal `json:"supplier_balance"`
	SellerBalance   decimal.Decimal `json:"seller_balance"`
	TotalDebit      decimal.Decimal `json:"total_debit"`
	FeeFraction     decimal.Decimal `json:"fee_fraction"`
}

// Transfer debits the supplier and credits the seller in one atomic unit,
// recording the two correlated transfer legs.
func (s *TransferService) Transfer(ctx context.Context, supplierID, sellerID string, amount decimal.Decimal) (*TransferResult, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: transfer amount must be positive", ErrValidation)
	}
	if supplierID == sellerID {
		return nil, fmt.Errorf("%w: cannot transfer to same account", ErrValidation)
	}

	feeFraction, err := s.settings.FeeFraction(ctx, SettingSupplierDiscount)
	if err != nil {
		return nil, err
	}

	amount = amount.Round(2)
	totalDebit := amount.Mul(one.Add(feeFraction)).Round(2)
	correlationID := uuid.NewString()

	var result *TransferResult
	err = s.ledger.RunAtomic(func(tx *sql.Tx) error {
		supplier, seller, err := s.ledger.lockAccountPair(tx, supplierID, sellerID)
		if err != nil {
			return err
		}

		supplier, err = s.ledger.applyDelta(tx, supplier, totalDebit.Neg(), false)
		if err != nil {
			return err
		}

		seller, err = s.ledger.applyDelta(tx, seller, amount, false)
		if err != nil {
			return err
		}

		now := time.Now()
		debitLeg := &models.LedgerEntry{
			AccountID:     supplier.ID,
			Kind:          models.EntryKindTransfer,
			Amount:        totalDebit.Neg(),
			Currency:      models.CurrencyUSD,
			Status:        models.EntryStatusApproved,
			CorrelationID: &correlationID,
			Description:   fmt.Sprintf("settlement to seller %s (fee %s)", seller.ID, feeFraction),
			ApprovedAt:    &now,
		}
		if err := s.ledger.recordEntry(tx, debitLeg); err != nil {
			return err
		}

		creditLeg := &models.LedgerEntry{
			AccountID:     seller.ID,
			Kind:          models.EntryKindTransfer,
			Amount:        amount,
			Currency:      models.CurrencyUSD,
			Status:        models.EntryStatusApproved,
			CorrelationID: &correlationID,
			Description:   fmt.Sprintf("settlement from supplier %s", supplier.ID),
			ApprovedAt:    &now,
		}
		if err := s.ledger.recordEntry(tx, creditLeg); err != nil {
			return err
		}

		result = &TransferResult{
			SupplierBalance: supplier.Balance,
			SellerBalance:   seller.Balance,
			TotalDebit:      totalDebit,
			FeeFraction:     feeFraction,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[TRANSFER] Settled %s USD from %s to %s (debited %s)", amount.StringFixed(2), supplierID, sellerID, totalDebit.StringFixed(2))
	return result, nil
}

// TransferRequest is the request payload.
type TransferRequest struct {
	SupplierID string `json:"supplier_id" validate:"required"`
	SellerID   string `json:"seller_id" validate:"required"`
	Amount     string `json:"amount" validate:"required"`
}

// Handle settles a supplier -> seller transfer
// @Summary Transfer supplier funds to a seller
// @Description Debit the supplier (amount plus platform fee) and credit the seller in one atomic unit
// @Tags transfers
// @Accept json
// @Produce json
// @Param request body TransferRequest true "Transfer request"
// @Success 200 {object} TransferResult
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /transfers [post]
func (s *TransferService) Handle(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req TransferRequest
	if err := DecodeStrict(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	// A supplier may settle their own funds; anyone else needs admin.
	if principal.Role != models.RoleAdmin && principal.UserID != req.SupplierID {
		SendErrorResponse(w, "Not authorized", http.StatusForbidden, nil)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
		return
	}

	result, err := s.Transfer(r.Context(), req.SupplierID, req.SellerID, amount)
	if err != nil {
		WriteServiceError(w, "TRANSFER", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
