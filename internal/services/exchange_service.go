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

// ExchangeService holds the canonical PEN-per-USD exchange rate. Rates are
// append-only rows; the newest row is current and older rows are immutable
// history. Rate fetching from third parties happens outside the core: an
// authorized admin publishes whatever rate the platform settles on.
type ExchangeService struct {
	db        *sql.DB
	ledger    *LedgerService
	validator *ValidationHelper
}

func NewExchangeService(db *sql.DB, ledger *LedgerService) *ExchangeService {
	return &ExchangeService{
		db:        db,
		ledger:    ledger,
		validator: NewValidationHelper(),
	}
}

// GetCurrentRate returns the most recently published rate.
func (s *ExchangeService) GetCurrentRate() (*models.ExchangeRate, error) {
	var rate models.ExchangeRate
	err := s.db.QueryRow(`
		SELECT id, base_currency, target_currency, rate, source, created_by, created_at
		FROM exchange_rates
		ORDER BY created_at DESC, id DESC
		LIMIT 1`).Scan(
		&rate.ID, &rate.BaseCurrency, &rate.TargetCurrency, &rate.Rate,
		&rate.Source, &rate.CreatedBy, &rate.CreatedAt)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: no exchange rate published", ErrNotFound)
		}
		return nil, err
	}
	return &rate, nil
}

// PublishRate inserts a new immutable rate row. Only admins may publish.
func (s *ExchangeService) PublishRate(rate decimal.Decimal, source, actorID string) (*models.ExchangeRate, error) {
	actor, err := s.ledger.FindAccount(actorID)
	if err != nil {
		return nil, err
	}
	if actor.Role != models.RoleAdmin {
		return nil, fmt.Errorf("%w: only admins may publish exchange rates", ErrUnauthorized)
	}

	if !rate.IsPositive() {
		return nil, fmt.Errorf("%w: rate must be positive", ErrValidation)
	}

	row := &models.ExchangeRate{
		ID:             uuid.NewString(),
		BaseCurrency:   models.CurrencyUSD,
		TargetCurrency: models.CurrencyPEN,
		Rate:           rate,
		Source:         source,
		CreatedBy:      actor.ID,
		CreatedAt:      time.Now(),
	}

	_, err = s.db.Exec(`
		INSERT INTO exchange_rates
		(id, base_currency, target_currency, rate, source, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		row.ID, row.BaseCurrency, row.TargetCurrency, row.Rate, row.Source, row.CreatedBy, row.CreatedAt)
	if err != nil {
		return nil, err
	}

	log.Printf("[RATE] Published rate %s %s/%s from %s by %s", rate, row.TargetCurrency, row.BaseCurrency, source, actor.ID)
	return row, nil
}

// Convert converts between the supported currency pair at the current rate,
// rounding half-up to 2 decimal places. Exactly PEN<->USD is supported.
func (s *ExchangeService) Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	rate, err := s.GetCurrentRate()
	if err != nil {
		return decimal.Zero, err
	}

	switch {
	case from == models.CurrencyPEN && to == models.CurrencyUSD:
		return amount.DivRound(rate.Rate, 2), nil
	case from == models.CurrencyUSD && to == models.CurrencyPEN:
		return amount.Mul(rate.Rate).Round(2), nil
	}
	return decimal.Zero, fmt.Errorf("%w: unsupported currency pair %s/%s", ErrValidation, from, to)
}

// PublishRateRequest is the publish payload.
type PublishRateRequest struct {
	Rate   string `json:"rate" validate:"required"`
	Source string `json:"source" validate:"required,max=60"`
}

// GetCurrent returns the current exchange rate
// @Summary Get current exchange rate
// @Description Retrieve the most recently published PEN/USD exchange rate
// @Tags exchange
// @Produce json
// @Success 200 {object} models.ExchangeRate
// @Failure 404 {object} ErrorResponse
// @Router /exchange-rate [get]
func (s *ExchangeService) GetCurrent(w http.ResponseWriter, r *http.Request) {
	rate, err := s.GetCurrentRate()
	if err != nil {
		WriteServiceError(w, "RATE", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rate)
}

// Publish publishes a new exchange rate
// @Summary Publish exchange rate
// @Description Publish a new PEN/USD exchange rate (admin only)
// @Tags exchange
// @Accept json
// @Produce json
// @Param request body PublishRateRequest true "Rate to publish"
// @Success 201 {object} models.ExchangeRate
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /exchange-rate [post]
func (s *ExchangeService) Publish(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req PublishRateRequest
	if err := DecodeStrict(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	rate, err := decimal.NewFromString(req.Rate)
	if err != nil {
		SendErrorResponse(w, "Invalid rate", http.StatusBadRequest, nil)
		return
	}

	row, err := s.PublishRate(rate, req.Source, principal.UserID)
	if err != nil {
		WriteServiceError(w, "RATE", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(row)
}

// ConvertAmount converts an amount between PEN and USD
// @Summary Convert currency
// @Description Convert an amount between PEN and USD at the current rate
// @Tags exchange
// @Produce json
// @Param amount query string true "Amount to convert"
// @Param from query string true "Source currency (PEN or USD)"
// @Param to query string true "Target currency (PEN or USD)"
// @Success 200 {object} object{amount=string,from=string,to=string,result=string}
// @Failure 400 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /exchange-rate/convert [get]
func (s *ExchangeService) ConvertAmount(w http.ResponseWriter, r *http.Request) {
	amountStr := r.URL.Query().Get("amount")
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
		return
	}

	result, err := s.Convert(amount, from, to)
	if err != nil {
		WriteServiceError(w, "RATE", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"amount": amount.String(),
		"from":   from,
		"to":     to,
		"result": result.StringFixed(2),
	})
}
