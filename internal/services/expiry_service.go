package services

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/lunastreaming/backend-luna-plataformas-v1-sub000/internal/middleware"
	"github.com/lunastreaming/backend-luna-plataformas-v1-sub000/internal/models"
)

// ExpiryService is the entry point the daily timer calls to flip sold
// credentials whose subscription window has elapsed.
type ExpiryService struct {
	db *sql.DB
}

func NewExpiryService(db *sql.DB) *ExpiryService {
	return &ExpiryService{db: db}
}

// ExpireSubscriptions flips every sold credential with an elapsed window to
// expired and returns how many were flipped. One conditional UPDATE makes the
// sweep idempotent: running it twice for the same instant changes nothing on
// the second pass.
func (s *ExpiryService) ExpireSubscriptions(now time.Time) (int64, error) {
	result, err := s.db.Exec(`
		UPDATE stock
		SET status = $1, resolution = 'subscription window elapsed'
		WHERE status = $2 AND end_at IS NOT NULL AND end_at <= $3`,
		models.StockStatusExpired, models.StockStatusSold, now)
	if err != nil {
		return 0, err
	}

	expired, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	if expired > 0 {
		log.Printf("[EXPIRY] Expired %d subscriptions", expired)
	}
	return expired, nil
}

// Handle runs the expiry sweep
// @Summary Expire elapsed subscriptions
// @Description Flip sold credentials whose window has elapsed to expired (admin only; idempotent)
// @Tags subscriptions
// @Produce json
// @Success 200 {object} object{expired=int}
// @Failure 403 {object} ErrorResponse
// @Router /subscriptions/expire [post]
func (s *ExpiryService) Handle(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	if principal.Role != models.RoleAdmin {
		SendErrorResponse(w, "Not authorized", http.StatusForbidden, nil)
		return
	}

	expired, err := s.ExpireSubscriptions(time.Now())
	if err != nil {
		WriteServiceError(w, "EXPIRY", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int64{"expired": expired})
}
