package services

import (
	"errors"
	"log"
	"net/http"
)

// Error taxonomy for the core. Services wrap these sentinels with context via
// fmt.Errorf and %w; handlers map them to HTTP statuses with WriteServiceError.
var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrStateConflict       = errors.New("state conflict")
	ErrUnauthorized        = errors.New("not authorized")
	ErrConcurrencyConflict = errors.New("concurrent balance update")
	ErrRateUnavailable     = errors.New("no exchange rate on record")
)

func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, ErrRateUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteServiceError maps a service error onto the HTTP boundary. Anything
// outside the taxonomy is logged with context and surfaced as a generic
// internal failure so no storage detail leaks to the caller.
func WriteServiceError(w http.ResponseWriter, tag string, err error) {
	status := statusForError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("[%s] internal error: %v", tag, err)
		message = "internal error"
	}
	SendErrorResponse(w, message, status, nil)
}
