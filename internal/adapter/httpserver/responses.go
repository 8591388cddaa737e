// Package httpserver is the thin JSON surface over the batch queue and
// the credit ledger. Handlers translate transport concerns only;
// admission, pricing, and scheduling live behind the queue.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lumenstudio/media-orchestrator/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details any) {
	status := http.StatusInternalServerError
	code := "INTERNAL"

	var ice *domain.InsufficientCreditsError
	var tle *domain.TierLimitError
	switch {
	case errors.As(err, &ice):
		status = http.StatusPaymentRequired
		code = "INSUFFICIENT_CREDITS"
		details = map[string]int64{"required": ice.Required, "available": ice.Available}
	case errors.As(err, &tle):
		status = http.StatusTooManyRequests
		code = "TIER_LIMIT"
		details = map[string]int{"limit": tle.Limit}
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
		code = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		code = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
		code = "CONFLICT"
	case errors.Is(err, domain.ErrPermissionDenied):
		status = http.StatusForbidden
		code = "PERMISSION_DENIED"
	case errors.Is(err, domain.ErrUserInactive):
		status = http.StatusForbidden
		code = "USER_INACTIVE"
	case errors.Is(err, domain.ErrRateLimited):
		status = http.StatusTooManyRequests
		code = "RATE_LIMITED"
	}
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: err.Error(), Details: details}})
}
