package handlers

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/diagnosis/mailauth/internal/domain"
	"github.com/diagnosis/mailauth/internal/service"
)

type Handlers struct {
	auth *service.AuthService
}

func New(auth *service.AuthService) *Handlers {
	return &Handlers{auth: auth}
}

func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header first
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, statusCode int, message, code string) {
	response := map[string]string{
		"error": message,
		"code":  code,
	}
	writeJSON(w, statusCode, response)
}

// writeServiceError maps the core error kinds onto transport statuses.
// Messages stay generic; the error text never says more than the kind.
func writeServiceError(w http.ResponseWriter, err error) {
	if rl, ok := domain.IsRateLimited(err); ok {
		w.Header().Set("Retry-After", retryAfter(rl.ResetAt))
		writeError(w, http.StatusTooManyRequests, "Too many requests. Please try again later.", "RATE_LIMITED")
		return
	}
	if cd, ok := domain.IsCooldown(err); ok {
		w.Header().Set("Retry-After", retryAfter(cd.RetryAt))
		writeError(w, http.StatusTooManyRequests, "A code was sent recently. Please wait before requesting another.", "COOLDOWN")
		return
	}

	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_INPUT")
	case errors.Is(err, domain.ErrAccountLocked):
		writeError(w, http.StatusForbidden, "Account temporarily locked. Try again later.", "ACCOUNT_LOCKED")
	case errors.Is(err, domain.ErrCodeNotFoundOrExpired),
		errors.Is(err, domain.ErrCodeInvalid),
		errors.Is(err, domain.ErrCodeAttemptsExceeded):
		writeError(w, http.StatusUnauthorized, "Code invalid or expired.", "CODE_INVALID")
	case errors.Is(err, domain.ErrTokenInvalid):
		writeError(w, http.StatusUnauthorized, "Invalid token.", "INVALID_TOKEN")
	case errors.Is(err, domain.ErrDeliveryFailed):
		writeError(w, http.StatusBadGateway, "Could not deliver the code. Please try again.", "DELIVERY_FAILED")
	case errors.Is(err, domain.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable.", "STORE_UNAVAILABLE")
	default:
		writeError(w, http.StatusInternalServerError, "Internal error.", "INTERNAL")
	}
}

func retryAfter(at time.Time) string {
	secs := int(time.Until(at).Seconds()) + 1
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
