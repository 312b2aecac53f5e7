package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/diagnosis/mailauth/internal/domain"
)

// RequestCode handles sign-in code requests
func (h *Handlers) RequestCode(w http.ResponseWriter, r *http.Request) {
	var req domain.RequestCodeInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format", "INVALID_INPUT")
		return
	}

	result, err := h.auth.RequestCode(r.Context(), &req, getClientIP(r), r.UserAgent())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// VerifyCode trades a valid code for a token pair
func (h *Handlers) VerifyCode(w http.ResponseWriter, r *http.Request) {
	var req domain.VerifyCodeInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format", "INVALID_INPUT")
		return
	}

	session, err := h.auth.VerifyCode(r.Context(), &req, getClientIP(r), r.UserAgent())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// Refresh issues a new access token for a live refresh token
func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	var req domain.RefreshInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format", "INVALID_INPUT")
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "Missing refresh token", "INVALID_INPUT")
		return
	}

	result, err := h.auth.Refresh(r.Context(), &req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Logout revokes the presented access token
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "Missing or invalid authorization header", "UNAUTHORIZED")
		return
	}

	if err := h.auth.Logout(r.Context(), token, getClientIP(r), r.UserAgent()); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Validate reports whether the presented token is still good
func (h *Handlers) Validate(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "Missing or invalid authorization header", "UNAUTHORIZED")
		return
	}

	account, err := h.auth.Validate(r.Context(), token)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":   true,
		"account": account,
	})
}
