package handlers

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/signalix/devicegate/internal/auth"
	"github.com/signalix/devicegate/internal/middleware"
)

// AdminHandler handles admin login and password checks
type AdminHandler struct {
	admin *auth.AdminService
	log   zerolog.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(admin *auth.AdminService, log zerolog.Logger) *AdminHandler {
	return &AdminHandler{admin: admin, log: log.With().Str("component", "admin").Logger()}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// HandleLogin handles POST /api/admin-login
func (h *AdminHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	token, err := h.admin.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrNotConfigured) {
			h.log.Error().Msg("admin login attempted but ADMIN_USER/ADMIN_PASS are not set")
		} else {
			h.log.Warn().Str("remote", r.RemoteAddr).Msg("admin login failed")
		}
		respondWithError(w, http.StatusUnauthorized, "Bad creds")
		return
	}

	respondWithJSON(w, http.StatusOK, tokenResponse{Token: token})
}

// HandleRefresh handles POST /api/admin-refresh (protected)
func (h *AdminHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetAdmin(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	token, err := h.admin.Refresh(claims)
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	respondWithJSON(w, http.StatusOK, tokenResponse{Token: token})
}

type passwordRequest struct {
	Password string `json:"password"`
}

// HandleVerifyDeletePassword handles POST /api/verify-delete-password (protected)
func (h *AdminHandler) HandleVerifyDeletePassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !checkDeletePassword(w, h.admin, h.log, req.Password) {
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Password verified",
	})
}

// checkDeletePassword writes the error response and returns false when password does
// not unlock destructive operations.
func checkDeletePassword(w http.ResponseWriter, admin *auth.AdminService, log zerolog.Logger, password string) bool {
	err := admin.VerifyDeletePassword(password)
	switch {
	case err == nil:
		return true
	case errors.Is(err, auth.ErrPasswordRequired):
		respondWithError(w, http.StatusBadRequest, "Delete password is required")
	case errors.Is(err, auth.ErrNotConfigured):
		log.Error().Msg("delete password is not configured")
		respondWithError(w, http.StatusUnauthorized, "Invalid delete password")
	default:
		log.Warn().Msg("invalid delete password")
		respondWithError(w, http.StatusUnauthorized, "Invalid delete password")
	}
	return false
}
