package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tokenguard/tokenguard/internal/middleware"
	"github.com/tokenguard/tokenguard/internal/models"
	"github.com/tokenguard/tokenguard/internal/service"
)

// CredentialVerifier checks raw login credentials and returns the user ID
// they belong to. Credential storage and hashing live outside this service.
type CredentialVerifier interface {
	Verify(ctx context.Context, email, password string) (string, error)
}

type AuthHandlers struct {
	rotationService *service.RotationService
	scheduler       *service.CleanupScheduler
	verifier        CredentialVerifier
	logger          *logrus.Logger
}

func NewAuthHandlers(
	rotationService *service.RotationService,
	scheduler *service.CleanupScheduler,
	verifier CredentialVerifier,
	logger *logrus.Logger,
) *AuthHandlers {
	return &AuthHandlers{
		rotationService: rotationService,
		scheduler:       scheduler,
		verifier:        verifier,
		logger:          logger,
	}
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type LogoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type LogoutAllResponse struct {
	AccessTokensRevoked  int `json:"access_tokens_revoked"`
	RefreshTokensRevoked int `json:"refresh_tokens_revoked"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Email and password are required")
		return
	}

	userID, err := h.verifier.Verify(r.Context(), email, req.Password)
	if err != nil {
		h.respondWithError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid credentials")
		return
	}

	pair, err := h.rotationService.Login(r.Context(), userID)
	if err != nil {
		if errors.Is(err, service.ErrPrincipalInactive) {
			h.respondWithError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid credentials")
			return
		}
		h.logger.WithError(err).Error("Failed to start session")
		h.respondWithError(w, http.StatusInternalServerError, "SESSION_FAILED", "Failed to start session")
		return
	}

	h.respondWithJSON(w, http.StatusOK, pair)
}

// RefreshToken exchanges a refresh token for a new pair. Every rotation
// failure kind collapses to the same unauthorized body; the kinds stay
// distinguished in logs only, reuse above all.
func (h *AuthHandlers) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	if req.RefreshToken == "" {
		h.respondWithError(w, http.StatusBadRequest, "MISSING_TOKEN", "Refresh token is required")
		return
	}

	pair, err := h.rotationService.Rotate(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrTokenReused):
			// Already logged at audit severity by the service.
		case errors.Is(err, service.ErrTokenNotFound),
			errors.Is(err, service.ErrTokenExpired),
			errors.Is(err, service.ErrTokenMalformed),
			errors.Is(err, service.ErrPrincipalInactive):
			h.logger.WithError(err).Debug("Refresh rejected")
		default:
			h.logger.WithError(err).Error("Refresh failed")
			h.respondWithError(w, http.StatusInternalServerError, "REFRESH_FAILED", "Failed to refresh tokens")
			return
		}
		h.respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Please log in again")
		return
	}

	h.respondWithJSON(w, http.StatusOK, pair)
}

func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}

	var req LogoutRequest
	json.NewDecoder(r.Body).Decode(&req)

	if err := h.rotationService.Logout(r.Context(), claims, req.RefreshToken); err != nil {
		h.logger.WithError(err).Error("Logout failed")
		h.respondWithError(w, http.StatusInternalServerError, "LOGOUT_FAILED", "Failed to log out")
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]string{
		"message": "Logged out successfully",
	})
}

// LogoutAll revokes every session the authenticated user holds: all access
// jtis are blacklisted and all refresh-token families revoked.
func (h *AuthHandlers) LogoutAll(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}

	accessRevoked, refreshRevoked, err := h.rotationService.RevokeAllForUser(
		r.Context(), claims.UserID, models.RevocationForcedLogout)
	if err != nil {
		h.logger.WithError(err).Error("Logout-all failed")
		h.respondWithError(w, http.StatusInternalServerError, "LOGOUT_FAILED", "Failed to log out everywhere")
		return
	}

	h.respondWithJSON(w, http.StatusOK, LogoutAllResponse{
		AccessTokensRevoked:  accessRevoked,
		RefreshTokensRevoked: refreshRevoked,
	})
}

func (h *AuthHandlers) CleanupStatus(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	h.respondWithJSON(w, http.StatusOK, h.scheduler.Status())
}

func (h *AuthHandlers) TriggerCleanup(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	if err := h.scheduler.RunOnce(r.Context()); err != nil {
		if errors.Is(err, service.ErrCleanupInProgress) {
			h.respondWithError(w, http.StatusConflict, "CLEANUP_IN_PROGRESS", "A cleanup run is already in progress")
			return
		}
		h.logger.WithError(err).Error("Manual cleanup run failed")
		h.respondWithError(w, http.StatusInternalServerError, "CLEANUP_FAILED", "Cleanup run failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, h.scheduler.Status())
}

func (h *AuthHandlers) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return false
	}
	if claims.Role != "admin" {
		h.respondWithError(w, http.StatusForbidden, "FORBIDDEN", "Admin role required")
		return false
	}
	return true
}

func (h *AuthHandlers) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (h *AuthHandlers) respondWithError(w http.ResponseWriter, status int, code, message string) {
	h.respondWithJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}
