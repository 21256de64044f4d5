package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tokenguard/tokenguard/internal/service"
)

type contextKey string

const (
	claimsContextKey contextKey = "claims"
	userIDContextKey contextKey = "user_id"
)

// Unauthenticated reasons, distinguished for logs and metrics. The response
// body never tells them apart.
const (
	ReasonMissing     = "missing"
	ReasonInvalid     = "invalid"
	ReasonExpired     = "expired"
	ReasonRevoked     = "revoked"
	ReasonUnavailable = "unavailable"
)

type AuthMiddleware struct {
	jwtService *service.JWTService
	blacklist  service.Blacklist
	logger     *logrus.Logger
}

func NewAuthMiddleware(jwtService *service.JWTService, blacklist service.Blacklist, logger *logrus.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		jwtService: jwtService,
		blacklist:  blacklist,
		logger:     logger,
	}
}

// RequireAuth admits a request only when it carries a verifiable,
// non-revoked access token. When the blacklist check cannot complete the
// request is refused: an identity that cannot be proven non-revoked does not
// pass.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := m.authenticate(r)
		if claims == nil {
			m.respondUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
	})
}

// OptionalAuth attaches an identity when a valid token is present but lets
// anonymous requests straight through. A token that is present and bad still
// fails: absent and invalid are different things.
func (m *AuthMiddleware) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			next.ServeHTTP(w, r)
			return
		}

		claims, _ := m.authenticate(r)
		if claims == nil {
			m.respondUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
	})
}

// authenticate is the per-request state machine: extract bearer token,
// verify signature and expiry, consult the blacklist. Terminal states only.
func (m *AuthMiddleware) authenticate(r *http.Request) (*service.AccessClaims, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, ReasonMissing
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return nil, ReasonInvalid
	}

	claims, err := m.jwtService.Verify(parts[1])
	if err != nil {
		reason := ReasonInvalid
		if errors.Is(err, service.ErrTokenExpired) {
			reason = ReasonExpired
		}
		m.logger.WithError(err).WithField("reason", reason).Debug("Access token verification failed")
		return nil, reason
	}

	revoked, err := m.blacklist.IsBlacklisted(r.Context(), claims.ID)
	if err != nil {
		// Fail closed. Unknown revocation state means no identity.
		m.logger.WithError(err).WithField("jti", claims.ID).Error("Blacklist check failed; refusing request")
		return nil, ReasonUnavailable
	}
	if revoked {
		m.logger.WithFields(logrus.Fields{
			"jti":     claims.ID,
			"user_id": claims.UserID,
		}).Info("Revoked access token presented")
		return nil, ReasonRevoked
	}

	return claims, ""
}

func (m *AuthMiddleware) respondUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":{"code":"UNAUTHORIZED","message":"Authentication required"}}`))
}

func withClaims(ctx context.Context, claims *service.AccessClaims) context.Context {
	ctx = context.WithValue(ctx, claimsContextKey, claims)
	return context.WithValue(ctx, userIDContextKey, claims.UserID)
}

// ClaimsFromContext returns the authenticated identity, if any.
func ClaimsFromContext(ctx context.Context) (*service.AccessClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*service.AccessClaims)
	return claims, ok
}

// UserIDFromContext returns the authenticated user ID, if any.
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	return userID, ok
}
