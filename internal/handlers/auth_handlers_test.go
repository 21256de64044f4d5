package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tokenguard/tokenguard/internal/config"
	"github.com/tokenguard/tokenguard/internal/models"
	"github.com/tokenguard/tokenguard/internal/repository"
	"github.com/tokenguard/tokenguard/internal/service"
)

// Minimal in-memory collaborators; just enough for the HTTP edge.

type stubTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*models.RefreshToken
}

func (s *stubTokenStore) Store(ctx context.Context, token *models.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *token
	s.tokens[token.Token] = &cp
	return nil
}

func (s *stubTokenStore) GetByToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tokens[token]
	if !ok {
		return nil, repository.ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *stubTokenStore) Claim(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tokens[token]
	if !ok {
		return repository.ErrRecordNotFound
	}
	if rec.Revoked {
		return repository.ErrAlreadyRevoked
	}
	rec.Revoked = true
	return nil
}

func (s *stubTokenStore) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, rec := range s.tokens {
		if rec.FamilyID == familyID && !rec.Revoked {
			rec.Revoked = true
			count++
		}
	}
	return count, nil
}

func (s *stubTokenStore) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	return 0, nil
}

func (s *stubTokenStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

type stubBlacklist struct{}

func (stubBlacklist) Add(ctx context.Context, entry *models.RevokedToken) error { return nil }
func (stubBlacklist) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	return false, nil
}
func (stubBlacklist) TrackIssued(ctx context.Context, userID, jti string, expiresAt time.Time) error {
	return nil
}
func (stubBlacklist) RevokeAllForUser(ctx context.Context, userID, reason string) (int, error) {
	return 0, nil
}
func (stubBlacklist) PruneExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

type stubUsers struct{}

func (stubUsers) GetByID(ctx context.Context, userID string) (*models.User, error) {
	if userID != "user-1" {
		return nil, repository.ErrRecordNotFound
	}
	return &models.User{ID: "user-1", Email: "u1@example.com", Role: "member", Active: true}, nil
}

type stubVerifier struct {
	userID string
	err    error
}

func (v stubVerifier) Verify(ctx context.Context, email, password string) (string, error) {
	if v.err != nil {
		return "", v.err
	}
	return v.userID, nil
}

func newHandlersFixture(t *testing.T, verifier CredentialVerifier) (*AuthHandlers, *service.RotationService) {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	jwtService, err := service.NewJWTService(&config.JWTConfig{
		SecretKey:    "0123456789abcdef0123456789abcdef",
		AccessExpiry: 15 * time.Minute,
	}, logger)
	require.NoError(t, err)

	store := &stubTokenStore{tokens: make(map[string]*models.RefreshToken)}
	rotation := service.NewRotationService(
		store, stubBlacklist{}, stubUsers{}, jwtService,
		service.NewTokenFactory(7*24*time.Hour), logger)
	scheduler := service.NewCleanupScheduler(store, stubBlacklist{}, time.Hour, logger)

	return NewAuthHandlers(rotation, scheduler, verifier, logger), rotation
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestLoginAndRefreshRoundTrip(t *testing.T) {
	h, _ := newHandlersFixture(t, stubVerifier{userID: "user-1"})

	rec := postJSON(t, h.Login, "/api/v1/auth/login", LoginRequest{Email: "u1@example.com", Password: "pw"})
	require.Equal(t, http.StatusOK, rec.Code)

	var pair models.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	require.NotEmpty(t, pair.RefreshToken)

	rec = postJSON(t, h.RefreshToken, "/api/v1/auth/refresh", RefreshTokenRequest{RefreshToken: pair.RefreshToken})
	require.Equal(t, http.StatusOK, rec.Code)

	var next models.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &next))
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)
}

func TestLoginBadCredentials(t *testing.T) {
	h, _ := newHandlersFixture(t, stubVerifier{err: errors.New("nope")})

	rec := postJSON(t, h.Login, "/api/v1/auth/login", LoginRequest{Email: "u1@example.com", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// Every rotation failure kind must produce the same response body, so the
// endpoint is not an oracle for which gate rejected the token.
func TestRefreshFailuresAreIndistinguishable(t *testing.T) {
	h, rotation := newHandlersFixture(t, stubVerifier{userID: "user-1"})

	loginRec := postJSON(t, h.Login, "/api/v1/auth/login", LoginRequest{Email: "u1@example.com", Password: "pw"})
	require.Equal(t, http.StatusOK, loginRec.Code)
	var pair models.TokenPair
	require.NoError(t, json.Unmarshal(loginRec.Body.Bytes(), &pair))

	// Consume the token once so replaying it below is a reuse.
	_, err := rotation.Rotate(context.Background(), pair.RefreshToken)
	require.NoError(t, err)

	unknown := "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

	bodies := make(map[string]string)
	for name, token := range map[string]string{
		"reused":    pair.RefreshToken,
		"unknown":   unknown,
		"malformed": "not-a-token",
	} {
		rec := postJSON(t, h.RefreshToken, "/api/v1/auth/refresh", RefreshTokenRequest{RefreshToken: token})
		require.Equal(t, http.StatusUnauthorized, rec.Code, name)
		bodies[name] = rec.Body.String()
	}

	assert.Equal(t, bodies["unknown"], bodies["reused"])
	assert.Equal(t, bodies["unknown"], bodies["malformed"])
}

func TestRefreshMissingToken(t *testing.T) {
	h, _ := newHandlersFixture(t, stubVerifier{userID: "user-1"})

	rec := postJSON(t, h.RefreshToken, "/api/v1/auth/refresh", RefreshTokenRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
