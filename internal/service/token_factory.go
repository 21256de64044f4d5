package service

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/tokenguard/tokenguard/internal/models"
)

// refreshTokenBytes gives 256 bits of entropy; encoded length is 43.
const refreshTokenBytes = 32

var refreshTokenShape = regexp.MustCompile(`^[A-Za-z0-9_-]{43}$`)

// TokenFactory mints opaque refresh-token values and family identifiers.
// The TTL window is computed the same way for a new session and a rotation:
// it always starts at issuance, rotation never extends an old window.
type TokenFactory struct {
	ttl time.Duration
	now func() time.Time
}

func NewTokenFactory(ttl time.Duration) *TokenFactory {
	return &TokenFactory{
		ttl: ttl,
		now: time.Now,
	}
}

// NewSession creates the first record of a brand new family.
func (f *TokenFactory) NewSession(userID string) (*models.RefreshToken, error) {
	value, err := newTokenValue()
	if err != nil {
		return nil, err
	}

	now := f.now()
	return &models.RefreshToken{
		Token:     value,
		FamilyID:  uuid.New().String(),
		UserID:    userID,
		IssuedAt:  now,
		ExpiresAt: now.Add(f.ttl),
		Revoked:   false,
	}, nil
}

// Rotate derives the successor of an existing record: fresh value, same
// family, fresh TTL window.
func (f *TokenFactory) Rotate(old *models.RefreshToken) (*models.RefreshToken, error) {
	value, err := newTokenValue()
	if err != nil {
		return nil, err
	}

	now := f.now()
	return &models.RefreshToken{
		Token:     value,
		FamilyID:  old.FamilyID,
		UserID:    old.UserID,
		IssuedAt:  now,
		ExpiresAt: now.Add(f.ttl),
		Revoked:   false,
	}, nil
}

// ValidTokenShape reports whether a candidate string could be a token this
// factory produced. Cheap guard run before any store lookup.
func (f *TokenFactory) ValidTokenShape(s string) bool {
	return refreshTokenShape.MatchString(s)
}

func newTokenValue() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
