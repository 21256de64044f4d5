package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tokenguard/tokenguard/internal/models"
	"github.com/tokenguard/tokenguard/internal/repository"
)

// RefreshTokenStore is the persistence capability the rotation flow needs.
// Claim must be a single conditional write at the storage layer: it succeeds
// only if the record was still unrevoked, and reports
// repository.ErrAlreadyRevoked otherwise. A read-then-write pair here would
// break concurrent rotation correctness.
type RefreshTokenStore interface {
	Store(ctx context.Context, token *models.RefreshToken) error
	GetByToken(ctx context.Context, token string) (*models.RefreshToken, error)
	Claim(ctx context.Context, token string) error
	RevokeFamily(ctx context.Context, familyID string) (int, error)
	RevokeAllForUser(ctx context.Context, userID string) (int, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Blacklist is the deny-list capability for access-token jtis.
type Blacklist interface {
	Add(ctx context.Context, entry *models.RevokedToken) error
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
	TrackIssued(ctx context.Context, userID, jti string, expiresAt time.Time) error
	RevokeAllForUser(ctx context.Context, userID, reason string) (int, error)
	PruneExpired(ctx context.Context, now time.Time) (int, error)
}

// UserFinder resolves the owning principal of a session.
type UserFinder interface {
	GetByID(ctx context.Context, userID string) (*models.User, error)
}

// RotationService owns the refresh-token lifecycle: issuing sessions,
// exchanging refresh tokens for new pairs with reuse detection, and
// revocation. It holds no state of its own beyond injected dependencies, so
// it is safe for concurrent use from many request goroutines.
type RotationService struct {
	tokens    RefreshTokenStore
	blacklist Blacklist
	users     UserFinder
	jwt       *JWTService
	factory   *TokenFactory
	logger    *logrus.Logger

	// Now is the clock used for expiry checks; replaceable in tests.
	Now func() time.Time
}

func NewRotationService(
	tokens RefreshTokenStore,
	blacklist Blacklist,
	users UserFinder,
	jwt *JWTService,
	factory *TokenFactory,
	logger *logrus.Logger,
) *RotationService {
	return &RotationService{
		tokens:    tokens,
		blacklist: blacklist,
		users:     users,
		jwt:       jwt,
		factory:   factory,
		logger:    logger,
		Now:       time.Now,
	}
}

// Login starts a brand new session (fresh family) for an already-verified
// user. Credential checking happens upstream; this only refuses users who
// are missing or deactivated.
func (s *RotationService) Login(ctx context.Context, userID string) (*models.TokenPair, error) {
	user, err := s.lookupActiveUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	record, err := s.factory.NewSession(user.ID)
	if err != nil {
		return nil, err
	}

	if err := s.tokens.Store(ctx, record); err != nil {
		return nil, err
	}

	return s.issuePair(ctx, user, record)
}

// Rotate exchanges a presented refresh token for a new access/refresh pair.
// Gates run strictly in order: lookup, reuse check, expiry check, principal
// check, atomic claim, issue. A reuse observation anywhere (pre-revoked
// record, or losing the claim race) revokes the entire family before the
// error is returned.
func (s *RotationService) Rotate(ctx context.Context, presented string) (*models.TokenPair, error) {
	if !s.factory.ValidTokenShape(presented) {
		return nil, ErrTokenMalformed
	}

	record, err := s.tokens.GetByToken(ctx, presented)
	if err != nil {
		if errors.Is(err, repository.ErrRecordNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("refresh token lookup failed: %w", err)
	}

	// Reuse check comes before expiry: an expired-and-already-revoked token
	// presented again is still an attempted reuse and still burns the family.
	if record.Revoked {
		s.revokeFamilyForReuse(ctx, record)
		return nil, ErrTokenReused
	}

	if record.Expired(s.Now()) {
		return nil, ErrTokenExpired
	}

	user, err := s.lookupActiveUser(ctx, record.UserID)
	if err != nil {
		return nil, err
	}

	// The one write that decides the race. Exactly one concurrent caller can
	// claim an unrevoked record; everyone else lands in the reuse path.
	if err := s.tokens.Claim(ctx, presented); err != nil {
		switch {
		case errors.Is(err, repository.ErrAlreadyRevoked):
			s.revokeFamilyForReuse(ctx, record)
			return nil, ErrTokenReused
		case errors.Is(err, repository.ErrRecordNotFound):
			return nil, ErrTokenNotFound
		default:
			return nil, fmt.Errorf("refresh token claim failed: %w", err)
		}
	}

	next, err := s.factory.Rotate(record)
	if err != nil {
		return nil, err
	}

	if err := s.tokens.Store(ctx, next); err != nil {
		// The old token is already irrecoverably claimed; the caller must
		// retry with credentials. Logged, never silently swallowed.
		s.logger.WithError(err).WithFields(logrus.Fields{
			"family_id": record.FamilyID,
			"user_id":   record.UserID,
		}).Warn("Failed to persist rotated refresh token after claim; session lost")
		return nil, fmt.Errorf("failed to persist rotated refresh token: %w", err)
	}

	return s.issuePair(ctx, user, next)
}

// Logout blacklists the access token and revokes the presented refresh
// token's whole family.
func (s *RotationService) Logout(ctx context.Context, claims *AccessClaims, refreshToken string) error {
	entry := &models.RevokedToken{
		JTI:       claims.ID,
		UserID:    claims.UserID,
		Reason:    models.RevocationLogout,
		RevokedAt: s.Now(),
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if err := s.blacklist.Add(ctx, entry); err != nil {
		return fmt.Errorf("failed to blacklist access token: %w", err)
	}

	if refreshToken == "" || !s.factory.ValidTokenShape(refreshToken) {
		return nil
	}

	record, err := s.tokens.GetByToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, repository.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("refresh token lookup failed: %w", err)
	}

	if record.UserID != claims.UserID {
		// A refresh token belonging to someone else never gets revoked on
		// the say-so of this access token.
		s.logger.WithFields(logrus.Fields{
			"user_id":       claims.UserID,
			"token_user_id": record.UserID,
		}).Warn("Logout presented a refresh token owned by a different user")
		return nil
	}

	if _, err := s.tokens.RevokeFamily(ctx, record.FamilyID); err != nil {
		return fmt.Errorf("failed to revoke refresh token family: %w", err)
	}

	return nil
}

// RevokeAllForUser is the logout-everywhere path: every live access jti the
// user holds is blacklisted and every refresh-token record they own, across
// all families, is revoked.
func (s *RotationService) RevokeAllForUser(ctx context.Context, userID, reason string) (accessRevoked, refreshRevoked int, err error) {
	accessRevoked, err = s.blacklist.RevokeAllForUser(ctx, userID, reason)
	if err != nil {
		return accessRevoked, 0, fmt.Errorf("failed to blacklist user access tokens: %w", err)
	}

	refreshRevoked, err = s.tokens.RevokeAllForUser(ctx, userID)
	if err != nil {
		return accessRevoked, refreshRevoked, fmt.Errorf("failed to revoke user refresh tokens: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":         userID,
		"reason":          reason,
		"access_revoked":  accessRevoked,
		"refresh_revoked": refreshRevoked,
	}).Info("Revoked all sessions for user")

	return accessRevoked, refreshRevoked, nil
}

func (s *RotationService) lookupActiveUser(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrRecordNotFound) {
			return nil, ErrPrincipalInactive
		}
		return nil, fmt.Errorf("user lookup failed: %w", err)
	}
	if !user.Active {
		return nil, ErrPrincipalInactive
	}
	return user, nil
}

func (s *RotationService) issuePair(ctx context.Context, user *models.User, record *models.RefreshToken) (*models.TokenPair, error) {
	accessToken, jti, expiresAt, err := s.jwt.Issue(user)
	if err != nil {
		return nil, err
	}

	// Best effort: a broken index degrades RevokeAllForUser coverage, it
	// must not fail issuance.
	if err := s.blacklist.TrackIssued(ctx, user.ID, jti, expiresAt); err != nil {
		s.logger.WithError(err).WithField("user_id", user.ID).Warn("Failed to track issued access token")
	}

	return &models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: record.Token,
		TokenType:    "Bearer",
		ExpiresIn:    int64(time.Until(expiresAt).Seconds()),
	}, nil
}

// revokeFamilyForReuse is the containment response to a reuse observation.
// Revocation failure is logged at error severity but never blocks the
// refusal itself.
func (s *RotationService) revokeFamilyForReuse(ctx context.Context, record *models.RefreshToken) {
	count, err := s.tokens.RevokeFamily(ctx, record.FamilyID)
	entry := s.logger.WithFields(logrus.Fields{
		"family_id": record.FamilyID,
		"user_id":   record.UserID,
	})
	if err != nil {
		entry.WithError(err).Error("Refresh token reuse detected but family revocation failed")
		return
	}
	entry.WithField("revoked_count", count).Warn("Refresh token reuse detected; family revoked")
}
