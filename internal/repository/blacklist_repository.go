package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/tokenguard/tokenguard/internal/models"
)

const (
	revokedKeyPrefix  = "revoked_jti:"
	issuedKeyPrefix   = "user_jtis:"
	issuedScanPattern = issuedKeyPrefix + "*"
)

// BlacklistRepository is the deny-list of access-token jtis, backed by
// Redis. Entries carry a TTL mirroring the access token's own expiry, so
// Redis drops them once they stop mattering. A per-user sorted set (scored
// by expiry) indexes every issued jti so a forced logout-everywhere can
// enumerate live access tokens without waiting to see them again.
type BlacklistRepository struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewBlacklistRepository(client *redis.Client, logger *logrus.Logger) *BlacklistRepository {
	return &BlacklistRepository{
		client: client,
		logger: logger,
	}
}

// Add inserts a deny entry for the jti. Idempotent: re-adding overwrites
// with the same content.
func (r *BlacklistRepository) Add(ctx context.Context, entry *models.RevokedToken) error {
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		// The access token is already past exp; nothing to deny.
		return nil
	}

	dataJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal revoked token: %w", err)
	}

	key := revokedKeyPrefix + entry.JTI
	if err := r.client.Set(ctx, key, dataJSON, ttl).Err(); err != nil {
		r.logger.WithError(err).Error("Failed to store blacklist entry")
		return fmt.Errorf("failed to store blacklist entry: %w", err)
	}

	return nil
}

// IsBlacklisted reports whether the jti has been revoked. Fail-closed
// contract: when the check cannot be completed the error is returned and the
// boolean is meaningless; callers must refuse the request, never read a
// failed check as "not revoked".
func (r *BlacklistRepository) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	exists, err := r.client.Exists(ctx, revokedKeyPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist: %w", err)
	}
	return exists > 0, nil
}

// TrackIssued records a freshly issued jti in the owner's index so
// RevokeAllForUser can find it later. Best-effort from the caller's view:
// failing to track must not fail issuance.
func (r *BlacklistRepository) TrackIssued(ctx context.Context, userID, jti string, expiresAt time.Time) error {
	key := issuedKeyPrefix + userID
	err := r.client.ZAdd(ctx, key, redis.Z{
		Score:  float64(expiresAt.Unix()),
		Member: jti,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to track issued jti: %w", err)
	}
	return nil
}

// RevokeAllForUser blacklists every not-yet-expired jti issued to the user
// and returns how many entries were written.
func (r *BlacklistRepository) RevokeAllForUser(ctx context.Context, userID, reason string) (int, error) {
	now := time.Now()
	key := issuedKeyPrefix + userID

	members, err := r.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", now.Unix()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list issued jtis: %w", err)
	}

	count := 0
	for _, m := range members {
		jti, ok := m.Member.(string)
		if !ok {
			continue
		}
		entry := &models.RevokedToken{
			JTI:       jti,
			UserID:    userID,
			Reason:    reason,
			RevokedAt: now,
			ExpiresAt: time.Unix(int64(m.Score), 0),
		}
		if err := r.Add(ctx, entry); err != nil {
			return count, err
		}
		count++
	}

	// Revoked entries no longer need tracking.
	if err := r.client.Del(ctx, key).Err(); err != nil {
		r.logger.WithError(err).Warn("Failed to clear issued-jti index after revoke-all")
	}

	return count, nil
}

// PruneExpired trims expired members out of the per-user issued indexes.
// Deny entries themselves expire via Redis TTL, so the sweep only has the
// indexes to take care of. Entries scored in the future are never removed.
func (r *BlacklistRepository) PruneExpired(ctx context.Context, now time.Time) (int, error) {
	keys, err := r.client.Keys(ctx, issuedScanPattern).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list issued-jti indexes: %w", err)
	}

	pruned := 0
	for _, key := range keys {
		removed, err := r.client.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", now.Unix())).Result()
		if err != nil {
			return pruned, fmt.Errorf("failed to prune issued-jti index: %w", err)
		}
		pruned += int(removed)
	}

	return pruned, nil
}
