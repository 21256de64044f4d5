package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tokenguard/tokenguard/internal/models"
)

func newBlacklistFixture(t *testing.T) (*BlacklistRepository, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	return NewBlacklistRepository(client, logger), mr
}

func TestAddAndIsBlacklisted(t *testing.T) {
	repo, _ := newBlacklistFixture(t)
	ctx := context.Background()

	entry := &models.RevokedToken{
		JTI:       "jti-abc",
		UserID:    "user-1",
		Reason:    models.RevocationLogout,
		RevokedAt: time.Now(),
		ExpiresAt: time.Now().Add(15 * time.Minute),
	}
	require.NoError(t, repo.Add(ctx, entry))

	revoked, err := repo.IsBlacklisted(ctx, "jti-abc")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = repo.IsBlacklisted(ctx, "jti-other")
	require.NoError(t, err)
	assert.False(t, revoked)

	// Re-adding is idempotent.
	require.NoError(t, repo.Add(ctx, entry))
	revoked, err = repo.IsBlacklisted(ctx, "jti-abc")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestAddSkipsAlreadyExpiredEntry(t *testing.T) {
	repo, _ := newBlacklistFixture(t)
	ctx := context.Background()

	entry := &models.RevokedToken{
		JTI:       "jti-stale",
		UserID:    "user-1",
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	require.NoError(t, repo.Add(ctx, entry))

	revoked, err := repo.IsBlacklisted(ctx, "jti-stale")
	require.NoError(t, err)
	assert.False(t, revoked, "a token past exp needs no deny entry")
}

func TestEntryExpiresWithAccessToken(t *testing.T) {
	repo, mr := newBlacklistFixture(t)
	ctx := context.Background()

	entry := &models.RevokedToken{
		JTI:       "jti-short",
		UserID:    "user-1",
		ExpiresAt: time.Now().Add(time.Minute),
	}
	require.NoError(t, repo.Add(ctx, entry))

	mr.FastForward(2 * time.Minute)

	revoked, err := repo.IsBlacklisted(ctx, "jti-short")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestIsBlacklistedFailsClosed(t *testing.T) {
	repo, mr := newBlacklistFixture(t)
	ctx := context.Background()

	mr.Close()

	_, err := repo.IsBlacklisted(ctx, "jti-abc")
	assert.Error(t, err, "an unreachable backend must surface as an error, never as false")
}

func TestRevokeAllForUser(t *testing.T) {
	repo, _ := newBlacklistFixture(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.TrackIssued(ctx, "user-1", "jti-1", now.Add(10*time.Minute)))
	require.NoError(t, repo.TrackIssued(ctx, "user-1", "jti-2", now.Add(15*time.Minute)))
	require.NoError(t, repo.TrackIssued(ctx, "user-1", "jti-old", now.Add(-time.Minute)))
	require.NoError(t, repo.TrackIssued(ctx, "user-2", "jti-3", now.Add(15*time.Minute)))

	count, err := repo.RevokeAllForUser(ctx, "user-1", models.RevocationPasswordChange)
	require.NoError(t, err)
	assert.Equal(t, 2, count, "only live jtis get deny entries")

	for _, jti := range []string{"jti-1", "jti-2"} {
		revoked, err := repo.IsBlacklisted(ctx, jti)
		require.NoError(t, err)
		assert.True(t, revoked, "jti %s", jti)
	}

	revoked, err := repo.IsBlacklisted(ctx, "jti-3")
	require.NoError(t, err)
	assert.False(t, revoked, "other users are untouched")

	// The user's index is gone; a second revoke-all finds nothing.
	count, err = repo.RevokeAllForUser(ctx, "user-1", models.RevocationPasswordChange)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPruneExpired(t *testing.T) {
	repo, _ := newBlacklistFixture(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.TrackIssued(ctx, "user-1", "jti-old", now.Add(-time.Hour)))
	require.NoError(t, repo.TrackIssued(ctx, "user-1", "jti-live", now.Add(time.Hour)))
	require.NoError(t, repo.TrackIssued(ctx, "user-2", "jti-old-2", now.Add(-time.Minute)))

	pruned, err := repo.PruneExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)

	// The live jti survived and is still revocable.
	count, err := repo.RevokeAllForUser(ctx, "user-1", models.RevocationForcedLogout)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
