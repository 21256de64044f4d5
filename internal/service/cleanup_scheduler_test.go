package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tokenguard/tokenguard/internal/models"
)

// blockingTokenStore lets a test hold DeleteExpired open to provoke the
// single-flight guard.
type blockingTokenStore struct {
	*memoryTokenStore
	entered chan struct{}
	release chan struct{}
}

func (b *blockingTokenStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.memoryTokenStore.DeleteExpired(ctx, now)
}

func newCleanupFixture() (*CleanupScheduler, *memoryTokenStore, *memoryBlacklist) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	tokens := newMemoryTokenStore()
	blacklist := newMemoryBlacklist()
	return NewCleanupScheduler(tokens, blacklist, time.Hour, logger), tokens, blacklist
}

func TestRunOncePrunesOnlyExpired(t *testing.T) {
	sched, tokens, blacklist := newCleanupFixture()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, tokens.Store(ctx, &models.RefreshToken{
		Token: "expired", FamilyID: "f1", UserID: "u1",
		IssuedAt: now.Add(-8 * 24 * time.Hour), ExpiresAt: now.Add(-24 * time.Hour),
	}))
	require.NoError(t, tokens.Store(ctx, &models.RefreshToken{
		Token: "live", FamilyID: "f2", UserID: "u1",
		IssuedAt: now, ExpiresAt: now.Add(24 * time.Hour),
	}))
	require.NoError(t, blacklist.Add(ctx, &models.RevokedToken{
		JTI: "dead-jti", UserID: "u1", ExpiresAt: now.Add(-time.Minute),
	}))
	require.NoError(t, blacklist.Add(ctx, &models.RevokedToken{
		JTI: "live-jti", UserID: "u1", ExpiresAt: now.Add(time.Hour),
	}))

	require.NoError(t, sched.RunOnce(ctx))

	assert.Nil(t, tokens.get("expired"))
	assert.NotNil(t, tokens.get("live"), "a future ExpiresAt is never pruned")

	revoked, err := blacklist.IsBlacklisted(ctx, "live-jti")
	require.NoError(t, err)
	assert.True(t, revoked)

	status := sched.Status()
	assert.False(t, status.LastRun.IsZero())
	assert.False(t, status.LastSuccess.IsZero())
	assert.Empty(t, status.LastError)
	assert.Equal(t, int64(2), status.TotalCleaned)
}

func TestRunOnceSingleFlight(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	store := &blockingTokenStore{
		memoryTokenStore: newMemoryTokenStore(),
		entered:          make(chan struct{}),
		release:          make(chan struct{}),
	}
	sched := NewCleanupScheduler(store, newMemoryBlacklist(), time.Hour, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = sched.RunOnce(context.Background())
	}()

	// First run is inside the sweep now; a second trigger must be a no-op.
	<-store.entered
	err := sched.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrCleanupInProgress)

	close(store.release)
	wg.Wait()

	// Once the sweep finished the guard is released again.
	go func() { <-store.entered; close(store.entered) }()
	store.release = make(chan struct{})
	close(store.release)
	assert.NoError(t, sched.RunOnce(context.Background()))
}

func TestRunOnceRecordsFailure(t *testing.T) {
	sched, _, blacklist := newCleanupFixture()

	blacklist.mu.Lock()
	blacklist.err = errors.New("redis down")
	blacklist.mu.Unlock()

	err := sched.RunOnce(context.Background())
	require.Error(t, err)

	status := sched.Status()
	assert.False(t, status.LastRun.IsZero())
	assert.True(t, status.LastSuccess.IsZero())
	assert.Contains(t, status.LastError, "redis down")

	// The next tick succeeds and clears the error.
	blacklist.mu.Lock()
	blacklist.err = nil
	blacklist.mu.Unlock()

	require.NoError(t, sched.RunOnce(context.Background()))
	assert.Empty(t, sched.Status().LastError)
}

func TestSchedulerLoopStopsOnCancel(t *testing.T) {
	sched, _, _ := newCleanupFixture()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop on context cancellation")
	}
}
