package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrCleanupInProgress is returned by RunOnce when a sweep is already
// running. Overlapping sweeps are wasted work and lock contention, so a
// concurrent trigger is skipped rather than queued.
var ErrCleanupInProgress = errors.New("cleanup already in progress")

// CleanupStatus is a snapshot of the scheduler's observability counters.
type CleanupStatus struct {
	LastRun      time.Time `json:"last_run"`
	LastSuccess  time.Time `json:"last_success"`
	LastError    string    `json:"last_error,omitempty"`
	TotalCleaned int64     `json:"total_cleaned"`
}

// CleanupScheduler periodically deletes expired refresh-token records and
// prunes expired blacklist index entries. A failed run waits for the next
// tick; there is no immediate retry.
type CleanupScheduler struct {
	tokens    RefreshTokenStore
	blacklist Blacklist
	interval  time.Duration
	logger    *logrus.Logger

	running atomic.Bool

	mu     sync.Mutex
	status CleanupStatus

	// Now is the clock used for expiry cutoffs; replaceable in tests.
	Now func() time.Time
}

func NewCleanupScheduler(tokens RefreshTokenStore, blacklist Blacklist, interval time.Duration, logger *logrus.Logger) *CleanupScheduler {
	return &CleanupScheduler{
		tokens:    tokens,
		blacklist: blacklist,
		interval:  interval,
		logger:    logger,
		Now:       time.Now,
	}
}

// Start runs the sweep loop until ctx is cancelled. Call it from its own
// goroutine.
func (c *CleanupScheduler) Start(ctx context.Context) {
	c.logger.WithField("interval", c.interval.String()).Info("Cleanup scheduler started")

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Cleanup scheduler stopped")
			return
		case <-ticker.C:
			if err := c.RunOnce(ctx); err != nil && !errors.Is(err, ErrCleanupInProgress) {
				c.logger.WithError(err).Error("Cleanup run failed")
			}
		}
	}
}

// RunOnce performs a single sweep. Safe to call from an admin endpoint while
// the loop is running; the single-flight guard makes the overlapping call a
// logged no-op.
func (c *CleanupScheduler) RunOnce(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		c.logger.Info("Cleanup already in progress; skipping trigger")
		return ErrCleanupInProgress
	}
	defer c.running.Store(false)

	now := c.Now()
	c.setLastRun(now)

	tokensDeleted, err := c.tokens.DeleteExpired(ctx, now)
	if err != nil {
		c.recordFailure(err)
		return err
	}

	entriesPruned, err := c.blacklist.PruneExpired(ctx, now)
	if err != nil {
		c.recordFailure(err)
		return err
	}

	c.recordSuccess(now, tokensDeleted+entriesPruned)

	c.logger.WithFields(logrus.Fields{
		"refresh_tokens_deleted":   tokensDeleted,
		"blacklist_entries_pruned": entriesPruned,
	}).Info("Cleanup run completed")

	return nil
}

// Status returns a copy of the current counters.
func (c *CleanupScheduler) Status() CleanupStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *CleanupScheduler) setLastRun(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.LastRun = now
}

func (c *CleanupScheduler) recordFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.LastError = err.Error()
}

func (c *CleanupScheduler) recordSuccess(now time.Time, cleaned int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.LastSuccess = now
	c.status.LastError = ""
	c.status.TotalCleaned += int64(cleaned)
}
