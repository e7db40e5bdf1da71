// Package sweeper runs the periodic housekeeping the request path never does
// itself: expiring overdue claim codes and purging old idempotency records.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fastprodman/loyaltyledger/internal/store"
)

const DefaultBatchSize = 500

type ClaimExpirer interface {
	ExpireDue(ctx context.Context, now time.Time, limit int) ([]string, error)
}

type Report struct {
	ExpiredClaims int   `json:"expiredClaims"`
	PurgedKeys    int64 `json:"purgedKeys"`
}

type Sweeper struct {
	claims    ClaimExpirer
	store     store.Store
	retention time.Duration
	batchSize int
	now       func() time.Time
}

// New builds a sweeper. retention is how long idempotency records are kept;
// zero disables purging.
func New(claims ClaimExpirer, s store.Store, retention time.Duration, batchSize int) *Sweeper {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	return &Sweeper{
		claims:    claims,
		store:     s,
		retention: retention,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// RunOnce expires every due code in batches, then purges idempotency records
// older than the retention window. Both steps run even if the first fails.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var rep Report

	now := s.now().UTC()

	expired, expErr := s.expireAll(ctx, now)
	rep.ExpiredClaims = expired

	var purgeErr error

	if s.retention > 0 {
		rep.PurgedKeys, purgeErr = s.store.PurgeIdempotency(ctx, now.Add(-s.retention))
		if purgeErr != nil {
			purgeErr = fmt.Errorf("purge idempotency: %w", purgeErr)
		}
	}

	return rep, errors.Join(expErr, purgeErr)
}

func (s *Sweeper) expireAll(ctx context.Context, now time.Time) (int, error) {
	total := 0

	for {
		codes, err := s.claims.ExpireDue(ctx, now, s.batchSize)
		if err != nil {
			return total, fmt.Errorf("expire claims: %w", err)
		}

		total += len(codes)

		if len(codes) < s.batchSize {
			return total, nil
		}

		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

// Run calls RunOnce every interval until ctx is done. Failed sweeps are
// logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		s.logRun(ctx)

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (s *Sweeper) logRun(ctx context.Context) {
	start := time.Now()

	rep, err := s.RunOnce(ctx)
	if err != nil {
		slog.Error("sweep failed", "error", err,
			"expired_claims", rep.ExpiredClaims, "purged_keys", rep.PurgedKeys)

		return
	}

	slog.Info("sweep finished",
		"expired_claims", rep.ExpiredClaims,
		"purged_keys", rep.PurgedKeys,
		"duration_ms", time.Since(start).Milliseconds())
}
