package svc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"nanohost/metrics"
	"nanohost/svc/db"
	"nanohost/svc/util"
)

var (
	cleanerOnce    sync.Once
	cleanerRunning atomic.Bool
)

// StartCleaner launches the background worker that prunes stale unpaid
// invoices. A quote that was never paid should not reserve a reference
// forever.
func StartCleaner(ctx context.Context, sqlDB *db.SQLite, interval, invoiceTTL time.Duration) error {
	if cleanerRunning.Load() {
		return errors.New("cleaner already running")
	}
	cleanerOnce.Do(func() {
		cleanerRunning.Store(true)
		go runCleaner(ctx, sqlDB, interval, invoiceTTL)
	})
	return nil
}

func runCleaner(ctx context.Context, sqlDB *db.SQLite, interval, invoiceTTL time.Duration) {
	defer cleanerRunning.Store(false)
	cleanupRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, cleanupRequestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", cleanupRequestID).
		Dur("interval", interval).
		Msg("invoice cleanup worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", cleanupRequestID).
				Msg("invoice cleanup worker shutting down")
			return
		case <-ticker.C:
			metrics.PruneCycles.Inc()
			deleted, err := sqlDB.CleanupStaleUnpaid(ctx, time.Now().Add(-invoiceTTL))
			if err != nil {
				util.Error().
					Err(err).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("invoice cleanup failed")
			} else if deleted > 0 {
				util.Info().
					Int("deleted", deleted).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("invoice cleanup completed")
			}
		}
	}
}
