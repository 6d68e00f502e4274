package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"schoolerp/attendance/internal/config"
)

// UnlockSweeper deletes unlock grants that expired before a cutoff.
type UnlockSweeper interface {
	DeleteExpiredUnlocks(ctx context.Context, before time.Time) (int64, error)
}

// StartUnlockSweepJob periodically purges unlock grants older than the
// configured retention. It stops when ctx is done.
func StartUnlockSweepJob(ctx context.Context, cfg config.Config, sweeper UnlockSweeper) {
	if !cfg.UnlockSweepEnabled {
		return
	}
	if sweeper == nil {
		log.Warn().Msg("unlock sweep job disabled: no store configured")
		return
	}
	interval := cfg.UnlockSweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	timeout := cfg.UnlockSweepTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = sweepOnce(ctx, sweeper, time.Now().UTC(), cfg.UnlockRetention, timeout)
			}
		}
	}()
}

func sweepOnce(ctx context.Context, sweeper UnlockSweeper, now time.Time, retention, timeout time.Duration) (int64, error) {
	if retention < 0 {
		retention = 0
	}
	tickCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	deleted, err := sweeper.DeleteExpiredUnlocks(tickCtx, now.Add(-retention))
	if err != nil {
		log.Error().Err(err).Msg("unlock sweep job error")
		return 0, err
	}
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Msg("unlock sweep job purged expired grants")
	}
	return deleted, nil
}
