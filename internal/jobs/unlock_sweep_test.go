package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"schoolerp/attendance/internal/config"
)

type recordingSweeper struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
	calls   chan struct{}
}

func (s *recordingSweeper) DeleteExpiredUnlocks(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	s.cutoffs = append(s.cutoffs, before)
	s.mu.Unlock()
	if s.calls != nil {
		select {
		case s.calls <- struct{}{}:
		default:
		}
	}
	if s.err != nil {
		return 0, s.err
	}
	return 2, nil
}

func TestSweepOnceUsesRetentionCutoff(t *testing.T) {
	sweeper := &recordingSweeper{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	deleted, err := sweepOnce(context.Background(), sweeper, now, 48*time.Hour, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted, got %d", deleted)
	}
	if want := now.Add(-48 * time.Hour); !sweeper.cutoffs[0].Equal(want) {
		t.Fatalf("expected cutoff %v, got %v", want, sweeper.cutoffs[0])
	}

	if _, err := sweepOnce(context.Background(), sweeper, now, -time.Hour, time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sweeper.cutoffs[1].Equal(now) {
		t.Fatalf("negative retention should clamp to now, got %v", sweeper.cutoffs[1])
	}
}

func TestSweepOnceReportsError(t *testing.T) {
	sweeper := &recordingSweeper{err: errors.New("db down")}
	if _, err := sweepOnce(context.Background(), sweeper, time.Now(), time.Hour, time.Second); err == nil {
		t.Fatalf("expected error")
	}
}

func TestStartUnlockSweepJobTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := &recordingSweeper{calls: make(chan struct{}, 1)}
	StartUnlockSweepJob(ctx, config.Config{
		UnlockSweepEnabled:  true,
		UnlockSweepInterval: 10 * time.Millisecond,
		UnlockSweepTimeout:  time.Second,
		UnlockRetention:     time.Hour,
	}, sweeper)

	select {
	case <-sweeper.calls:
	case <-time.After(2 * time.Second):
		t.Fatalf("sweep job did not run")
	}
}

func TestStartUnlockSweepJobDisabled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := &recordingSweeper{calls: make(chan struct{}, 1)}
	StartUnlockSweepJob(ctx, config.Config{UnlockSweepEnabled: false, UnlockSweepInterval: 5 * time.Millisecond}, sweeper)

	select {
	case <-sweeper.calls:
		t.Fatalf("disabled job should not run")
	case <-time.After(50 * time.Millisecond):
	}
}
