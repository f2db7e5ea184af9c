package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polylive/internal/domain"
)

const sweepLockKey = "ledger:sweep"

// Sweeper periodically reconciles every user with ledger rows. Only the
// instance holding the sweep lock runs a pass.
type Sweeper struct {
	reconciler *Reconciler
	store      domain.PositionStore
	locks      domain.LockManager
	logger     *slog.Logger
}

// NewSweeper creates a Sweeper. locks may be nil for single-instance runs.
func NewSweeper(r *Reconciler, store domain.PositionStore, locks domain.LockManager, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		reconciler: r,
		store:      store,
		locks:      locks,
		logger:     logger.With(slog.String("component", "ledger_sweeper")),
	}
}

// Sweep runs one pass and returns how many users changed. It returns nil
// without doing anything when another instance holds the lock.
func (s *Sweeper) Sweep(ctx context.Context, lockTTL time.Duration) (int, error) {
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, sweepLockKey, lockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			s.logger.DebugContext(ctx, "sweep skipped, lock held elsewhere")
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("ledger: sweep lock: %w", err)
		}
		defer unlock()
	}

	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: sweep list users: %w", err)
	}

	changed := 0
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		res, err := s.reconciler.Reconcile(ctx, u)
		switch {
		case errors.Is(err, domain.ErrThrottled):
		case err != nil:
			s.logger.WarnContext(ctx, "sweep reconcile failed",
				slog.String("user", u),
				slog.String("error", err.Error()),
			)
		case res.Changed():
			changed++
		}
	}
	s.logger.InfoContext(ctx, "sweep complete",
		slog.Int("users", len(users)),
		slog.Int("changed", changed),
	)
	return changed, nil
}

// RunLoop sweeps every interval until ctx is cancelled. Each pass holds the
// sweep lock for at most lockTTL.
func (s *Sweeper) RunLoop(ctx context.Context, interval, lockTTL time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx, lockTTL); err != nil {
				s.logger.Error("sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
