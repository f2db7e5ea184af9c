package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polylive/internal/domain"
)

// SnapshotLoader reads the newest archived snapshot.
type SnapshotLoader interface {
	LatestContainers(ctx context.Context) ([]domain.Container, time.Time, error)
}

// Warmer accepts containers restored from a snapshot, e.g. the cache's Warm
// or the registry's Rebuild.
type Warmer func(ctx context.Context, containers []domain.Container) int

// WarmStart seeds every warmer from the newest snapshot so the cache and
// registry can serve before the first inventory refresh completes. A
// missing snapshot is not an error.
func WarmStart(ctx context.Context, loader SnapshotLoader, logger *slog.Logger, warmers ...Warmer) (int, error) {
	containers, takenAt, err := loader.LatestContainers(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		logger.InfoContext(ctx, "no snapshot to warm from")
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	for _, w := range warmers {
		w(ctx, containers)
	}
	logger.InfoContext(ctx, "warmed from snapshot",
		slog.Int("containers", len(containers)),
		slog.Time("taken_at", takenAt),
	)
	return len(containers), nil
}
