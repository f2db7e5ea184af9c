package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polylive/internal/domain"
)

// SnapshotWriter persists container snapshots.
type SnapshotWriter interface {
	Save(ctx context.Context, containers []domain.Container, at time.Time) (string, error)
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// SnapshotSource supplies the containers to archive.
type SnapshotSource interface {
	Snapshot() []domain.Container
}

// Archiver uploads the cached container state to cold storage on a cron
// schedule and prunes snapshots past retention.
type Archiver struct {
	writer        SnapshotWriter
	source        SnapshotSource
	retentionDays int
	now           func() time.Time
	logger        *slog.Logger
}

// NewArchiver creates an Archiver. retentionDays <= 0 keeps every snapshot.
func NewArchiver(writer SnapshotWriter, source SnapshotSource, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:        writer,
		source:        source,
		retentionDays: retentionDays,
		now:           time.Now,
		logger:        logger.With(slog.String("component", "archiver")),
	}
}

// Run takes one snapshot. An empty cache is not archived.
func (a *Archiver) Run(ctx context.Context) (string, error) {
	containers := a.source.Snapshot()
	if len(containers) == 0 {
		a.logger.InfoContext(ctx, "no containers cached, skipping snapshot")
		return "", nil
	}

	now := a.now().UTC()
	key, err := a.writer.Save(ctx, containers, now)
	if err != nil {
		return "", fmt.Errorf("saving snapshot: %w", err)
	}
	a.logger.InfoContext(ctx, "snapshot saved",
		slog.String("key", key),
		slog.Int("containers", len(containers)),
	)

	if a.retentionDays > 0 {
		cutoff := now.AddDate(0, 0, -a.retentionDays)
		n, err := a.writer.Prune(ctx, cutoff)
		if err != nil {
			a.logger.WarnContext(ctx, "snapshot prune failed", slog.String("error", err.Error()))
		} else if n > 0 {
			a.logger.InfoContext(ctx, "old snapshots pruned", slog.Int("count", n), slog.Time("cutoff", cutoff))
		}
	}
	return key, nil
}

// RunCron runs the archiver on a 5-field cron schedule until ctx is
// cancelled, e.g. "*/15 * * * *".
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	a.logger.Info("archiver cron started", slog.String("cron", cronExpr))

	for {
		next, err := nextCronTime(cronExpr, a.now().UTC())
		if err != nil {
			return fmt.Errorf("parsing cron expression %q: %w", cronExpr, err)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("archiver cron stopped")
			return ctx.Err()
		case <-timer.C:
			if _, err := a.Run(ctx); err != nil {
				a.logger.Error("snapshot run failed", slog.String("error", err.Error()))
			}
		}
	}
}
