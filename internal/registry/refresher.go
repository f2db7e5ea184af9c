package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polylive/internal/domain"
)

// InventorySource lists every live container from the venue.
type InventorySource interface {
	ActiveContainers(ctx context.Context) ([]domain.Container, error)
}

// InventorySink stores refreshed container metadata.
type InventorySink interface {
	ApplyInventory(ctx context.Context, containers []domain.Container) error
}

// Refresher pulls the inventory, stores it and rebuilds the registry.
type Refresher struct {
	source   InventorySource
	sink     InventorySink
	registry *Registry
	trigger  chan struct{}
	logger   *slog.Logger
}

// NewRefresher creates a Refresher. sink may be nil, in which case only the
// registry is rebuilt.
func NewRefresher(source InventorySource, sink InventorySink, reg *Registry, logger *slog.Logger) *Refresher {
	return &Refresher{
		source:   source,
		sink:     sink,
		registry: reg,
		trigger:  make(chan struct{}, 1),
		logger:   logger.With(slog.String("component", "registry_refresher")),
	}
}

// Run performs one refresh and returns the number of mapped instruments.
func (r *Refresher) Run(ctx context.Context) (int, error) {
	start := time.Now()
	containers, err := r.source.ActiveContainers(ctx)
	if err != nil {
		return 0, fmt.Errorf("registry: fetch inventory: %w", err)
	}
	if r.sink != nil {
		if err := r.sink.ApplyInventory(ctx, containers); err != nil {
			return 0, fmt.Errorf("registry: store inventory: %w", err)
		}
	}
	n := r.registry.Rebuild(containers)
	r.logger.InfoContext(ctx, "registry rebuilt",
		slog.Int("containers", len(containers)),
		slog.Int("instruments", n),
		slog.Uint64("version", r.registry.Version()),
		slog.Duration("took", time.Since(start)),
	)
	return n, nil
}

// Trigger requests an out-of-band refresh. Requests made while one is
// pending are merged.
func (r *Refresher) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// RunLoop refreshes immediately, then on every tick and every Trigger, until
// ctx is cancelled.
func (r *Refresher) RunLoop(ctx context.Context, interval time.Duration) error {
	if _, err := r.Run(ctx); err != nil {
		r.logger.Error("registry refresh failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("registry refresher stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-r.trigger:
		}
		if _, err := r.Run(ctx); err != nil {
			r.logger.Error("registry refresh failed", slog.String("error", err.Error()))
		}
	}
}
