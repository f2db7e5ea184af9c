package feed

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polylive/internal/domain"
	"github.com/alanyoungcy/polylive/internal/metrics"
)

// Resolver maps an instrument to its container.
type Resolver interface {
	Resolve(instrumentID string) (domain.InstrumentRef, bool)
}

// Handler processes one batch. Batches handed to a Handler by one shard
// arrive in upstream order.
type Handler interface {
	Handle(ctx context.Context, batch domain.PriceBatch) error
}

// DispatcherConfig tunes a Dispatcher.
type DispatcherConfig struct {
	Shards    int
	QueueSize int
}

// Dispatcher splits batches across FIFO shards keyed by container, so
// updates to one container are applied in arrival order while different
// containers proceed in parallel. A full shard blocks Submit.
type Dispatcher struct {
	shards   []chan domain.PriceBatch
	resolver Resolver
	handler  Handler
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher. Call Run to start its workers.
func NewDispatcher(cfg DispatcherConfig, resolver Resolver, handler Handler, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if cfg.Shards <= 0 {
		cfg.Shards = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	shards := make([]chan domain.PriceBatch, cfg.Shards)
	for i := range shards {
		shards[i] = make(chan domain.PriceBatch, cfg.QueueSize)
	}
	return &Dispatcher{
		shards:   shards,
		resolver: resolver,
		handler:  handler,
		metrics:  m,
		logger:   logger.With(slog.String("component", "dispatcher")),
	}
}

// Submit routes the quotes of batch to their shards, keeping their relative
// order. Quotes for unknown instruments are routed by instrument id and
// dropped downstream.
func (d *Dispatcher) Submit(ctx context.Context, batch domain.PriceBatch) error {
	parts := make(map[int][]domain.Quote)
	var order []int
	for _, q := range batch.Quotes {
		key := q.InstrumentID
		if ref, ok := d.resolver.Resolve(q.InstrumentID); ok {
			key = ref.ContainerID
		}
		idx := d.shardOf(key)
		if _, seen := parts[idx]; !seen {
			order = append(order, idx)
		}
		parts[idx] = append(parts[idx], q)
	}

	for _, idx := range order {
		sub := domain.PriceBatch{Quotes: parts[idx], ReceivedAt: batch.ReceivedAt}
		select {
		case d.shards[idx] <- sub:
			d.metrics.DispatchQueueDepth.WithLabelValues(strconv.Itoa(idx)).Set(float64(len(d.shards[idx])))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Run starts one worker per shard and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range d.shards {
		idx := i
		g.Go(func() error {
			d.work(gctx, idx)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) work(ctx context.Context, idx int) {
	queue := d.shards[idx]
	label := strconv.Itoa(idx)
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-queue:
			d.metrics.DispatchQueueDepth.WithLabelValues(label).Set(float64(len(queue)))
			if err := d.handler.Handle(ctx, batch); err != nil {
				d.logger.ErrorContext(ctx, "batch failed",
					slog.Int("shard", idx),
					slog.Int("quotes", len(batch.Quotes)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (d *Dispatcher) shardOf(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(d.shards)))
}
