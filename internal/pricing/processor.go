package pricing

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polylive/internal/domain"
	"github.com/alanyoungcy/polylive/internal/metrics"
)

// Resolver maps instruments to their inventory position.
type Resolver interface {
	Resolve(instrumentID string) (domain.InstrumentRef, bool)
}

// ContainerState is the live container cache.
type ContainerState interface {
	Lock(id string) (unlock func())
	Get(ctx context.Context, id string) (domain.Container, error)
	Put(ctx context.Context, c domain.Container)
}

// Broadcaster fans a persisted container update out to subscribers.
type Broadcaster interface {
	BroadcastContainer(update domain.ContainerUpdate)
}

// ProcessorConfig tunes a Processor.
type ProcessorConfig struct {
	Policy MissingQuotePolicy
	// Parallelism bounds how many containers of one batch run at once.
	Parallelism int
}

// Processor applies price batches to containers.
type Processor struct {
	resolver    Resolver
	state       ContainerState
	store       domain.ContainerStore
	broadcaster Broadcaster
	deriver     *Deriver
	parallelism int
	now         func() time.Time
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewProcessor wires a Processor.
func NewProcessor(cfg ProcessorConfig, resolver Resolver, state ContainerState, store domain.ContainerStore, b Broadcaster, m *metrics.Metrics, logger *slog.Logger) *Processor {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 16
	}
	return &Processor{
		resolver:    resolver,
		state:       state,
		store:       store,
		broadcaster: b,
		deriver:     NewDeriver(cfg.Policy),
		parallelism: cfg.Parallelism,
		now:         time.Now,
		metrics:     m,
		logger:      logger.With(slog.String("component", "price_processor")),
	}
}

type resolvedQuote struct {
	quote domain.Quote
	ref   domain.InstrumentRef
}

// Handle applies one batch. Unresolved instruments are dropped. Each
// container gets at most one coalesced update, and a failing container never
// affects the others. Handle returns once every container is done.
func (p *Processor) Handle(ctx context.Context, batch domain.PriceBatch) error {
	start := p.now()
	defer func() { p.metrics.HandleDuration.Observe(time.Since(start).Seconds()) }()

	groups, order := p.group(batch)
	if len(order) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism)
	for _, id := range order {
		quotes := groups[id]
		g.Go(func() error {
			p.applyContainer(gctx, id, quotes)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (p *Processor) group(batch domain.PriceBatch) (map[string][]resolvedQuote, []string) {
	groups := make(map[string][]resolvedQuote)
	var order []string
	for _, q := range batch.Quotes {
		ref, ok := p.resolver.Resolve(q.InstrumentID)
		if !ok {
			p.metrics.UnresolvedDrops.Inc()
			p.logger.Debug("dropping unresolved quote", slog.String("instrument", q.InstrumentID))
			continue
		}
		if _, seen := groups[ref.ContainerID]; !seen {
			order = append(order, ref.ContainerID)
		}
		groups[ref.ContainerID] = append(groups[ref.ContainerID], resolvedQuote{quote: q, ref: ref})
	}
	return groups, order
}

func (p *Processor) applyContainer(ctx context.Context, id string, quotes []resolvedQuote) {
	unlock := p.state.Lock(id)
	defer unlock()

	current, err := p.state.Get(ctx, id)
	if err != nil {
		p.metrics.PersistErrors.WithLabelValues("load").Inc()
		p.logger.WarnContext(ctx, "container load failed",
			slog.String("container", id),
			slog.String("error", err.Error()),
		)
		return
	}

	now := p.now().UTC()
	next, changed := p.apply(current, quotes, now)
	if len(changed) == 0 {
		p.metrics.ContainersNoop.Inc()
		return
	}

	if err := p.store.ReplaceSlots(ctx, id, next.Slots, now); err != nil {
		p.metrics.PersistErrors.WithLabelValues("replace_slots").Inc()
		p.logger.ErrorContext(ctx, "container persist failed",
			slog.String("container", id),
			slog.String("error", err.Error()),
		)
		return
	}
	p.state.Put(ctx, next)
	p.metrics.ContainersApplied.Inc()

	if p.broadcaster != nil {
		p.broadcaster.BroadcastContainer(domain.ContainerUpdate{Container: next, Changed: changed})
	}
}

// apply runs quotes in order against a copy of c. It returns the new
// container and the outcomes whose prices moved; no change means no update.
func (p *Processor) apply(c domain.Container, quotes []resolvedQuote, now time.Time) (domain.Container, []domain.InstrumentPrice) {
	next := c.Clone()
	touched := make(map[[2]int]bool)
	slotsTouched := make(map[int]bool)

	for _, rq := range quotes {
		si, oi, ok := locate(next, rq.ref, rq.quote.InstrumentID)
		if !ok {
			p.metrics.UnresolvedDrops.Inc()
			p.logger.Debug("stale instrument mapping",
				slog.String("instrument", rq.quote.InstrumentID),
				slog.String("container", c.ID),
			)
			continue
		}
		cur := next.Slots[si].Outcomes[oi]
		updated, _, accepted := p.deriver.Derive(rq.quote, cur)
		if !accepted {
			continue
		}
		next.Slots[si].Outcomes[oi] = updated
		touched[[2]int{si, oi}] = true
		slotsTouched[si] = true
	}

	for si := range slotsTouched {
		slot := &next.Slots[si]
		if len(slot.Outcomes) > 0 {
			slot.Spread = slot.Outcomes[0].BuyPrice - slot.Outcomes[0].SellPrice
		}
	}

	var changed []domain.InstrumentPrice
	for si, slot := range next.Slots {
		for oi, o := range slot.Outcomes {
			if !touched[[2]int{si, oi}] || o == c.Slots[si].Outcomes[oi] {
				continue
			}
			changed = append(changed, domain.InstrumentPrice{
				InstrumentID: o.InstrumentID,
				ContainerID:  c.ID,
				SlotID:       slot.ID,
				OutcomeIndex: oi,
				Label:        o.Label,
				Probability:  o.Probability,
				BuyPrice:     o.BuyPrice,
				SellPrice:    o.SellPrice,
				UpdatedAt:    now,
			})
		}
	}
	if len(changed) == 0 {
		return c, nil
	}
	next.UpdatedAt = now
	return next, changed
}

// locate finds the outcome for ref, falling back to a scan by slot id when
// the indexes are stale.
func locate(c domain.Container, ref domain.InstrumentRef, instrument string) (int, int, bool) {
	if ref.SlotIndex < len(c.Slots) && ref.OutcomeIndex < len(c.Slots[ref.SlotIndex].Outcomes) &&
		c.Slots[ref.SlotIndex].Outcomes[ref.OutcomeIndex].InstrumentID == instrument {
		return ref.SlotIndex, ref.OutcomeIndex, true
	}
	for si, s := range c.Slots {
		for oi, o := range s.Outcomes {
			if o.InstrumentID == instrument {
				return si, oi, true
			}
		}
	}
	return 0, 0, false
}
