// Package ledger keeps the per-user position ledger. Fills update it
// optimistically; the reconciler corrects it from ground-truth balances.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polylive/internal/domain"
	"github.com/alanyoungcy/polylive/internal/keylock"
	"github.com/alanyoungcy/polylive/internal/metrics"
)

// Publisher delivers position changes to subscribers.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Ledger applies fills. Writes for one (user, instrument) pair are
// serialized, including those made by the Reconciler sharing this Ledger.
type Ledger struct {
	store   domain.PositionStore
	locks   *keylock.Locker
	dedup   *Dedup
	pub     Publisher
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Ledger. pub may be nil.
func New(store domain.PositionStore, dedup *Dedup, pub Publisher, m *metrics.Metrics, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:   store,
		locks:   keylock.New(),
		dedup:   dedup,
		pub:     pub,
		now:     time.Now,
		metrics: m,
		logger:  logger.With(slog.String("component", "ledger")),
	}
}

func positionKey(user, instrument string) string { return user + "|" + instrument }

// ApplyFill updates the ledger for one fill. It reports false when the fill
// was a duplicate or a sell against an empty position.
func (l *Ledger) ApplyFill(ctx context.Context, f domain.Fill) (bool, error) {
	if err := f.Validate(); err != nil {
		return false, err
	}

	unlock := l.locks.Lock(positionKey(f.User, f.InstrumentID))
	defer unlock()

	if f.ID != "" && l.dedup != nil && l.dedup.Seen(f.ID) {
		l.metrics.FillDuplicates.Inc()
		l.logger.DebugContext(ctx, "duplicate fill ignored", slog.String("fill", f.ID))
		return false, nil
	}

	var existing *domain.Position
	cur, err := l.store.Get(ctx, f.User, f.InstrumentID)
	switch {
	case err == nil:
		existing = &cur
	case errors.Is(err, domain.ErrNotFound):
	default:
		return false, fmt.Errorf("ledger: load position: %w", err)
	}

	now := l.now().UTC()
	change := domain.PositionChange{User: f.User, Source: domain.SourceFill, Timestamp: now}

	switch f.Side {
	case domain.SideBuy:
		next := applyBuy(existing, f, now)
		if err := l.store.Upsert(ctx, next); err != nil {
			return false, fmt.Errorf("ledger: write buy: %w", err)
		}
		change.Upserted = []domain.Position{next}
	case domain.SideSell:
		if existing == nil {
			l.logger.WarnContext(ctx, "sell without position",
				slog.String("user", f.User),
				slog.String("instrument", f.InstrumentID),
			)
			l.markApplied(f)
			return false, nil
		}
		next, remove := applySell(*existing, f, now)
		if remove {
			if err := l.store.Delete(ctx, f.User, f.InstrumentID); err != nil {
				return false, fmt.Errorf("ledger: delete position: %w", err)
			}
			change.Removed = []string{f.InstrumentID}
		} else {
			if err := l.store.Upsert(ctx, next); err != nil {
				return false, fmt.Errorf("ledger: write sell: %w", err)
			}
			change.Upserted = []domain.Position{next}
		}
	}

	l.markApplied(f)
	l.metrics.FillsApplied.WithLabelValues(string(f.Side)).Inc()
	l.publish(ctx, change)
	return true, nil
}

func (l *Ledger) markApplied(f domain.Fill) {
	if f.ID != "" && l.dedup != nil {
		l.dedup.Mark(f.ID)
	}
}

// applyBuy adds f to existing. The new average is the size-weighted mean of
// both cost bases. A fill without a price is valued at the existing average.
func applyBuy(existing *domain.Position, f domain.Fill, now time.Time) domain.Position {
	p := domain.Position{User: f.User, InstrumentID: f.InstrumentID}
	if existing != nil {
		p = *existing
	}

	shares := float64(f.RawAmount) / domain.RawScale
	var cost float64
	if f.Price != nil {
		cost = *f.Price * shares
	} else {
		cost = p.AvgPrice / 100 * shares
	}

	p.RawSize += f.RawAmount
	p.CostBasis += cost
	if p.RawSize > 0 {
		p.AvgPrice = p.CostBasis / p.Shares() * 100
	}
	p.UpdatedAt = now
	return p
}

// applySell removes f from p. Average price is unchanged; the cost basis
// shrinks with the size. The bool is true when nothing is left.
func applySell(p domain.Position, f domain.Fill, now time.Time) (domain.Position, bool) {
	p.RawSize -= f.RawAmount
	p.UpdatedAt = now
	if p.RawSize <= 0 {
		return p, true
	}
	p.CostBasis = p.AvgPrice / 100 * p.Shares()
	return p, false
}

// Positions lists the ledger rows of user.
func (l *Ledger) Positions(ctx context.Context, user string) ([]domain.Position, error) {
	ps, err := l.store.ListByUser(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("ledger: list positions: %w", err)
	}
	return ps, nil
}

func (l *Ledger) publish(ctx context.Context, change domain.PositionChange) {
	if l.pub == nil || (len(change.Upserted) == 0 && len(change.Removed) == 0) {
		return
	}
	payload, err := json.Marshal(change)
	if err != nil {
		l.logger.ErrorContext(ctx, "encode position change", slog.String("error", err.Error()))
		return
	}
	if err := l.pub.Publish(ctx, domain.UserChannel(change.User), payload); err != nil {
		l.logger.WarnContext(ctx, "publish position change failed",
			slog.String("user", change.User),
			slog.String("error", err.Error()),
		)
	}
}
