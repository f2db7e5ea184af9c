package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/polylive/internal/domain"
)

// Alerter forwards operator notifications.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// InstrumentLister supplies instruments worth checking for every user.
type InstrumentLister interface {
	Instruments() []string
}

// Notification events raised by the reconciler.
const (
	EventReconcileDrift  = "reconcile_drift"
	EventReconcileFailed = "reconcile_failed"
)

// ReconcileConfig tunes a Reconciler.
type ReconcileConfig struct {
	MinInterval  time.Duration
	FetchTimeout time.Duration
	Window       time.Duration
}

// Result summarizes one reconciliation.
type Result struct {
	User     string
	Fetched  int
	Upserted []domain.Position
	Removed  []string
	Kept     int
}

// Changed reports whether the ledger was modified.
func (r Result) Changed() bool { return len(r.Upserted) > 0 || len(r.Removed) > 0 }

// Reconciler corrects the ledger from a ground-truth balance source.
type Reconciler struct {
	ledger      *Ledger
	source      domain.BalanceSource
	throttle    domain.Throttle
	instruments InstrumentLister
	alerter     Alerter
	cfg         ReconcileConfig
}

// NewReconciler creates a Reconciler writing through l. instruments and
// alerter may be nil.
func NewReconciler(l *Ledger, source domain.BalanceSource, throttle domain.Throttle, instruments InstrumentLister, alerter Alerter, cfg ReconcileConfig) *Reconciler {
	return &Reconciler{
		ledger:      l,
		source:      source,
		throttle:    throttle,
		instruments: instruments,
		alerter:     alerter,
		cfg:         cfg,
	}
}

// Reconcile merges the user's ground-truth balances into the ledger. It
// returns domain.ErrThrottled when the user was reconciled less than
// MinInterval ago. A failed or timed out fetch leaves the ledger untouched.
func (r *Reconciler) Reconcile(ctx context.Context, user string) (Result, error) {
	l := r.ledger
	logger := l.logger.With(slog.String("user", user))
	res := Result{User: user}

	ok, err := r.throttle.Allow(ctx, "reconcile:"+user, r.cfg.MinInterval)
	if err != nil {
		return res, fmt.Errorf("ledger: reconcile throttle: %w", err)
	}
	if !ok {
		l.metrics.Reconciles.WithLabelValues("throttled").Inc()
		return res, domain.ErrThrottled
	}

	start := time.Now()
	defer func() { l.metrics.ReconcileDuration.Observe(time.Since(start).Seconds()) }()

	rows, err := l.store.ListByUser(ctx, user)
	if err != nil {
		l.metrics.Reconciles.WithLabelValues("error").Inc()
		return res, fmt.Errorf("ledger: reconcile list positions: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	balances, err := r.source.Balances(fetchCtx, user, r.candidates(rows))
	cancel()
	if err != nil {
		l.metrics.Reconciles.WithLabelValues("fetch_failed").Inc()
		logger.WarnContext(ctx, "ground truth fetch failed",
			slog.String("source", r.source.Name()),
			slog.String("error", err.Error()),
		)
		r.alert(ctx, EventReconcileFailed, "Reconcile failed",
			fmt.Sprintf("user %s via %s: %v", user, r.source.Name(), err))
		return res, fmt.Errorf("ledger: fetch balances from %s: %w", r.source.Name(), err)
	}
	res.Fetched = len(balances)
	if len(balances) == 0 {
		l.metrics.Reconciles.WithLabelValues("empty").Inc()
		logger.DebugContext(ctx, "empty ground truth, nothing changed")
		return res, nil
	}

	incoming := make(map[string]domain.Balance, len(balances))
	for _, b := range balances {
		incoming[b.InstrumentID] = b
	}
	// Zero readings only matter for instruments the ledger holds.
	keys := make(map[string]bool, len(incoming)+len(rows))
	for id, b := range incoming {
		if b.RawSize > 0 {
			keys[id] = true
		}
	}
	for _, p := range rows {
		keys[p.InstrumentID] = true
	}
	ordered := make([]string, 0, len(keys))
	for id := range keys {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	for _, instrument := range ordered {
		var in *domain.Balance
		if b, ok := incoming[instrument]; ok {
			in = &b
		}
		if err := r.mergeOne(ctx, user, instrument, in, &res); err != nil {
			l.metrics.Reconciles.WithLabelValues("error").Inc()
			return res, err
		}
	}

	l.metrics.Reconciles.WithLabelValues("ok").Inc()
	if res.Changed() {
		l.publish(ctx, domain.PositionChange{
			User:      user,
			Source:    domain.SourceReconcile,
			Upserted:  res.Upserted,
			Removed:   res.Removed,
			Timestamp: l.now().UTC(),
		})
		logger.InfoContext(ctx, "ledger reconciled",
			slog.Int("upserted", len(res.Upserted)),
			slog.Int("removed", len(res.Removed)),
			slog.Int("kept", res.Kept),
		)
		r.alert(ctx, EventReconcileDrift, "Ledger drift corrected",
			fmt.Sprintf("user %s: %d updated, %d removed (%s)", user, len(res.Upserted), len(res.Removed), strings.Join(res.Removed, ",")))
	}
	return res, nil
}

func (r *Reconciler) mergeOne(ctx context.Context, user, instrument string, in *domain.Balance, res *Result) error {
	l := r.ledger
	unlock := l.locks.Lock(positionKey(user, instrument))
	defer unlock()

	var existing *domain.Position
	cur, err := l.store.Get(ctx, user, instrument)
	switch {
	case err == nil:
		existing = &cur
	case errors.Is(err, domain.ErrNotFound):
	default:
		return fmt.Errorf("ledger: reconcile load %s: %w", instrument, err)
	}

	now := l.now().UTC()
	cutoff := now.Add(-r.cfg.Window)
	d := Merge(existing, in, user, domain.SourceReconcile, now, r.cfg.Window)
	l.metrics.MergeActions.WithLabelValues(string(d.Action)).Inc()

	switch d.Action {
	case ActionUpsert:
		wrote, err := l.store.UpsertIfStale(ctx, d.Record, cutoff)
		if err != nil {
			return fmt.Errorf("ledger: reconcile write %s: %w", instrument, err)
		}
		if wrote {
			res.Upserted = append(res.Upserted, d.Record)
		} else {
			res.Kept++
		}
	case ActionDelete:
		removed, err := l.store.DeleteIfStale(ctx, user, instrument, cutoff)
		if err != nil {
			return fmt.Errorf("ledger: reconcile delete %s: %w", instrument, err)
		}
		if removed {
			res.Removed = append(res.Removed, instrument)
		} else {
			res.Kept++
		}
	default:
		res.Kept++
	}
	return nil
}

// candidates is the union of the registry's instruments and the user's rows.
func (r *Reconciler) candidates(rows []domain.Position) []string {
	seen := make(map[string]bool)
	var out []string
	if r.instruments != nil {
		for _, id := range r.instruments.Instruments() {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	for _, p := range rows {
		if !seen[p.InstrumentID] {
			seen[p.InstrumentID] = true
			out = append(out, p.InstrumentID)
		}
	}
	return out
}

func (r *Reconciler) alert(ctx context.Context, event, title, msg string) {
	if r.alerter == nil {
		return
	}
	if err := r.alerter.Notify(ctx, event, title, msg); err != nil {
		r.ledger.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
