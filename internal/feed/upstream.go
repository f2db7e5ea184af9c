// Package feed connects the upstream price feed to the price processor.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polylive/internal/domain"
	"github.com/alanyoungcy/polylive/internal/metrics"
	"github.com/alanyoungcy/polylive/internal/platform/polymarket"
)

// EventUpstreamReconnect is raised when the upstream connection drops.
const EventUpstreamReconnect = "upstream_reconnect"

// InstrumentSource supplies the instruments to subscribe to and signals
// when that set changes.
type InstrumentSource interface {
	Instruments() []string
	Changes() <-chan struct{}
}

// Sink accepts decoded price batches. Submit may block.
type Sink interface {
	Submit(ctx context.Context, batch domain.PriceBatch) error
}

// Alerter forwards operator notifications.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// UpstreamConfig tunes an Upstream.
type UpstreamConfig struct {
	URL        string
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

var errResubscribe = errors.New("instrument set changed")

// Upstream keeps one market channel connection subscribed to the current
// instrument set. It reconnects with exponential backoff and opens a fresh
// subscription whenever the registry is rebuilt.
type Upstream struct {
	cfg         UpstreamConfig
	instruments InstrumentSource
	sink        Sink
	alerter     Alerter
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// NewUpstream creates an Upstream. alerter may be nil.
func NewUpstream(cfg UpstreamConfig, instruments InstrumentSource, sink Sink, alerter Alerter, m *metrics.Metrics, logger *slog.Logger) *Upstream {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 60 * time.Second
	}
	return &Upstream{
		cfg:         cfg,
		instruments: instruments,
		sink:        sink,
		alerter:     alerter,
		metrics:     m,
		logger:      logger.With(slog.String("component", "upstream")),
		now:         time.Now,
	}
}

// Run blocks until ctx is cancelled.
func (u *Upstream) Run(ctx context.Context) error {
	delay := u.cfg.MinBackoff
	for {
		if ctx.Err() != nil {
			return nil
		}

		ids := u.instruments.Instruments()
		if len(ids) == 0 {
			u.logger.InfoContext(ctx, "no instruments to subscribe, waiting for registry")
			select {
			case <-ctx.Done():
				return nil
			case <-u.instruments.Changes():
			}
			continue
		}

		err := u.session(ctx, ids, func() { delay = u.cfg.MinBackoff })
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, errResubscribe):
			u.logger.InfoContext(ctx, "instrument set changed, resubscribing")
			continue
		}

		u.metrics.UpstreamReconnects.Inc()
		u.logger.WarnContext(ctx, "upstream disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", delay),
		)
		u.alert(ctx, err, delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > u.cfg.MaxBackoff {
			delay = u.cfg.MaxBackoff
		}
	}
}

// session runs one connection. It returns errResubscribe when the
// instrument set changes and the read error when the connection drops.
func (u *Upstream) session(ctx context.Context, ids []string, connected func()) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	stream, err := polymarket.DialMarket(dialCtx, u.cfg.URL)
	cancel()
	if err != nil {
		return err
	}
	defer stream.Close()

	if err := stream.Subscribe(ids); err != nil {
		return err
	}
	connected()
	u.logger.InfoContext(ctx, "upstream subscribed", slog.Int("instruments", len(ids)))

	readErr := make(chan error, 1)
	go func() {
		for {
			raw, err := stream.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if err := u.handle(ctx, raw); err != nil {
				readErr <- err
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		stream.Close()
		<-readErr
		return ctx.Err()
	case <-u.instruments.Changes():
		stream.Close()
		<-readErr
		return errResubscribe
	case err := <-readErr:
		return err
	}
}

// handle decodes one frame and submits its price batches. Undecodable
// frames are logged and skipped; only a failing sink ends the session.
func (u *Upstream) handle(ctx context.Context, raw []byte) error {
	now := u.now()
	events, err := polymarket.Decode(raw, now)
	if err != nil {
		label := "invalid"
		if errors.Is(err, domain.ErrUnknownEvent) {
			label = "unknown"
		}
		u.metrics.UpstreamEvents.WithLabelValues(label).Inc()
		u.logger.WarnContext(ctx, "dropping upstream frame", slog.String("error", err.Error()))
	}

	for _, ev := range events {
		u.metrics.UpstreamEvents.WithLabelValues(eventLabel(ev)).Inc()
		batch, ok := domain.ToBatch(ev, now)
		if !ok {
			continue
		}
		if err := u.sink.Submit(ctx, batch); err != nil {
			return fmt.Errorf("feed: submit batch: %w", err)
		}
	}
	return nil
}

func (u *Upstream) alert(ctx context.Context, cause error, delay time.Duration) {
	if u.alerter == nil {
		return
	}
	msg := fmt.Sprintf("upstream connection lost: %v; retrying in %s", cause, delay)
	if err := u.alerter.Notify(ctx, EventUpstreamReconnect, "Upstream reconnect", msg); err != nil {
		u.logger.WarnContext(ctx, "alert failed", slog.String("error", err.Error()))
	}
}

func eventLabel(ev domain.UpstreamEvent) string {
	switch ev.(type) {
	case domain.PriceChangeEvent:
		return "price_change"
	case domain.BookSnapshotEvent:
		return "book"
	case domain.HeartbeatEvent:
		return "heartbeat"
	default:
		return "other"
	}
}
