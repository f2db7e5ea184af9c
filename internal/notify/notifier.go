// Package notify delivers operator alerts to chat channels. Alerts are
// filtered by event type and rate limited per event.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/polylive/internal/domain"
)

// Alert events raised by the engine.
const (
	EventReconcileDrift    = "reconcile_drift"
	EventReconcileFailed   = "reconcile_failed"
	EventUpstreamReconnect = "upstream_reconnect"
)

// KnownEvents lists every event an operator can subscribe to.
var KnownEvents = []string{EventReconcileDrift, EventReconcileFailed, EventUpstreamReconnect}

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches alerts to every Sender.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	throttle domain.Throttle
	cooldown time.Duration
	logger   *slog.Logger
}

// NewNotifier creates a Notifier. Only events listed in events are
// forwarded; an empty list forwards everything.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// SetCooldown limits each event type to one alert per interval across all
// instances sharing t.
func (n *Notifier) SetCooldown(t domain.Throttle, interval time.Duration) {
	n.throttle = t
	n.cooldown = interval
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Notify sends an alert for event unless it is filtered out or inside its
// cooldown.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	if n.throttle != nil && n.cooldown > 0 {
		ok, err := n.throttle.Allow(ctx, "notify:"+event, n.cooldown)
		if err != nil {
			// Alerting is best effort; a broken throttle must not hide alerts.
			n.logger.WarnContext(ctx, "cooldown check failed", slog.String("error", err.Error()))
		} else if !ok {
			n.logger.DebugContext(ctx, "event in cooldown", slog.String("event", event))
			return nil
		}
	}
	return n.dispatch(ctx, title, message)
}

// dispatch delivers to every sender; one failing sender does not stop the
// rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	return nil
}
