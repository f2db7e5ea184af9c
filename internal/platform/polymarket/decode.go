package polymarket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/polylive/internal/domain"
)

// Decode turns one market channel frame into upstream events. A frame may be
// a single object or an array of them. Event types that carry no display
// price are acknowledged with no events; unknown types fail with
// domain.ErrUnknownEvent.
func Decode(raw []byte, now time.Time) ([]domain.UpstreamEvent, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if strings.EqualFold(string(trimmed), "PONG") {
		return []domain.UpstreamEvent{domain.HeartbeatEvent{Timestamp: now}}, nil
	}

	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("polymarket/ws: decode frame: %w", err)
		}
		var out []domain.UpstreamEvent
		for _, item := range items {
			ev, err := decodeOne(item, now)
			if err != nil {
				return out, err
			}
			if ev != nil {
				out = append(out, ev)
			}
		}
		return out, nil
	}

	ev, err := decodeOne(trimmed, now)
	if err != nil || ev == nil {
		return nil, err
	}
	return []domain.UpstreamEvent{ev}, nil
}

func decodeOne(raw []byte, now time.Time) (domain.UpstreamEvent, error) {
	var env struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("polymarket/ws: decode envelope: %w", err)
	}

	switch env.EventType {
	case "book":
		var m BookMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("polymarket/ws: decode book: %w", err)
		}
		return m.toEvent(now), nil
	case "price_change":
		var m PriceChangeMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("polymarket/ws: decode price_change: %w", err)
		}
		return m.toEvent(now), nil
	case "heartbeat":
		return domain.HeartbeatEvent{Timestamp: now}, nil
	case "last_trade_price", "tick_size_change":
		return nil, nil
	default:
		return nil, fmt.Errorf("polymarket/ws: %w: %q", domain.ErrUnknownEvent, env.EventType)
	}
}

func (m BookMessage) toEvent(now time.Time) domain.BookSnapshotEvent {
	q := domain.Quote{InstrumentID: m.AssetID, Timestamp: parseMillis(m.Timestamp, now)}
	for _, lvl := range m.Bids {
		if p, ok := parsePrice(lvl.Price); ok && (!q.HasBid || p > q.Bid) {
			q.Bid, q.HasBid = p, true
		}
	}
	for _, lvl := range m.Asks {
		if p, ok := parsePrice(lvl.Price); ok && (!q.HasAsk || p < q.Ask) {
			q.Ask, q.HasAsk = p, true
		}
	}
	return domain.BookSnapshotEvent{Market: m.Market, Quote: q}
}

func (m PriceChangeMessage) toEvent(now time.Time) domain.PriceChangeEvent {
	ts := parseMillis(m.Timestamp, now)
	ev := domain.PriceChangeEvent{Market: m.Market, Timestamp: ts}
	for _, c := range m.PriceChanges {
		if c.AssetID == "" {
			continue
		}
		q := domain.Quote{InstrumentID: c.AssetID, Timestamp: ts}
		q.Bid, q.HasBid = parsePrice(c.BestBid)
		q.Ask, q.HasAsk = parsePrice(c.BestAsk)
		ev.Quotes = append(ev.Quotes, q)
	}
	return ev
}

// parsePrice reads a decimal price string. A side is absent unless its price
// is a finite value in (0, 1].
func parsePrice(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	p, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(p) || p <= 0 || p > 1 {
		return 0, false
	}
	return p, true
}

func parseMillis(s string, fallback time.Time) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return fallback.UTC()
	}
	return time.UnixMilli(ms).UTC()
}
