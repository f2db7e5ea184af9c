package polymarket

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/alanyoungcy/polylive/internal/domain"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma API
// responses work whether "active" is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIEvent represents an event as returned by the Polymarket Gamma API.
// An event groups one or more related markets.
type APIEvent struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Slug      string      `json:"slug"`
	Active    flexBool    `json:"active"`
	Closed    flexBool    `json:"closed"`
	Markets   []APIMarket `json:"markets"`
	UpdatedAt string      `json:"updatedAt"`
}

// APIMarket represents a market as returned by the Polymarket Gamma API.
type APIMarket struct {
	ID             string   `json:"id"`
	Question       string   `json:"question"`
	GroupItemTitle string   `json:"groupItemTitle"`
	ConditionID    string   `json:"conditionId"`
	Slug           string   `json:"slug"`
	Active         flexBool `json:"active"`
	Closed         flexBool `json:"closed"`
	Outcomes       string   `json:"outcomes"`     // JSON-encoded: e.g. "[\"Yes\",\"No\"]"
	ClobTokenIDs   string   `json:"clobTokenIds"` // JSON-encoded: e.g. "[\"123\",\"456\"]"
}

// ToContainer converts an event to a container. Closed markets and markets
// whose token list does not line up with their outcomes are left out.
func (e *APIEvent) ToContainer() domain.Container {
	c := domain.Container{
		ID:     e.ID,
		Slug:   e.Slug,
		Title:  e.Title,
		Active: bool(e.Active) && !bool(e.Closed),
	}
	if t, err := time.Parse(time.RFC3339, e.UpdatedAt); err == nil {
		c.UpdatedAt = t.UTC()
	}
	for i := range e.Markets {
		if slot, ok := e.Markets[i].toSlot(); ok {
			c.Slots = append(c.Slots, slot)
		}
	}
	return c
}

func (m *APIMarket) toSlot() (domain.Slot, bool) {
	if bool(m.Closed) {
		return domain.Slot{}, false
	}
	var labels, tokens []string
	if err := json.Unmarshal([]byte(m.Outcomes), &labels); err != nil {
		return domain.Slot{}, false
	}
	if err := json.Unmarshal([]byte(m.ClobTokenIDs), &tokens); err != nil {
		return domain.Slot{}, false
	}
	if len(tokens) == 0 || len(labels) != len(tokens) {
		return domain.Slot{}, false
	}

	question := m.GroupItemTitle
	if question == "" {
		question = m.Question
	}
	slot := domain.Slot{ID: m.ID, Question: question}
	for i, tok := range tokens {
		slot.Outcomes = append(slot.Outcomes, domain.Outcome{Label: labels[i], InstrumentID: tok})
	}
	return slot, true
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// MarketSubscription is the first frame sent on the market channel.
type MarketSubscription struct {
	Type     string   `json:"type"`
	AssetIDs []string `json:"assets_ids"`
}

// BookMessage represents a full orderbook snapshot delivered over WebSocket.
type BookMessage struct {
	AssetID   string         `json:"asset_id"`
	Market    string         `json:"market"`
	Bids      []WSPriceLevel `json:"bids"`
	Asks      []WSPriceLevel `json:"asks"`
	Timestamp string         `json:"timestamp"`
	Hash      string         `json:"hash"`
}

// WSPriceLevel is a single bid/ask level in the WebSocket orderbook data.
type WSPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// PriceChangeMessage carries level changes for one or more assets of a
// market, each with the resulting top of book.
type PriceChangeMessage struct {
	Market       string            `json:"market"`
	PriceChanges []PriceChangeItem `json:"price_changes"`
	Timestamp    string            `json:"timestamp"`
}

// PriceChangeItem is one asset's entry in a PriceChangeMessage.
type PriceChangeItem struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"` // "BUY" or "SELL"
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}
