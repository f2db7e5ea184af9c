package domain

import "time"

// Quote is the best bid/ask observed for one instrument. Either side may be
// absent.
type Quote struct {
	InstrumentID string
	Bid          float64
	Ask          float64
	HasBid       bool
	HasAsk       bool
	Timestamp    time.Time
}

// PriceBatch is the canonical internal price event.
type PriceBatch struct {
	Quotes     []Quote
	ReceivedAt time.Time
}

// UpstreamEvent is the closed set of decoded upstream feed messages.
type UpstreamEvent interface {
	upstreamEvent()
}

// PriceChangeEvent carries best-price changes for one or more instruments.
type PriceChangeEvent struct {
	Market    string
	Quotes    []Quote
	Timestamp time.Time
}

// BookSnapshotEvent is a full book reduced to its top of book.
type BookSnapshotEvent struct {
	Market string
	Quote  Quote
}

// HeartbeatEvent signals a live upstream with no price content.
type HeartbeatEvent struct {
	Timestamp time.Time
}

func (PriceChangeEvent) upstreamEvent()  {}
func (BookSnapshotEvent) upstreamEvent() {}
func (HeartbeatEvent) upstreamEvent()    {}

// ToBatch converts a price-bearing event to a PriceBatch. Heartbeats return
// false.
func ToBatch(ev UpstreamEvent, now time.Time) (PriceBatch, bool) {
	switch e := ev.(type) {
	case PriceChangeEvent:
		if len(e.Quotes) == 0 {
			return PriceBatch{}, false
		}
		return PriceBatch{Quotes: e.Quotes, ReceivedAt: now}, true
	case BookSnapshotEvent:
		return PriceBatch{Quotes: []Quote{e.Quote}, ReceivedAt: now}, true
	default:
		return PriceBatch{}, false
	}
}

// InstrumentPrice is the instrument-scoped view of one outcome after an
// update.
type InstrumentPrice struct {
	InstrumentID string    `json:"instrument_id"`
	ContainerID  string    `json:"container_id"`
	SlotID       string    `json:"slot_id"`
	OutcomeIndex int       `json:"outcome_index"`
	Label        string    `json:"label"`
	Probability  int       `json:"probability"`
	BuyPrice     int       `json:"buy_price"`
	SellPrice    int       `json:"sell_price"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ContainerUpdate is what the processor hands to the fan-out layer after a
// container has been persisted and cached.
type ContainerUpdate struct {
	Container Container         `json:"container"`
	Changed   []InstrumentPrice `json:"changed"`
}
