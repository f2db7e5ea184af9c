package polymarket

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polylive/internal/domain"
)

var decodeNow = time.Date(2025, 12, 25, 1, 0, 0, 0, time.UTC)

func TestDecodePriceChange(t *testing.T) {
	raw := `{
		"event_type": "price_change",
		"market": "0xabc",
		"timestamp": "1766624400000",
		"price_changes": [
			{"asset_id": "tok-lal", "price": "0.61", "size": "100", "side": "BUY", "best_bid": "0.61", "best_ask": "0.63"},
			{"asset_id": "tok-bos", "price": "0.39", "size": "0", "side": "SELL", "best_bid": "", "best_ask": "0.39"}
		]
	}`

	events, err := Decode([]byte(raw), decodeNow)
	require.NoError(t, err)
	require.Len(t, events, 1)

	pc, ok := events[0].(domain.PriceChangeEvent)
	require.True(t, ok)
	assert.Equal(t, "0xabc", pc.Market)
	assert.Equal(t, time.UnixMilli(1766624400000).UTC(), pc.Timestamp)
	require.Len(t, pc.Quotes, 2)

	assert.Equal(t, "tok-lal", pc.Quotes[0].InstrumentID)
	assert.True(t, pc.Quotes[0].HasBid)
	assert.InDelta(t, 0.61, pc.Quotes[0].Bid, 1e-9)
	assert.InDelta(t, 0.63, pc.Quotes[0].Ask, 1e-9)

	assert.False(t, pc.Quotes[1].HasBid)
	assert.True(t, pc.Quotes[1].HasAsk)
}

func TestDecodeBookArray(t *testing.T) {
	raw := `[{
		"event_type": "book",
		"asset_id": "tok-lal",
		"market": "0xabc",
		"bids": [{"price": "0.48", "size": "30"}, {"price": "0.50", "size": "10"}],
		"asks": [{"price": "0.55", "size": "5"}, {"price": "0.52", "size": "7"}],
		"timestamp": "not-a-number"
	}, {
		"event_type": "book",
		"asset_id": "tok-bos",
		"bids": [],
		"asks": []
	}]`

	events, err := Decode([]byte(raw), decodeNow)
	require.NoError(t, err)
	require.Len(t, events, 2)

	book := events[0].(domain.BookSnapshotEvent)
	assert.InDelta(t, 0.50, book.Quote.Bid, 1e-9)
	assert.InDelta(t, 0.52, book.Quote.Ask, 1e-9)
	assert.Equal(t, decodeNow, book.Quote.Timestamp)

	empty := events[1].(domain.BookSnapshotEvent)
	assert.False(t, empty.Quote.HasBid)
	assert.False(t, empty.Quote.HasAsk)
}

func TestDecodeIgnoredAndHeartbeat(t *testing.T) {
	for _, raw := range []string{
		`{"event_type":"last_trade_price","asset_id":"tok-lal","price":"0.6"}`,
		`{"event_type":"tick_size_change","asset_id":"tok-lal"}`,
		``,
	} {
		events, err := Decode([]byte(raw), decodeNow)
		require.NoError(t, err, raw)
		assert.Empty(t, events, raw)
	}

	events, err := Decode([]byte("PONG"), decodeNow)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.IsType(t, domain.HeartbeatEvent{}, events[0])
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"event_type":"surprise"}`), decodeNow)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnknownEvent))

	_, err = Decode([]byte(`{not json`), decodeNow)
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrUnknownEvent))
}

func TestParsePriceRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"0.42", 0.42, true},
		{"1", 1, true},
		{"", 0, false},
		{"0", 0, false},
		{"-0.1", 0, false},
		{"1.01", 0, false},
		{"NaN", 0, false},
		{"Inf", 0, false},
		{"-Inf", 0, false},
		{"abc", 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, ok := parsePrice(tc.in)
			assert.Equal(t, tc.ok, ok)
			assert.InDelta(t, tc.want, got, 1e-12)
		})
	}
}

func TestDecodeDropsNonFiniteSides(t *testing.T) {
	raw := `{"event_type": "price_change", "market": "0xabc", "price_changes": [
		{"asset_id": "tok-lal", "best_bid": "NaN", "best_ask": "0.63"},
		{"asset_id": "tok-bos", "best_bid": "0.38", "best_ask": "7"}
	]}`
	events, err := Decode([]byte(raw), decodeNow)
	require.NoError(t, err)
	require.Len(t, events, 1)
	pc := events[0].(domain.PriceChangeEvent)
	require.Len(t, pc.Quotes, 2)
	assert.False(t, pc.Quotes[0].HasBid)
	assert.True(t, pc.Quotes[0].HasAsk)
	assert.True(t, pc.Quotes[1].HasBid)
	assert.False(t, pc.Quotes[1].HasAsk)
}
