package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polylive/internal/domain"
)

func TestCents(t *testing.T) {
	cases := map[float64]int{
		0:     0,
		0.62:  62,
		0.615: 62,
		0.625: 63,
		0.005: 1,
		0.004: 0,
		1:     100,
	}
	for in, want := range cases {
		assert.Equal(t, want, Cents(in), "Cents(%v)", in)
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyMid, p)

	p, err = ParsePolicy("skip")
	require.NoError(t, err)
	assert.Equal(t, PolicySkip, p)

	_, err = ParsePolicy("zero")
	assert.Error(t, err)
}

func TestDeriveRuleTable(t *testing.T) {
	cur := domain.Outcome{InstrumentID: "I1", Probability: 10, BuyPrice: 11, SellPrice: 9}

	tests := []struct {
		name     string
		quote    domain.Quote
		policy   MissingQuotePolicy
		rule     string
		want     domain.Outcome
		accepted bool
	}{
		{
			name:     "both sides use the midpoint",
			quote:    domain.Quote{Bid: 0.61, Ask: 0.63, HasBid: true, HasAsk: true},
			policy:   PolicyMid,
			rule:     "midpoint",
			want:     domain.Outcome{InstrumentID: "I1", Probability: 62, BuyPrice: 63, SellPrice: 61},
			accepted: true,
		},
		{
			name:     "ask at one falls through to bid",
			quote:    domain.Quote{Bid: 0.97, Ask: 1, HasBid: true, HasAsk: true},
			policy:   PolicyMid,
			rule:     "bid",
			want:     domain.Outcome{InstrumentID: "I1", Probability: 97, BuyPrice: 100, SellPrice: 97},
			accepted: true,
		},
		{
			name:     "bid only keeps buy",
			quote:    domain.Quote{Bid: 0.4, HasBid: true},
			policy:   PolicyMid,
			rule:     "bid",
			want:     domain.Outcome{InstrumentID: "I1", Probability: 40, BuyPrice: 11, SellPrice: 40},
			accepted: true,
		},
		{
			name:     "ask only keeps sell",
			quote:    domain.Quote{Ask: 0.45, HasAsk: true},
			policy:   PolicyMid,
			rule:     "ask",
			want:     domain.Outcome{InstrumentID: "I1", Probability: 45, BuyPrice: 45, SellPrice: 9},
			accepted: true,
		},
		{
			name:     "empty book with mid policy",
			quote:    domain.Quote{},
			policy:   PolicyMid,
			rule:     "empty_book",
			want:     domain.Outcome{InstrumentID: "I1", Probability: 50, BuyPrice: 11, SellPrice: 9},
			accepted: true,
		},
		{
			name:     "empty book with skip policy",
			quote:    domain.Quote{},
			policy:   PolicySkip,
			rule:     "empty_book",
			want:     cur,
			accepted: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, rule, ok := NewDeriver(tc.policy).Derive(tc.quote, cur)
			assert.Equal(t, tc.accepted, ok)
			assert.Equal(t, tc.rule, rule)
			assert.Equal(t, tc.want, got)
		})
	}
}
