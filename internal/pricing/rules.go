// Package pricing turns best bid/ask quotes into container display prices.
package pricing

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/polylive/internal/domain"
)

// MissingQuotePolicy decides what a quote with neither side present means.
type MissingQuotePolicy string

const (
	// PolicyMid prices an empty book at the middle of the range, 50.
	PolicyMid MissingQuotePolicy = "mid"
	// PolicySkip drops quotes with an empty book.
	PolicySkip MissingQuotePolicy = "skip"
)

// ParsePolicy validates a configured policy name.
func ParsePolicy(s string) (MissingQuotePolicy, error) {
	switch p := MissingQuotePolicy(s); p {
	case PolicyMid, PolicySkip:
		return p, nil
	case "":
		return PolicyMid, nil
	default:
		return "", fmt.Errorf("pricing: unknown missing quote policy %q", s)
	}
}

// Rule is one row of the probability table. Match reports whether the rule
// applies; Probability returns the value and false when the quote must be
// dropped.
type Rule struct {
	Name        string
	Match       func(q domain.Quote) bool
	Probability func(q domain.Quote) (int, bool)
}

// Rules is the ordered probability table for policy. The first matching row
// wins.
func Rules(policy MissingQuotePolicy) []Rule {
	return []Rule{
		{
			Name:        "midpoint",
			Match:       func(q domain.Quote) bool { return q.HasBid && q.HasAsk && q.Ask < 1 },
			Probability: func(q domain.Quote) (int, bool) { return Cents((q.Bid + q.Ask) / 2), true },
		},
		{
			Name:        "bid",
			Match:       func(q domain.Quote) bool { return q.HasBid },
			Probability: func(q domain.Quote) (int, bool) { return Cents(q.Bid), true },
		},
		{
			Name:        "ask",
			Match:       func(q domain.Quote) bool { return q.HasAsk },
			Probability: func(q domain.Quote) (int, bool) { return Cents(q.Ask), true },
		},
		{
			Name:  "empty_book",
			Match: func(domain.Quote) bool { return true },
			Probability: func(domain.Quote) (int, bool) {
				if policy == PolicySkip {
					return 0, false
				}
				return 50, true
			},
		},
	}
}

// Cents converts a 0..1 price to integer cents, rounding half away from zero.
// The value is first snapped to micro precision so that inputs like 0.615
// round up despite their binary representation.
func Cents(p float64) int {
	micro := math.Round(p * 1e6)
	return int(math.Round(micro / 1e4))
}

// Deriver applies the rule table to outcomes.
type Deriver struct {
	rules []Rule
}

// NewDeriver builds a Deriver for policy.
func NewDeriver(policy MissingQuotePolicy) *Deriver {
	return &Deriver{rules: Rules(policy)}
}

// Derive returns cur updated from q, the name of the rule that fired, and
// false when the quote is dropped. Buy and sell only move when their side is
// present.
func (d *Deriver) Derive(q domain.Quote, cur domain.Outcome) (domain.Outcome, string, bool) {
	for _, r := range d.rules {
		if !r.Match(q) {
			continue
		}
		prob, ok := r.Probability(q)
		if !ok {
			return cur, r.Name, false
		}
		out := cur
		out.Probability = clamp(prob)
		if q.HasAsk {
			out.BuyPrice = clamp(Cents(q.Ask))
		}
		if q.HasBid {
			out.SellPrice = clamp(Cents(q.Bid))
		}
		return out, r.Name, true
	}
	return cur, "", false
}

func clamp(c int) int {
	switch {
	case c < 0:
		return 0
	case c > 100:
		return 100
	default:
		return c
	}
}
