package domain

import (
	"fmt"
	"strings"
	"time"
)

// RawScale is the fixed-point scale of raw share amounts (6 decimals).
const RawScale = 1_000_000

// Side is the direction of a fill.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// WriteSource identifies which ledger writer produced a value.
type WriteSource string

const (
	SourceFill      WriteSource = "fill"
	SourceReconcile WriteSource = "reconcile"
)

// Position is the ledger row for one (user, instrument) pair.
type Position struct {
	User         string    `json:"user"`
	InstrumentID string    `json:"instrument_id"`
	RawSize      int64     `json:"raw_size"`
	AvgPrice     float64   `json:"avg_price"`  // cents
	CostBasis    float64   `json:"cost_basis"` // USDC
	UpdatedAt    time.Time `json:"updated_at"`
}

// Shares returns the position size in whole shares.
func (p Position) Shares() float64 {
	return float64(p.RawSize) / RawScale
}

// Fill is a locally confirmed trade handed over by the execution flow.
type Fill struct {
	ID           string    `json:"id,omitempty"`
	User         string    `json:"user"`
	InstrumentID string    `json:"instrument_id"`
	Side         Side      `json:"side"`
	RawAmount    int64     `json:"raw_amount"`
	Price        *float64  `json:"fill_price,omitempty"` // 0..1
	At           time.Time `json:"at,omitempty"`
}

// Validate checks the fill carries everything the ledger needs.
func (f Fill) Validate() error {
	switch {
	case f.User == "":
		return fmt.Errorf("%w: missing user", ErrInvalidFill)
	case f.InstrumentID == "":
		return fmt.Errorf("%w: missing instrument", ErrInvalidFill)
	case f.Side != SideBuy && f.Side != SideSell:
		return fmt.Errorf("%w: side %q", ErrInvalidFill, f.Side)
	case f.RawAmount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidFill)
	case f.Price != nil && (*f.Price < 0 || *f.Price > 1):
		return fmt.Errorf("%w: price %v outside [0,1]", ErrInvalidFill, *f.Price)
	}
	return nil
}

// Balance is one ground-truth holding.
type Balance struct {
	InstrumentID string `json:"instrument_id"`
	RawSize      int64  `json:"raw_size"`
}

// PositionChange is published on a user's channel after the ledger changes.
type PositionChange struct {
	User      string      `json:"user"`
	Source    WriteSource `json:"source"`
	Upserted  []Position  `json:"upserted,omitempty"`
	Removed   []string    `json:"removed,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NormalizeUser returns the canonical form of a wallet address.
func NormalizeUser(user string) string {
	return strings.ToLower(strings.TrimSpace(user))
}

// UserChannel is the pub/sub channel carrying a user's position changes.
func UserChannel(user string) string {
	return "positions:" + user
}
