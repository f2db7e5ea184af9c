package domain

import "time"

// Container is one user-facing live event holding an ordered list of slots.
type Container struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Title     string    `json:"title"`
	Active    bool      `json:"active"`
	Slots     []Slot    `json:"slots"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Slot is a single market inside a container.
type Slot struct {
	ID       string    `json:"id"`
	Question string    `json:"question"`
	Outcomes []Outcome `json:"outcomes"`
	// Spread is buy minus sell of the first outcome, in cents.
	Spread int `json:"spread"`
}

// Outcome is one side of a slot. Prices are integer cents.
type Outcome struct {
	Label        string `json:"label"`
	InstrumentID string `json:"instrument_id"`
	Probability  int    `json:"probability"`
	BuyPrice     int    `json:"buy_price"`
	SellPrice    int    `json:"sell_price"`
}

// Clone returns a deep copy of the container.
func (c Container) Clone() Container {
	out := c
	out.Slots = make([]Slot, len(c.Slots))
	for i, s := range c.Slots {
		out.Slots[i] = s
		out.Slots[i].Outcomes = append([]Outcome(nil), s.Outcomes...)
	}
	return out
}

// InstrumentRef locates an instrument inside the container inventory.
type InstrumentRef struct {
	ContainerID  string `json:"container_id"`
	SlotID       string `json:"slot_id"`
	SlotIndex    int    `json:"slot_index"`
	OutcomeIndex int    `json:"outcome_index"`
	Label        string `json:"label"`
}

// CarryPrices returns c with outcome prices copied from prev wherever the same
// instrument appears in both. Inventory refreshes use it so that metadata
// updates never reset live prices.
func (c Container) CarryPrices(prev Container) Container {
	known := make(map[string]Outcome)
	spreads := make(map[string]int)
	for _, s := range prev.Slots {
		spreads[s.ID] = s.Spread
		for _, o := range s.Outcomes {
			if o.InstrumentID != "" {
				known[o.InstrumentID] = o
			}
		}
	}

	out := c.Clone()
	for i := range out.Slots {
		slot := &out.Slots[i]
		if sp, ok := spreads[slot.ID]; ok {
			slot.Spread = sp
		}
		for j := range slot.Outcomes {
			o := &slot.Outcomes[j]
			if p, ok := known[o.InstrumentID]; ok {
				o.Probability = p.Probability
				o.BuyPrice = p.BuyPrice
				o.SellPrice = p.SellPrice
			}
		}
	}
	if out.UpdatedAt.Before(prev.UpdatedAt) {
		out.UpdatedAt = prev.UpdatedAt
	}
	return out
}
