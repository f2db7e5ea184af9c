package ledger

import (
	"time"

	"github.com/alanyoungcy/polylive/internal/domain"
)

// Action is the outcome of a merge.
type Action string

const (
	ActionKeep   Action = "keep"
	ActionUpsert Action = "upsert"
	ActionDelete Action = "delete"
)

// Decision is what Merge wants done with one ledger row.
type Decision struct {
	Action Action
	Record domain.Position
}

// Merge resolves one (user, instrument) pair between the ledger and an
// incoming value. existing is nil when the ledger has no row; incoming is nil
// when the source did not report the instrument.
//
// Fill writes always win. Reconcile writes only replace or delete rows last
// written before now-window, so a fill that landed moments ago is never
// undone by a balance read that predates it.
func Merge(existing *domain.Position, incoming *domain.Balance, user string, source domain.WriteSource, now time.Time, window time.Duration) Decision {
	if incoming != nil && incoming.RawSize < 0 {
		incoming = &domain.Balance{InstrumentID: incoming.InstrumentID}
	}

	if existing == nil {
		if incoming == nil || incoming.RawSize == 0 {
			return Decision{Action: ActionKeep}
		}
		return Decision{Action: ActionUpsert, Record: domain.Position{
			User:         user,
			InstrumentID: incoming.InstrumentID,
			RawSize:      incoming.RawSize,
			UpdatedAt:    now,
		}}
	}

	if source != domain.SourceFill && now.Sub(existing.UpdatedAt) < window {
		return Decision{Action: ActionKeep, Record: *existing}
	}

	if incoming == nil || incoming.RawSize == 0 {
		return Decision{Action: ActionDelete, Record: *existing}
	}
	if incoming.RawSize == existing.RawSize {
		return Decision{Action: ActionKeep, Record: *existing}
	}

	rec := *existing
	rec.RawSize = incoming.RawSize
	rec.CostBasis = rec.AvgPrice / 100 * rec.Shares()
	rec.UpdatedAt = now
	return Decision{Action: ActionUpsert, Record: rec}
}
