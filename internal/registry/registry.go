// Package registry maps upstream instrument ids to their place in the
// container inventory.
package registry

import (
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/alanyoungcy/polylive/internal/domain"
	"github.com/alanyoungcy/polylive/internal/metrics"
)

type snapshot struct {
	version     uint64
	refs        map[string]domain.InstrumentRef
	instruments []string
}

// Registry holds an immutable instrument map that is swapped whole on every
// rebuild. Readers never observe a partially built map.
type Registry struct {
	current atomic.Pointer[snapshot]
	changes chan struct{}
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New returns an empty registry.
func New(m *metrics.Metrics, logger *slog.Logger) *Registry {
	r := &Registry{
		changes: make(chan struct{}, 1),
		metrics: m,
		logger:  logger.With(slog.String("component", "registry")),
	}
	r.current.Store(&snapshot{refs: map[string]domain.InstrumentRef{}})
	return r
}

// Rebuild replaces the mapping with one derived from containers and returns
// the number of instruments mapped. Outcomes without an instrument id are
// skipped. When two outcomes claim the same instrument the first one wins.
func (r *Registry) Rebuild(containers []domain.Container) int {
	refs := make(map[string]domain.InstrumentRef)
	for _, c := range containers {
		for si, s := range c.Slots {
			for oi, o := range s.Outcomes {
				if o.InstrumentID == "" {
					continue
				}
				if prev, dup := refs[o.InstrumentID]; dup {
					r.logger.Warn("instrument mapped twice",
						slog.String("instrument", o.InstrumentID),
						slog.String("kept_container", prev.ContainerID),
						slog.String("ignored_container", c.ID),
					)
					continue
				}
				refs[o.InstrumentID] = domain.InstrumentRef{
					ContainerID:  c.ID,
					SlotID:       s.ID,
					SlotIndex:    si,
					OutcomeIndex: oi,
					Label:        o.Label,
				}
			}
		}
	}

	ids := make([]string, 0, len(refs))
	for id := range refs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	prev := r.current.Load()
	r.current.Store(&snapshot{version: prev.version + 1, refs: refs, instruments: ids})

	r.metrics.RegistryRebuilds.Inc()
	r.metrics.RegistryInstruments.Set(float64(len(ids)))

	select {
	case r.changes <- struct{}{}:
	default:
	}
	return len(ids)
}

// Resolve looks up an instrument in the current snapshot.
func (r *Registry) Resolve(instrumentID string) (domain.InstrumentRef, bool) {
	ref, ok := r.current.Load().refs[instrumentID]
	return ref, ok
}

// Instruments returns the sorted instrument ids of the current snapshot. The
// slice is shared and must not be modified.
func (r *Registry) Instruments() []string {
	return r.current.Load().instruments
}

// Version increases by one on every rebuild.
func (r *Registry) Version() uint64 {
	return r.current.Load().version
}

// Changes delivers a signal after rebuilds. Signals coalesce: a slow reader
// sees one pending signal no matter how many rebuilds happened.
func (r *Registry) Changes() <-chan struct{} {
	return r.changes
}
