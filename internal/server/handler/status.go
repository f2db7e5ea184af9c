package handler

import (
	"net/http"
)

// StatusSource reports live engine counters. Any field may be nil when the
// component does not run in the current mode.
type StatusSource struct {
	Connections     func() int
	Instruments     func() int
	RegistryVersion func() uint64
	Containers      func() int
}

// StatusHandler serves the engine status.
type StatusHandler struct {
	mode   string
	source StatusSource
}

// NewStatusHandler creates a StatusHandler for the given mode.
func NewStatusHandler(mode string, source StatusSource) *StatusHandler {
	return &StatusHandler{mode: mode, source: source}
}

// GetStatus responds with the mode and live counters.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"mode": h.mode}
	if h.source.Connections != nil {
		out["hub_connections"] = h.source.Connections()
	}
	if h.source.Instruments != nil {
		out["instruments"] = h.source.Instruments()
	}
	if h.source.RegistryVersion != nil {
		out["registry_version"] = h.source.RegistryVersion()
	}
	if h.source.Containers != nil {
		out["cached_containers"] = h.source.Containers()
	}
	writeJSON(w, http.StatusOK, out)
}
