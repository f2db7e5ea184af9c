package handler

import (
	"log/slog"
	"net/http"
	"time"
)

// Trigger requests an out-of-band registry refresh.
type Trigger interface {
	Trigger()
}

// RegistryHandler serves registry maintenance endpoints.
type RegistryHandler struct {
	refresher Trigger
	logger    *slog.Logger
}

// NewRegistryHandler creates a RegistryHandler.
func NewRegistryHandler(refresher Trigger, logger *slog.Logger) *RegistryHandler {
	return &RegistryHandler{refresher: refresher, logger: logHandler(logger, "registry")}
}

// Rebuild enqueues one inventory refresh and registry rebuild. Requests made
// while one is pending are merged.
// POST /api/registry/rebuild
func (h *RegistryHandler) Rebuild(w http.ResponseWriter, r *http.Request) {
	h.logger.InfoContext(r.Context(), "registry rebuild requested")
	h.refresher.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "accepted",
		"requested_at": time.Now().UTC().Format(time.RFC3339),
	})
}
