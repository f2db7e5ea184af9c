package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polylive/internal/domain"
)

// ContainerReader resolves a container by id or slug.
type ContainerReader interface {
	Resolve(ctx context.Context, key string) (domain.Container, error)
}

// ContainerHandler serves container snapshots.
type ContainerHandler struct {
	containers ContainerReader
	logger     *slog.Logger
}

// NewContainerHandler creates a ContainerHandler.
func NewContainerHandler(containers ContainerReader, logger *slog.Logger) *ContainerHandler {
	return &ContainerHandler{containers: containers, logger: logHandler(logger, "containers")}
}

// GetContainer returns the current snapshot of one container.
// GET /api/containers/{key}
func (h *ContainerHandler) GetContainer(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "container id or slug required")
		return
	}

	c, err := h.containers.Resolve(r.Context(), key)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "container not found")
		return
	case err != nil:
		h.logger.ErrorContext(r.Context(), "resolve container failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load container")
		return
	}

	writeJSON(w, http.StatusOK, c)
}
