package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polylive/internal/domain"
	"github.com/alanyoungcy/polylive/internal/ledger"
)

// PositionReader lists a user's positions.
type PositionReader interface {
	Positions(ctx context.Context, user string) ([]domain.Position, error)
}

// Reconciler corrects a user's positions from ground truth.
type Reconciler interface {
	Reconcile(ctx context.Context, user string) (ledger.Result, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions  PositionReader
	reconciler Reconciler
	logger     *slog.Logger
}

// NewPositionHandler creates a PositionHandler. reconciler may be nil, in
// which case refresh requests get 503.
func NewPositionHandler(positions PositionReader, reconciler Reconciler, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions:  positions,
		reconciler: reconciler,
		logger:     logHandler(logger, "positions"),
	}
}

type listPositionsResponse struct {
	User      string            `json:"user"`
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns all open positions for a user.
// GET /api/positions/{user}
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	user := userParam(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "user required")
		return
	}

	positions, err := h.positions.Positions(r.Context(), user)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list positions failed",
			slog.String("user", user),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{User: user, Positions: positions})
}

type refreshResponse struct {
	User     string            `json:"user"`
	Fetched  int               `json:"fetched"`
	Upserted []domain.Position `json:"upserted"`
	Removed  []string          `json:"removed"`
	Kept     int               `json:"kept"`
}

// RefreshPositions reconciles the user against ground truth on demand.
// POST /api/positions/{user}/refresh
func (h *PositionHandler) RefreshPositions(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "reconciliation disabled")
		return
	}
	user := userParam(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "user required")
		return
	}

	res, err := h.reconciler.Reconcile(r.Context(), user)
	switch {
	case errors.Is(err, domain.ErrThrottled):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusTooManyRequests, "reconciled too recently")
		return
	case err != nil:
		h.logger.WarnContext(r.Context(), "reconcile failed",
			slog.String("user", user),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "ground truth unavailable")
		return
	}

	out := refreshResponse{
		User:     user,
		Fetched:  res.Fetched,
		Upserted: res.Upserted,
		Removed:  res.Removed,
		Kept:     res.Kept,
	}
	if out.Upserted == nil {
		out.Upserted = []domain.Position{}
	}
	if out.Removed == nil {
		out.Removed = []string{}
	}
	writeJSON(w, http.StatusOK, out)
}
