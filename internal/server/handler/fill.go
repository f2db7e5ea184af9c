package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polylive/internal/crypto"
	"github.com/alanyoungcy/polylive/internal/domain"
	"github.com/alanyoungcy/polylive/internal/ingest"
)

const maxFillBody = 64 << 10

// FillApplier applies one fill to the ledger.
type FillApplier interface {
	ApplyFill(ctx context.Context, f domain.Fill) (bool, error)
}

// FillHandler accepts fills pushed over HTTP.
type FillHandler struct {
	applier FillApplier
	signer  *crypto.BodySigner
	logger  *slog.Logger
}

// NewFillHandler creates a FillHandler. When signer is not nil every request
// must carry a valid body signature.
func NewFillHandler(applier FillApplier, signer *crypto.BodySigner, logger *slog.Logger) *FillHandler {
	return &FillHandler{applier: applier, signer: signer, logger: logHandler(logger, "fills")}
}

type fillResponse struct {
	ID      string `json:"id"`
	Applied bool   `json:"applied"`
}

// PostFill applies one fill. A fill without an id gets a generated one.
// Redelivered ids answer 200 with applied=false.
// POST /api/fills
func (h *FillHandler) PostFill(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFillBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	if h.signer != nil {
		ts := r.Header.Get(crypto.HeaderTimestamp)
		sig := r.Header.Get(crypto.HeaderSignature)
		if err := h.signer.Verify(ts, sig, body); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	fill, err := ingest.DecodeFill(body, uuid.NewString())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	applied, err := h.applier.ApplyFill(r.Context(), fill)
	switch {
	case errors.Is(err, domain.ErrInvalidFill):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.logger.ErrorContext(r.Context(), "apply fill failed",
			slog.String("fill_id", fill.ID),
			slog.String("user", fill.User),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to apply fill")
		return
	}

	status := http.StatusOK
	if applied {
		status = http.StatusCreated
	}
	writeJSON(w, status, fillResponse{ID: fill.ID, Applied: applied})
}
