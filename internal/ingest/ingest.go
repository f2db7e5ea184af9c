// Package ingest feeds locally confirmed fills from message brokers into the
// position ledger.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alanyoungcy/polylive/internal/domain"
)

// FillApplier is the ledger entry point every transport ends in.
type FillApplier interface {
	ApplyFill(ctx context.Context, f domain.Fill) (bool, error)
}

// DecodeFill parses a JSON fill. fallbackID is used when the payload has no
// id, so that broker redeliveries are still deduplicated.
func DecodeFill(data []byte, fallbackID string) (domain.Fill, error) {
	var f domain.Fill
	if err := json.Unmarshal(data, &f); err != nil {
		return domain.Fill{}, fmt.Errorf("%w: %v", domain.ErrInvalidFill, err)
	}
	f.User = domain.NormalizeUser(f.User)
	if f.ID == "" {
		f.ID = fallbackID
	}
	if err := f.Validate(); err != nil {
		return domain.Fill{}, err
	}
	return f, nil
}

// permanent reports whether retrying err can never succeed.
func permanent(err error) bool {
	return errors.Is(err, domain.ErrInvalidFill)
}
