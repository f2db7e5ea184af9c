package domain

import (
	"context"
	"time"
)

// ContainerStore persists containers and their slot lists.
type ContainerStore interface {
	Get(ctx context.Context, id string) (Container, error)
	GetBySlug(ctx context.Context, slug string) (Container, error)
	ListActive(ctx context.Context) ([]Container, error)
	// UpsertMetadata writes inventory metadata. Stored outcome prices are kept
	// for outcomes whose instrument is unchanged.
	UpsertMetadata(ctx context.Context, containers []Container) error
	// ReplaceSlots writes the whole slot list of one container atomically.
	ReplaceSlots(ctx context.Context, id string, slots []Slot, at time.Time) error
	// MarkInactive deactivates every active container not listed in keep.
	MarkInactive(ctx context.Context, keep []string) (int64, error)
}

// PositionStore persists ledger rows keyed by (user, instrument).
type PositionStore interface {
	Get(ctx context.Context, user, instrument string) (Position, error)
	ListByUser(ctx context.Context, user string) ([]Position, error)
	ListUsers(ctx context.Context) ([]string, error)
	Upsert(ctx context.Context, p Position) error
	Delete(ctx context.Context, user, instrument string) error
	// UpsertIfStale writes p only when no row exists or the stored row was
	// last updated before cutoff.
	UpsertIfStale(ctx context.Context, p Position, cutoff time.Time) (bool, error)
	// DeleteIfStale deletes the row only when it was last updated before cutoff.
	DeleteIfStale(ctx context.Context, user, instrument string, cutoff time.Time) (bool, error)
}

// BalanceSource returns ground-truth holdings for a user. candidates lists
// the instruments worth checking; sources that can enumerate holdings on
// their own may ignore it.
type BalanceSource interface {
	Balances(ctx context.Context, user string, candidates []string) ([]Balance, error)
	Name() string
}
