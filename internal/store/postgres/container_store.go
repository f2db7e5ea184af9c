package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polylive/internal/domain"
)

// ContainerStore implements domain.ContainerStore. Slots are kept as one
// JSONB document per container so that a price update is a single-row write.
type ContainerStore struct {
	pool *pgxpool.Pool
}

// NewContainerStore creates a ContainerStore backed by pool.
func NewContainerStore(pool *pgxpool.Pool) *ContainerStore {
	return &ContainerStore{pool: pool}
}

const containerCols = `id, slug, title, active, slots, updated_at`

func scanContainer(row pgx.Row) (domain.Container, error) {
	var (
		c     domain.Container
		slots []byte
	)
	if err := row.Scan(&c.ID, &c.Slug, &c.Title, &c.Active, &slots, &c.UpdatedAt); err != nil {
		return domain.Container{}, err
	}
	if err := json.Unmarshal(slots, &c.Slots); err != nil {
		return domain.Container{}, fmt.Errorf("decode slots: %w", err)
	}
	return c, nil
}

// Get retrieves a container by id.
func (s *ContainerStore) Get(ctx context.Context, id string) (domain.Container, error) {
	c, err := scanContainer(s.pool.QueryRow(ctx,
		`SELECT `+containerCols+` FROM containers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Container{}, domain.ErrNotFound
		}
		return domain.Container{}, fmt.Errorf("postgres: get container %s: %w", id, err)
	}
	return c, nil
}

// GetBySlug retrieves a container by its URL slug.
func (s *ContainerStore) GetBySlug(ctx context.Context, slug string) (domain.Container, error) {
	c, err := scanContainer(s.pool.QueryRow(ctx,
		`SELECT `+containerCols+` FROM containers WHERE slug = $1 ORDER BY active DESC, updated_at DESC LIMIT 1`, slug))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Container{}, domain.ErrNotFound
		}
		return domain.Container{}, fmt.Errorf("postgres: get container by slug %s: %w", slug, err)
	}
	return c, nil
}

// ListActive returns every active container.
func (s *ContainerStore) ListActive(ctx context.Context) ([]domain.Container, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+containerCols+` FROM containers WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active containers: %w", err)
	}
	defer rows.Close()

	var out []domain.Container
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan container: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertMetadata writes inventory metadata for containers. Prices already
// stored for an unchanged instrument are carried over.
func (s *ContainerStore) UpsertMetadata(ctx context.Context, containers []domain.Container) error {
	if len(containers) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin upsert containers: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ids := make([]string, len(containers))
	for i, c := range containers {
		ids[i] = c.ID
	}
	rows, err := tx.Query(ctx,
		`SELECT `+containerCols+` FROM containers WHERE id = ANY($1) FOR UPDATE`, ids)
	if err != nil {
		return fmt.Errorf("postgres: lock containers: %w", err)
	}
	existing := make(map[string]domain.Container, len(containers))
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			rows.Close()
			return fmt.Errorf("postgres: scan container: %w", err)
		}
		existing[c.ID] = c
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: read containers: %w", err)
	}

	const query = `
		INSERT INTO containers (id, slug, title, active, slots, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			slug       = EXCLUDED.slug,
			title      = EXCLUDED.title,
			active     = EXCLUDED.active,
			slots      = EXCLUDED.slots,
			updated_at = EXCLUDED.updated_at`

	batch := &pgx.Batch{}
	for _, c := range containers {
		merged := c
		if prev, ok := existing[c.ID]; ok {
			merged = c.CarryPrices(prev)
		}
		if merged.UpdatedAt.IsZero() {
			merged.UpdatedAt = time.Now().UTC()
		}
		slots, err := json.Marshal(nonNilSlots(merged.Slots))
		if err != nil {
			return fmt.Errorf("postgres: encode slots for %s: %w", c.ID, err)
		}
		batch.Queue(query, merged.ID, merged.Slug, merged.Title, merged.Active, slots, merged.UpdatedAt)
	}

	br := tx.SendBatch(ctx, batch)
	for i := range containers {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("postgres: upsert container batch item %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("postgres: close container batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit containers: %w", err)
	}
	return nil
}

// ReplaceSlots overwrites the slot list of one container.
func (s *ContainerStore) ReplaceSlots(ctx context.Context, id string, slots []domain.Slot, at time.Time) error {
	data, err := json.Marshal(nonNilSlots(slots))
	if err != nil {
		return fmt.Errorf("postgres: encode slots for %s: %w", id, err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE containers SET slots = $2, updated_at = $3 WHERE id = $1`, id, data, at)
	if err != nil {
		return fmt.Errorf("postgres: replace slots %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkInactive flags every active container not listed in keep as inactive
// and returns how many rows changed.
func (s *ContainerStore) MarkInactive(ctx context.Context, keep []string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE containers SET active = FALSE, updated_at = NOW() WHERE active AND NOT (id = ANY($1))`, keep)
	if err != nil {
		return 0, fmt.Errorf("postgres: mark inactive containers: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nonNilSlots(s []domain.Slot) []domain.Slot {
	if s == nil {
		return []domain.Slot{}
	}
	return s
}

var _ domain.ContainerStore = (*ContainerStore)(nil)
