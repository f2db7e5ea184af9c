package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polylive/internal/domain"
)

// PositionStore implements domain.PositionStore.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionCols = `user_address, instrument_id, raw_size, avg_price, cost_basis, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	err := row.Scan(&p.User, &p.InstrumentID, &p.RawSize, &p.AvgPrice, &p.CostBasis, &p.UpdatedAt)
	return p, err
}

// Get returns one row or domain.ErrNotFound.
func (s *PositionStore) Get(ctx context.Context, user, instrument string) (domain.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions WHERE user_address = $1 AND instrument_id = $2`,
		user, instrument))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s/%s: %w", user, instrument, err)
	}
	return p, nil
}

// ListByUser returns every row for user.
func (s *PositionStore) ListByUser(ctx context.Context, user string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions WHERE user_address = $1 ORDER BY instrument_id`, user)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions %s: %w", user, err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListUsers returns every user holding at least one row.
func (s *PositionStore) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT user_address FROM positions ORDER BY user_address`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list position users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("postgres: scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

const upsertPosition = `
	INSERT INTO positions (` + positionCols + `)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (user_address, instrument_id) DO UPDATE SET
		raw_size   = EXCLUDED.raw_size,
		avg_price  = EXCLUDED.avg_price,
		cost_basis = EXCLUDED.cost_basis,
		updated_at = EXCLUDED.updated_at`

// Upsert writes p unconditionally.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	_, err := s.pool.Exec(ctx, upsertPosition,
		p.User, p.InstrumentID, p.RawSize, p.AvgPrice, p.CostBasis, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s/%s: %w", p.User, p.InstrumentID, err)
	}
	return nil
}

// Delete removes a row. Deleting a missing row is not an error.
func (s *PositionStore) Delete(ctx context.Context, user, instrument string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE user_address = $1 AND instrument_id = $2`, user, instrument)
	if err != nil {
		return fmt.Errorf("postgres: delete position %s/%s: %w", user, instrument, err)
	}
	return nil
}

// UpsertIfStale writes p unless a row updated at or after cutoff exists. The
// check and the write are one statement, so a concurrent fill that lands
// first wins.
func (s *PositionStore) UpsertIfStale(ctx context.Context, p domain.Position, cutoff time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, upsertPosition+` WHERE positions.updated_at < $7`,
		p.User, p.InstrumentID, p.RawSize, p.AvgPrice, p.CostBasis, p.UpdatedAt, cutoff)
	if err != nil {
		return false, fmt.Errorf("postgres: upsert stale position %s/%s: %w", p.User, p.InstrumentID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteIfStale removes the row only when it was last written before cutoff.
func (s *PositionStore) DeleteIfStale(ctx context.Context, user, instrument string, cutoff time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE user_address = $1 AND instrument_id = $2 AND updated_at < $3`,
		user, instrument, cutoff)
	if err != nil {
		return false, fmt.Errorf("postgres: delete stale position %s/%s: %w", user, instrument, err)
	}
	return tag.RowsAffected() > 0, nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
