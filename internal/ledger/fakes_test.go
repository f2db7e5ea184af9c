package ledger

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/polylive/internal/domain"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type memPositions struct {
	mu   sync.Mutex
	rows map[string]domain.Position
}

func newMemPositions(ps ...domain.Position) *memPositions {
	s := &memPositions{rows: map[string]domain.Position{}}
	for _, p := range ps {
		s.rows[positionKey(p.User, p.InstrumentID)] = p
	}
	return s
}

func (s *memPositions) Get(_ context.Context, user, instrument string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[positionKey(user, instrument)]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *memPositions) ListByUser(_ context.Context, user string) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.rows {
		if p.User == user {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out, nil
}

func (s *memPositions) ListUsers(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, p := range s.rows {
		if !seen[p.User] {
			seen[p.User] = true
			out = append(out, p.User)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *memPositions) Upsert(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[positionKey(p.User, p.InstrumentID)] = p
	return nil
}

func (s *memPositions) Delete(_ context.Context, user, instrument string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, positionKey(user, instrument))
	return nil
}

func (s *memPositions) UpsertIfStale(_ context.Context, p domain.Position, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := positionKey(p.User, p.InstrumentID)
	if cur, ok := s.rows[k]; ok && !cur.UpdatedAt.Before(cutoff) {
		return false, nil
	}
	s.rows[k] = p
	return true, nil
}

func (s *memPositions) DeleteIfStale(_ context.Context, user, instrument string, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := positionKey(user, instrument)
	cur, ok := s.rows[k]
	if !ok || !cur.UpdatedAt.Before(cutoff) {
		return false, nil
	}
	delete(s.rows, k)
	return true, nil
}

func (s *memPositions) row(user, instrument string) (domain.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[positionKey(user, instrument)]
	return p, ok
}

type published struct {
	channel string
	payload []byte
}

type memBus struct {
	mu   sync.Mutex
	msgs []published
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, published{channel, payload})
	return nil
}

func (b *memBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

type fakeSource struct {
	balances []domain.Balance
	err      error
	block    bool
	gotCands []string
}

func (f *fakeSource) Balances(ctx context.Context, _ string, candidates []string) ([]domain.Balance, error) {
	f.gotCands = candidates
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.balances, f.err
}

func (f *fakeSource) Name() string { return "fake" }

type alerts struct {
	mu     sync.Mutex
	events []string
}

func (a *alerts) Notify(_ context.Context, event, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type staticInstruments []string

func (s staticInstruments) Instruments() []string { return s }
