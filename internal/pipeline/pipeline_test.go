package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polylive/internal/domain"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestParseCronFields(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"* * * * *", false},
		{"0 2 * * *", false},
		{"*/15 * * * *", false},
		{"0 9-17 * * 1-5", false},
		{"0,30 * * * *", false},
		{"0-30/10 * * * *", false},
		{"* * * *", true},
		{"60 * * * *", true},
		{"*/0 * * * *", true},
		{"5-1 * * * *", true},
		{"a * * * *", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			err := ParseCron(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNextCronTime(t *testing.T) {
	base := time.Date(2025, 12, 25, 10, 7, 30, 0, time.UTC)

	next, err := nextCronTime("*/15 * * * *", base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 12, 25, 10, 15, 0, 0, time.UTC), next)

	next, err = nextCronTime("0 2 * * *", base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 12, 26, 2, 0, 0, 0, time.UTC), next)

	// 2025-12-25 is a Thursday; the next Monday is the 29th.
	next, err = nextCronTime("30 9 * * 1", base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 12, 29, 9, 30, 0, 0, time.UTC), next)

	_, err = nextCronTime("0 0 31 2 *", base)
	assert.Error(t, err)
}

type fakeSnapshots struct {
	mu      sync.Mutex
	saved   [][]domain.Container
	cutoffs []time.Time
	latest  []domain.Container
	err     error
}

func (f *fakeSnapshots) Save(_ context.Context, cs []domain.Container, at time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.saved = append(f.saved, cs)
	return at.Format("150405"), nil
}

func (f *fakeSnapshots) Prune(_ context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return 1, nil
}

func (f *fakeSnapshots) LatestContainers(context.Context) ([]domain.Container, time.Time, error) {
	if f.err != nil {
		return nil, time.Time{}, f.err
	}
	return f.latest, time.Date(2025, 12, 25, 0, 0, 0, 0, time.UTC), nil
}

type staticSource []domain.Container

func (s staticSource) Snapshot() []domain.Container { return s }

func TestArchiverRunSavesAndPrunes(t *testing.T) {
	snaps := &fakeSnapshots{}
	src := staticSource{{ID: "evt-1", Slug: "nba-lal-bos-2025-12-25", Active: true}}
	a := NewArchiver(snaps, src, 7, discard())
	a.now = func() time.Time { return time.Date(2025, 12, 25, 10, 0, 0, 0, time.UTC) }

	key, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "100000", key)
	require.Len(t, snaps.saved, 1)
	assert.Equal(t, "evt-1", snaps.saved[0][0].ID)
	require.Len(t, snaps.cutoffs, 1)
	assert.Equal(t, time.Date(2025, 12, 18, 10, 0, 0, 0, time.UTC), snaps.cutoffs[0])
}

func TestArchiverSkipsEmptyCache(t *testing.T) {
	snaps := &fakeSnapshots{}
	a := NewArchiver(snaps, staticSource(nil), 7, discard())

	key, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Empty(t, snaps.saved)
	assert.Empty(t, snaps.cutoffs)
}

func TestArchiverNoRetentionKeepsAll(t *testing.T) {
	snaps := &fakeSnapshots{}
	a := NewArchiver(snaps, staticSource{{ID: "evt-1"}}, 0, discard())

	_, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snaps.cutoffs)
}

func TestArchiverRunCronRejectsBadExpression(t *testing.T) {
	a := NewArchiver(&fakeSnapshots{}, staticSource(nil), 0, discard())
	err := a.RunCron(context.Background(), "bad")
	assert.Error(t, err)
}

func TestArchiverRunCronStopsOnCancel(t *testing.T) {
	a := NewArchiver(&fakeSnapshots{}, staticSource(nil), 0, discard())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := a.RunCron(ctx, "0 0 1 1 *")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWarmStartFeedsEveryWarmer(t *testing.T) {
	snaps := &fakeSnapshots{latest: []domain.Container{{ID: "evt-1"}, {ID: "evt-2"}}}
	var first, second []string
	record := func(dst *[]string) Warmer {
		return func(_ context.Context, cs []domain.Container) int {
			for _, c := range cs {
				*dst = append(*dst, c.ID)
			}
			return len(cs)
		}
	}

	n, err := WarmStart(context.Background(), snaps, discard(), record(&first), record(&second))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"evt-1", "evt-2"}, first)
	assert.Equal(t, first, second)
}

func TestWarmStartWithoutSnapshot(t *testing.T) {
	snaps := &fakeSnapshots{err: domain.ErrNotFound}
	n, err := WarmStart(context.Background(), snaps, discard())
	require.NoError(t, err)
	assert.Zero(t, n)

	snaps.err = errors.New("s3 down")
	_, err = WarmStart(context.Background(), snaps, discard())
	assert.Error(t, err)
}

func TestOrchestratorFailureCancelsOthers(t *testing.T) {
	o := NewOrchestrator(discard())
	stopped := make(chan struct{})
	o.Add("loop", func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	})
	o.Add("broken", func(context.Context) error { return errors.New("boom") })
	assert.Equal(t, 2, o.Len())

	err := o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken: boom")
	<-stopped
}

func TestOrchestratorCleanShutdown(t *testing.T) {
	o := NewOrchestrator(discard())
	for _, name := range []string{"a", "b"} {
		o.Add(name, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not stop")
	}
}
