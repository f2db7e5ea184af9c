package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polylive/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return Wrap(rdb), mr
}

func TestContainerMirrorRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	m := NewContainerMirror(c)
	ctx := context.Background()

	want := domain.Container{
		ID:   "c1",
		Slug: "nba-lal-bos-2025-12-25",
		Slots: []domain.Slot{{ID: "m1", Outcomes: []domain.Outcome{
			{Label: "Lakers", InstrumentID: "111", Probability: 62, BuyPrice: 63, SellPrice: 61},
		}, Spread: 2}},
		UpdatedAt: time.Unix(100, 0).UTC(),
	}
	require.NoError(t, m.Set(ctx, want))

	got, err := m.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = m.GetBySlug(ctx, "nba-lal-bos-2025-12-25")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ID)

	require.NoError(t, m.Invalidate(ctx, "c1"))
	_, err = m.Get(ctx, "c1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = m.GetBySlug(ctx, "nba-lal-bos-2025-12-25")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestContainerMirrorExpires(t *testing.T) {
	c, mr := newTestClient(t)
	m := NewContainerMirror(c)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, domain.Container{ID: "c1"}))
	mr.FastForward(containerTTL + time.Second)

	_, err := m.Get(ctx, "c1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSignalBusPatternSubscribe(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewSignalBus(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := bus.Subscribe(ctx, "positions:*")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, domain.UserChannel("0xabc"), []byte(`{"user":"0xabc"}`)))

	select {
	case m := <-msgs:
		assert.Equal(t, "positions:0xabc", m.Channel)
		assert.JSONEq(t, `{"user":"0xabc"}`, string(m.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-msgs
		return !open
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLockManager(t *testing.T) {
	c, _ := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "sweep", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()

	unlock2, err := lm.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	unlock2()
}

func TestThrottle(t *testing.T) {
	c, mr := newTestClient(t)
	th := NewThrottle(c)
	ctx := context.Background()

	ok, err := th.Allow(ctx, "reconcile:u1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = th.Allow(ctx, "reconcile:u1", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = th.Allow(ctx, "reconcile:u2", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(31 * time.Second)
	ok, err = th.Allow(ctx, "reconcile:u1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		now = now.Add(time.Millisecond)
		ok, err := rl.Allow(ctx, "ip", 3, time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}

	now = now.Add(time.Millisecond)
	ok, err := rl.Allow(ctx, "ip", 3, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(2 * time.Second)
	ok, err = rl.Allow(ctx, "ip", 3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
