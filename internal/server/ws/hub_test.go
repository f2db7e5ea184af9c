package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polylive/internal/domain"
	"github.com/alanyoungcy/polylive/internal/metrics"
)

type fakeContainers struct {
	mu   sync.Mutex
	byID map[string]domain.Container
}

func (f *fakeContainers) Resolve(_ context.Context, key string) (domain.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.byID[key]; ok {
		return c.Clone(), nil
	}
	for _, c := range f.byID {
		if c.Slug == key {
			return c.Clone(), nil
		}
	}
	return domain.Container{}, domain.ErrNotFound
}

func (f *fakeContainers) Peek(id string) (domain.Container, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	return c.Clone(), ok
}

type fakeBus struct {
	ch chan domain.Message
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.ch <- domain.Message{Channel: channel, Payload: payload}
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan domain.Message, error) {
	return b.ch, nil
}

func lakersCeltics() domain.Container {
	return domain.Container{
		ID:     "evt-1",
		Slug:   "nba-lal-bos-2025-12-25",
		Title:  "Lakers vs Celtics",
		Active: true,
		Slots: []domain.Slot{{
			ID:       "m-1",
			Question: "Winner",
			Outcomes: []domain.Outcome{
				{Label: "Lakers", InstrumentID: "tok-lal", Probability: 55, BuyPrice: 56, SellPrice: 54},
				{Label: "Celtics", InstrumentID: "tok-bos", Probability: 45, BuyPrice: 46, SellPrice: 44},
			},
		}},
		UpdatedAt: time.Date(2025, 12, 25, 1, 0, 0, 0, time.UTC),
	}
}

func lakersUpdate() domain.ContainerUpdate {
	c := lakersCeltics()
	c.Slots[0].Outcomes[0].Probability = 62
	c.Slots[0].Outcomes[0].BuyPrice = 63
	c.Slots[0].Outcomes[0].SellPrice = 61
	return domain.ContainerUpdate{
		Container: c,
		Changed: []domain.InstrumentPrice{{
			InstrumentID: "tok-lal", ContainerID: "evt-1", SlotID: "m-1",
			Label: "Lakers", Probability: 62, BuyPrice: 63, SellPrice: 61,
		}},
	}
}

type testHub struct {
	hub *Hub
	url string
	bus *fakeBus
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	src := &fakeContainers{byID: map[string]domain.Container{"evt-1": lakersCeltics()}}
	bus := &fakeBus{ch: make(chan domain.Message, 8)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHub(Config{HeartbeatInterval: time.Hour, SendBuffer: 16}, src, bus, metrics.New(), logger)
	require.NoError(t, h.Start(context.Background()))

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(func() {
		h.Stop()
		srv.Close()
	})
	return &testHub{hub: h, url: "ws" + strings.TrimPrefix(srv.URL, "http"), bus: bus}
}

type received struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (th *testHub) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(th.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	welcome := readMsg(t, c)
	require.Equal(t, TypeSnapshot, welcome.Type)
	var w Welcome
	require.NoError(t, json.Unmarshal(welcome.Payload, &w))
	require.Equal(t, "welcome", w.Kind)
	require.NotEmpty(t, w.ConnectionID)
	return c
}

func readMsg(t *testing.T, c *websocket.Conn) received {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m received
	require.NoError(t, c.ReadJSON(&m))
	return m
}

func send(t *testing.T, c *websocket.Conn, msg control) {
	t.Helper()
	require.NoError(t, c.WriteJSON(msg))
}

// sync round-trips a keepalive so earlier control messages are known to be
// applied.
func syncConn(t *testing.T, c *websocket.Conn) {
	t.Helper()
	send(t, c, control{Type: CtlKeepalive})
	m := readMsg(t, c)
	require.Equal(t, TypeHeartbeat, m.Type)
}

func TestHub_GlobalBroadcastReachesEverySubscriberOnce(t *testing.T) {
	th := newTestHub(t)
	a := th.dial(t)
	b := th.dial(t)

	th.hub.BroadcastContainer(lakersUpdate())

	for _, c := range []*websocket.Conn{a, b} {
		m := readMsg(t, c)
		require.Equal(t, TypeUpdate, m.Type)
		var p ContainerUpdate
		require.NoError(t, json.Unmarshal(m.Payload, &p))
		assert.Equal(t, "container", p.Kind)
		require.Len(t, p.Changed, 1)
		assert.Equal(t, 62, p.Changed[0].Probability)
		assert.Equal(t, 63, p.Changed[0].BuyPrice)
		assert.Equal(t, 61, p.Changed[0].SellPrice)
		assert.Equal(t, 62, p.Container.Slots[0].Outcomes[0].Probability)

		// Nothing else was queued.
		syncConn(t, c)
	}
}

func TestHub_SubscribeBySlugSendsSnapshotThenDeltas(t *testing.T) {
	th := newTestHub(t)
	c := th.dial(t)

	send(t, c, control{Type: CtlSubscribe, Channel: ChannelContainer, Key: "nba-lal-bos-2025-12-25"})
	m := readMsg(t, c)
	require.Equal(t, TypeSnapshot, m.Type)
	var snap ContainerSnapshot
	require.NoError(t, json.Unmarshal(m.Payload, &snap))
	assert.Equal(t, "evt-1", snap.Container.ID)
	assert.Equal(t, 55, snap.Container.Slots[0].Outcomes[0].Probability)

	th.hub.BroadcastContainer(lakersUpdate())
	m = readMsg(t, c)
	require.Equal(t, TypeUpdate, m.Type)
	var delta ContainerDelta
	require.NoError(t, json.Unmarshal(m.Payload, &delta))
	assert.Equal(t, "evt-1", delta.ContainerID)
	require.Len(t, delta.Changed, 1)
	assert.Equal(t, 62, delta.Changed[0].Probability)

	// The global copy is not delivered to a scoped connection.
	syncConn(t, c)
}

func TestHub_UnknownContainerReturnsError(t *testing.T) {
	th := newTestHub(t)
	c := th.dial(t)

	send(t, c, control{Type: CtlSubscribe, Channel: ChannelContainer, Key: "nope"})
	m := readMsg(t, c)
	require.Equal(t, TypeError, m.Type)
	var e ErrorPayload
	require.NoError(t, json.Unmarshal(m.Payload, &e))
	assert.Equal(t, "unknown container", e.Message)
}

func TestHub_InstrumentSubscriptionOnlyReceivesItsInstruments(t *testing.T) {
	th := newTestHub(t)
	lal := th.dial(t)
	bos := th.dial(t)

	send(t, lal, control{Type: CtlSubscribe, Channel: ChannelInstruments, Instruments: []string{"tok-lal"}})
	syncConn(t, lal)
	send(t, bos, control{Type: CtlSubscribe, Channel: ChannelInstruments, Instruments: []string{"tok-bos"}})
	syncConn(t, bos)

	th.hub.BroadcastContainer(lakersUpdate())

	m := readMsg(t, lal)
	require.Equal(t, TypeUpdate, m.Type)
	var p InstrumentUpdate
	require.NoError(t, json.Unmarshal(m.Payload, &p))
	require.Len(t, p.Prices, 1)
	assert.Equal(t, "tok-lal", p.Prices[0].InstrumentID)

	syncConn(t, bos)
}

func TestHub_UnsubscribeAllRejoinsGlobal(t *testing.T) {
	th := newTestHub(t)
	c := th.dial(t)

	send(t, c, control{Type: CtlSubscribe, Channel: ChannelInstruments, Instruments: []string{"tok-bos"}})
	send(t, c, control{Type: CtlUnsubscribe})
	syncConn(t, c)

	th.hub.BroadcastContainer(lakersUpdate())
	m := readMsg(t, c)
	require.Equal(t, TypeUpdate, m.Type)
	var p ContainerUpdate
	require.NoError(t, json.Unmarshal(m.Payload, &p))
	assert.Equal(t, "evt-1", p.Container.ID)
}

func TestHub_ControlMessages(t *testing.T) {
	th := newTestHub(t)
	c := th.dial(t)

	syncConn(t, c)

	send(t, c, control{Type: "dance"})
	m := readMsg(t, c)
	require.Equal(t, TypeError, m.Type)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{not json")))
	m = readMsg(t, c)
	require.Equal(t, TypeError, m.Type)

	send(t, c, control{Type: CtlRefresh})
	m = readMsg(t, c)
	require.Equal(t, TypeSnapshot, m.Type)
}

func TestHub_UserChannelRelaysPositionChanges(t *testing.T) {
	th := newTestHub(t)
	c := th.dial(t)

	send(t, c, control{Type: CtlSubscribe, Channel: ChannelUser, User: "0xABC"})
	syncConn(t, c)

	require.NoError(t, th.bus.Publish(context.Background(), domain.UserChannel("0xabc"), []byte(`{"user":"0xabc"}`)))
	m := readMsg(t, c)
	require.Equal(t, TypeUpdate, m.Type)
	var p PositionUpdate
	require.NoError(t, json.Unmarshal(m.Payload, &p))
	assert.Equal(t, "position", p.Kind)
	assert.Equal(t, "0xabc", p.User)
	assert.JSONEq(t, `{"user":"0xabc"}`, string(p.Change))
}

func TestHub_DisconnectMidBroadcastIsTornDown(t *testing.T) {
	th := newTestHub(t)
	keep := th.dial(t)
	gone := th.dial(t)
	require.Eventually(t, func() bool { return th.hub.Connections() == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, gone.Close())
	require.Eventually(t, func() bool {
		th.hub.BroadcastContainer(lakersUpdate())
		return th.hub.Connections() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The survivor still works.
	syncConnAfterUpdates(t, keep)
}

// syncConnAfterUpdates drains pending updates until a heartbeat arrives.
func syncConnAfterUpdates(t *testing.T, c *websocket.Conn) {
	t.Helper()
	send(t, c, control{Type: CtlKeepalive})
	for {
		m := readMsg(t, c)
		if m.Type == TypeHeartbeat {
			return
		}
		require.Equal(t, TypeUpdate, m.Type)
	}
}

func TestHub_FullQueueTearsDownOnlyThatConnection(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHub(Config{SendBuffer: 1}, &fakeContainers{}, nil, metrics.New(), logger)

	slow := &conn{id: "slow", hub: h, send: make(chan []byte, 1), done: make(chan struct{}), logger: logger}
	fast := &conn{id: "fast", hub: h, send: make(chan []byte, 4), done: make(chan struct{}), logger: logger}
	for _, c := range []*conn{slow, fast} {
		h.all.add(c)
		h.global.add(c)
	}

	h.BroadcastContainer(lakersUpdate())
	h.BroadcastContainer(lakersUpdate())

	select {
	case <-slow.done:
	default:
		t.Fatal("slow connection was not torn down")
	}
	assert.Equal(t, 1, h.global.len())
	assert.Equal(t, 1, h.all.len())
	assert.Len(t, fast.send, 2)

	// Teardown is idempotent.
	h.teardown(slow, "again")
	assert.Equal(t, 1, h.all.len())
}

func TestHub_RejectsWhenStopped(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHub(Config{}, &fakeContainers{}, nil, metrics.New(), logger)

	rec := httptest.NewRecorder()
	h.HandleWS(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// gatedContainers blocks Resolve until release is closed.
type gatedContainers struct {
	fakeContainers
	entered chan struct{}
	release chan struct{}
}

func (g *gatedContainers) Resolve(ctx context.Context, key string) (domain.Container, error) {
	close(g.entered)
	<-g.release
	return g.fakeContainers.Resolve(ctx, key)
}

func TestHub_TeardownDuringSubscribeLeavesNoRegistration(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	src := &gatedContainers{
		fakeContainers: fakeContainers{byID: map[string]domain.Container{"evt-1": lakersCeltics()}},
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
	}
	h := NewHub(Config{SendBuffer: 4}, src, nil, metrics.New(), logger)

	c := &conn{id: "c1", hub: h, send: make(chan []byte, 4), done: make(chan struct{}), logger: logger}
	h.all.add(c)
	h.global.add(c)

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		h.subscribe(c, control{Type: CtlSubscribe, Channel: ChannelContainer, Key: "nba-lal-bos-2025-12-25"})
	}()

	<-src.entered
	h.teardown(c, "slow_consumer")
	close(src.release)
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not return")
	}

	_, scoped := h.byContainer.keyOf(c)
	assert.False(t, scoped)
	assert.Zero(t, h.byContainer.count("evt-1"))
	assert.Zero(t, h.global.len())
	assert.Zero(t, h.all.len())

	h.subscribe(c, control{Type: CtlSubscribe, Channel: ChannelInstruments, Instruments: []string{"tok-lal"}})
	h.subscribe(c, control{Type: CtlSubscribe, Channel: ChannelUser, User: "0xabc"})
	assert.False(t, h.interests.has(c))
	assert.Zero(t, h.byUser.count("0xabc"))
	assert.Zero(t, h.global.len())
	assert.Empty(t, c.send)
}
