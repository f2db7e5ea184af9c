// Package ws fans container and position updates out to websocket
// subscribers.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polylive/internal/domain"
	"github.com/alanyoungcy/polylive/internal/metrics"
)

// ContainerSource resolves container keys to current state.
type ContainerSource interface {
	Resolve(ctx context.Context, key string) (domain.Container, error)
	Peek(id string) (domain.Container, bool)
}

// Config tunes a Hub.
type Config struct {
	HeartbeatInterval time.Duration
	SendBuffer        int
	// UserPattern is the bus pattern carrying position changes.
	UserPattern string
}

func (c *Config) defaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.UserPattern == "" {
		c.UserPattern = domain.UserChannel("*")
	}
}

// Hub owns every subscriber connection. Each registry has its own lock, and
// removal from all of them is idempotent.
type Hub struct {
	cfg        Config
	containers ContainerSource
	bus        domain.SignalBus
	metrics    *metrics.Metrics
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	now        func() time.Time

	all         *connSet
	global      *connSet
	byContainer *keyedRegistry
	byUser      *keyedRegistry
	interests   *interestRegistry

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// NewHub creates a stopped hub. bus may be nil, which disables user
// channels.
func NewHub(cfg Config, containers ContainerSource, bus domain.SignalBus, m *metrics.Metrics, logger *slog.Logger) *Hub {
	cfg.defaults()
	return &Hub{
		cfg:        cfg,
		containers: containers,
		bus:        bus,
		metrics:    m,
		logger:     logger.With(slog.String("component", "ws_hub")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		now:         time.Now,
		all:         newConnSet(),
		global:      newConnSet(),
		byContainer: newKeyedRegistry(),
		byUser:      newKeyedRegistry(),
		interests:   newInterestRegistry(),
	}
}

// Start begins the heartbeat and, when a bus is configured, the user channel
// relay. It returns once both are running.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return errors.New("ws: hub already started")
	}

	hctx, cancel := context.WithCancel(ctx)
	if h.bus != nil {
		msgs, err := h.bus.Subscribe(hctx, h.cfg.UserPattern)
		if err != nil {
			cancel()
			return err
		}
		h.wg.Add(1)
		go h.relayPositions(hctx, msgs)
	}

	h.ctx, h.cancel, h.running = hctx, cancel, true
	h.wg.Add(1)
	go h.heartbeat(hctx)
	h.logger.Info("hub started")
	return nil
}

// Stop closes every connection and waits for hub goroutines to exit.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.cancel()
	h.mu.Unlock()

	for _, c := range h.all.snapshot() {
		h.teardown(c, "shutdown")
	}
	h.wg.Wait()
	h.logger.Info("hub stopped")
}

// Connections reports how many subscribers are connected.
func (h *Hub) Connections() int { return h.all.len() }

// HandleWS upgrades the request and registers the connection.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		http.Error(w, domain.ErrHubStopped.Error(), http.StatusServiceUnavailable)
		return
	}
	// Reserve both pumps before Stop can start waiting.
	h.wg.Add(2)
	h.mu.Unlock()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.wg.Add(-2)
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	id := uuid.NewString()
	c := &conn{
		id:     id,
		hub:    h,
		ws:     ws,
		send:   make(chan []byte, h.cfg.SendBuffer),
		done:   make(chan struct{}),
		logger: h.logger.With(slog.String("conn", id)),
	}
	h.all.add(c)
	h.global.add(c)
	h.metrics.HubConnections.Inc()

	now := h.now()
	c.reply(TypeSnapshot, Welcome{Kind: "welcome", ConnectionID: id, ServerTime: now.UTC()})

	go c.writePump()
	go c.readPump()
}

// teardown removes c from every registry and closes it. Safe to call any
// number of times from any goroutine.
func (h *Hub) teardown(c *conn, reason string) {
	c.once.Do(func() {
		close(c.done)
		h.all.remove(c)
		h.global.remove(c)
		h.byContainer.remove(c)
		h.byUser.remove(c)
		h.interests.drop(c, nil)
		h.metrics.HubConnections.Dec()
		h.metrics.HubTeardowns.WithLabelValues(reason).Inc()
		c.logger.Debug("connection removed", slog.String("reason", reason))
	})
}

func (h *Hub) teardownAll(conns []*conn, reason string) {
	for _, c := range conns {
		h.teardown(c, reason)
	}
}

// BroadcastContainer delivers one processed update to the global,
// single-container and interest-set registries. It never blocks on a
// subscriber.
func (h *Hub) BroadcastContainer(u domain.ContainerUpdate) {
	now := h.now()

	if msg, err := encode(TypeUpdate, ContainerUpdate{Kind: "container", Container: u.Container, Changed: u.Changed}, now); err == nil {
		h.teardownAll(h.global.send(msg), "slow_consumer")
		h.metrics.HubMessagesSent.WithLabelValues("global").Add(float64(h.global.len()))
	} else {
		h.logger.Error("encode global update", slog.String("error", err.Error()))
	}

	delta := ContainerDelta{
		Kind:        "container",
		ContainerID: u.Container.ID,
		Slug:        u.Container.Slug,
		Changed:     u.Changed,
		UpdatedAt:   u.Container.UpdatedAt,
	}
	if msg, err := encode(TypeUpdate, delta, now); err == nil {
		h.teardownAll(h.byContainer.send(u.Container.ID, msg), "slow_consumer")
		h.metrics.HubMessagesSent.WithLabelValues("container").Add(float64(h.byContainer.count(u.Container.ID)))
	} else {
		h.logger.Error("encode container delta", slog.String("error", err.Error()))
	}

	routed := route(h.interests, u.Changed, func(p domain.InstrumentPrice) string { return p.InstrumentID })
	var failed []*conn
	for c, prices := range routed {
		msg, err := encode(TypeUpdate, InstrumentUpdate{Kind: "instruments", Prices: prices}, now)
		if err != nil {
			h.logger.Error("encode instrument update", slog.String("error", err.Error()))
			continue
		}
		if !c.enqueue(msg) {
			failed = append(failed, c)
		}
	}
	h.teardownAll(failed, "slow_consumer")
	h.metrics.HubMessagesSent.WithLabelValues("instruments").Add(float64(len(routed) - len(failed)))
}

// handleControl runs on the connection's read goroutine.
func (h *Hub) handleControl(c *conn, msg control) {
	switch msg.Type {
	case CtlKeepalive:
		c.reply(TypeHeartbeat, nil)
	case CtlRefresh:
		h.refresh(c)
	case CtlSubscribe:
		h.subscribe(c, msg)
	case CtlUnsubscribe:
		h.unsubscribe(c, msg)
	default:
		c.reply(TypeError, ErrorPayload{Message: "unknown message type", Request: msg.Type})
	}
}

func (h *Hub) subscribe(c *conn, msg control) {
	switch msg.Channel {
	case ChannelContainer:
		key := strings.TrimSpace(msg.Key)
		if key == "" {
			c.reply(TypeError, ErrorPayload{Message: "container key required", Request: msg.Type})
			return
		}
		ctx, cancel := context.WithTimeout(h.context(), 5*time.Second)
		found, err := h.containers.Resolve(ctx, key)
		cancel()
		if err != nil {
			text := "container lookup failed"
			if errors.Is(err, domain.ErrNotFound) {
				text = "unknown container"
			}
			c.reply(TypeError, ErrorPayload{Message: text, Request: key})
			return
		}
		if !h.byContainer.switchTo(c, found.ID, func() {
			h.sendSnapshotLocked(c, found)
		}) {
			return
		}
	case ChannelInstruments:
		if len(msg.Instruments) == 0 {
			c.reply(TypeError, ErrorPayload{Message: "instruments required", Request: msg.Type})
			return
		}
		if !h.interests.add(c, msg.Instruments) {
			return
		}
	case ChannelUser:
		user := strings.ToLower(strings.TrimSpace(msg.User))
		if user == "" {
			c.reply(TypeError, ErrorPayload{Message: "user required", Request: msg.Type})
			return
		}
		if !h.byUser.switchTo(c, user, nil) {
			return
		}
	default:
		c.reply(TypeError, ErrorPayload{Message: "unknown channel", Request: msg.Channel})
		return
	}
	h.placeGlobal(c)
}

func (h *Hub) unsubscribe(c *conn, msg control) {
	switch msg.Channel {
	case ChannelContainer:
		h.byContainer.remove(c)
	case ChannelInstruments:
		h.interests.drop(c, msg.Instruments)
	case ChannelUser:
		h.byUser.remove(c)
	case "":
		h.byContainer.remove(c)
		h.interests.drop(c, nil)
		h.byUser.remove(c)
	default:
		c.reply(TypeError, ErrorPayload{Message: "unknown channel", Request: msg.Channel})
		return
	}
	h.placeGlobal(c)
}

// placeGlobal keeps c in the global registry only while it has no narrower
// price interest.
func (h *Hub) placeGlobal(c *conn) {
	_, scoped := h.byContainer.keyOf(c)
	if scoped || h.interests.has(c) {
		h.global.remove(c)
		return
	}
	h.global.add(c)
	// teardown closes done before it clears registries.
	select {
	case <-c.done:
		h.global.remove(c)
	default:
	}
}

// refresh resends the container snapshot, or the welcome when the
// connection has no container subscription.
func (h *Hub) refresh(c *conn) {
	id, ok := h.byContainer.keyOf(c)
	if !ok {
		c.reply(TypeSnapshot, Welcome{Kind: "welcome", ConnectionID: c.id, ServerTime: h.now().UTC()})
		return
	}
	current, found := h.containers.Peek(id)
	if !found {
		ctx, cancel := context.WithTimeout(h.context(), 5*time.Second)
		var err error
		current, err = h.containers.Resolve(ctx, id)
		cancel()
		if err != nil {
			c.reply(TypeError, ErrorPayload{Message: "container lookup failed", Request: id})
			return
		}
	}
	h.byContainer.withKey(c, func(key string, still bool) {
		if still && key == id {
			h.sendSnapshotLocked(c, current)
		}
	})
}

// sendSnapshotLocked queues the freshest known state of v. Callers hold the
// container registry lock.
func (h *Hub) sendSnapshotLocked(c *conn, v domain.Container) {
	if cur, ok := h.containers.Peek(v.ID); ok && !cur.UpdatedAt.Before(v.UpdatedAt) {
		v = cur
	}
	msg, err := encode(TypeSnapshot, ContainerSnapshot{Kind: "container", Container: v}, h.now())
	if err != nil {
		h.logger.Error("encode snapshot", slog.String("error", err.Error()))
		return
	}
	if !c.enqueue(msg) {
		// teardown takes the registry lock, so it must run elsewhere.
		go h.teardown(c, "slow_consumer")
	}
}

func (h *Hub) heartbeat(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg, err := encode(TypeHeartbeat, nil, h.now())
			if err != nil {
				continue
			}
			h.teardownAll(h.all.send(msg), "heartbeat_failed")
		}
	}
}

// relayPositions forwards bus messages on positions:{user} to connections
// subscribed to that user.
func (h *Hub) relayPositions(ctx context.Context, msgs <-chan domain.Message) {
	defer h.wg.Done()
	prefix := strings.TrimSuffix(h.cfg.UserPattern, "*")
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				if ctx.Err() == nil {
					h.logger.Warn("user channel subscription closed")
				}
				return
			}
			user := strings.TrimPrefix(m.Channel, prefix)
			h.DeliverPosition(user, m.Payload)
		}
	}
}

// DeliverPosition sends a raw position change to subscribers of user.
func (h *Hub) DeliverPosition(user string, change []byte) {
	user = strings.ToLower(user)
	if h.byUser.count(user) == 0 {
		return
	}
	msg, err := encode(TypeUpdate, PositionUpdate{Kind: "position", User: user, Change: change}, h.now())
	if err != nil {
		h.logger.Error("encode position update", slog.String("error", err.Error()))
		return
	}
	h.teardownAll(h.byUser.send(user, msg), "slow_consumer")
	h.metrics.HubMessagesSent.WithLabelValues("user").Inc()
}

func (h *Hub) context() context.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx == nil {
		return context.Background()
	}
	return h.ctx
}
