package ws

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// conn is one subscriber. The send queue is never closed; done signals
// teardown to both pumps.
type conn struct {
	id     string
	hub    *Hub
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// closed reports whether teardown has begun.
func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// enqueue queues msg without blocking. It returns false when the connection
// is gone or its queue is full.
func (c *conn) enqueue(msg []byte) bool {
	if c.closed() {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *conn) readPump() {
	defer c.hub.wg.Done()
	defer c.hub.teardown(c, "closed")

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		// Any client traffic proves liveness.
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg control
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.reply(TypeError, ErrorPayload{Message: "malformed message"})
			continue
		}
		msg.Type = strings.ToLower(strings.TrimSpace(msg.Type))
		c.hub.handleControl(c, msg)
	}
}

func (c *conn) writePump() {
	defer c.hub.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = c.ws.Close()
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.teardown(c, "write_error")
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.teardown(c, "write_error")
				_ = c.ws.Close()
				return
			}
		}
	}
}

// reply queues a message for this connection only. A full queue tears the
// connection down.
func (c *conn) reply(typ string, payload any) {
	msg, err := encode(typ, payload, c.hub.now())
	if err != nil {
		c.logger.Error("encode reply", slog.String("error", err.Error()))
		return
	}
	if !c.enqueue(msg) {
		c.hub.teardown(c, "slow_consumer")
	}
}
