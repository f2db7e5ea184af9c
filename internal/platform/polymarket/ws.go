package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polylive/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next message from the peer.
	pongWait = 60 * time.Second

	// keepaliveInterval paces the text PING the market channel expects.
	keepaliveInterval = 10 * time.Second
)

// MarketStream is one connection to the CLOB market channel. ReadMessage must
// be called from a single goroutine; writes are serialized internally.
type MarketStream struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// DialMarket connects to the market channel, e.g.
// "wss://ws-subscriptions-clob.polymarket.com/ws/market".
func DialMarket(ctx context.Context, wsURL string) (*MarketStream, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("polymarket/ws: connect: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s := &MarketStream{conn: conn, done: make(chan struct{})}
	go s.keepalive()
	return s, nil
}

// Subscribe requests price events for assetIDs. The server replaces any
// previous subscription on this connection.
func (s *MarketStream) Subscribe(assetIDs []string) error {
	data, err := json.Marshal(MarketSubscription{Type: "market", AssetIDs: assetIDs})
	if err != nil {
		return fmt.Errorf("polymarket/ws: marshal subscription: %w", err)
	}
	if err := s.write(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("polymarket/ws: subscribe: %w", err)
	}
	return nil
}

// ReadMessage blocks for the next frame.
func (s *MarketStream) ReadMessage() ([]byte, error) {
	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("polymarket/ws: read: %w: %v", domain.ErrWSDisconnect, err)
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	return raw, nil
}

// Close shuts the connection down. It is safe to call more than once and
// unblocks a pending ReadMessage.
func (s *MarketStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		_ = s.write(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = s.conn.Close()
	})
	return err
}

func (s *MarketStream) write(kind int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(kind, data)
}

func (s *MarketStream) keepalive() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return
			}
			if err := s.write(websocket.TextMessage, []byte("PING")); err != nil {
				return
			}
		}
	}
}
