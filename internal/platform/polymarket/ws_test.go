package polymarket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarketStreamSubscribeAndRead(t *testing.T) {
	subs := make(chan MarketSubscription, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		var sub MarketSubscription
		if err := c.ReadJSON(&sub); err != nil {
			return
		}
		subs <- sub
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"event_type":"heartbeat"}`))
		// Hold the connection until the client closes it.
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := DialMarket(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)

	require.NoError(t, s.Subscribe([]string{"tok-a", "tok-b"}))
	select {
	case sub := <-subs:
		assert.Equal(t, "market", sub.Type)
		assert.Equal(t, []string{"tok-a", "tok-b"}, sub.AssetIDs)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not received")
	}

	raw, err := s.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event_type":"heartbeat"}`, string(raw))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.ReadMessage()
	assert.Error(t, err)
}
