package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recordSender struct {
	name string
	err  error
	sent []string
}

func (s *recordSender) Send(_ context.Context, title, _ string) error {
	s.sent = append(s.sent, title)
	return s.err
}

func (s *recordSender) Name() string { return s.name }

type onceThrottle map[string]bool

func (o onceThrottle) Allow(_ context.Context, key string, _ time.Duration) (bool, error) {
	if o[key] {
		return false, nil
	}
	o[key] = true
	return true, nil
}

func TestNotifierFiltersEvents(t *testing.T) {
	s := &recordSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{EventReconcileDrift, " "}, discard())

	require.NoError(t, n.Notify(context.Background(), EventReconcileDrift, "drift", "x"))
	require.NoError(t, n.Notify(context.Background(), EventUpstreamReconnect, "reconnect", "x"))
	assert.Equal(t, []string{"drift"}, s.sent)
}

func TestNotifierCooldown(t *testing.T) {
	s := &recordSender{name: "rec"}
	n := NewNotifier([]Sender{s}, nil, discard())
	n.SetCooldown(onceThrottle{}, time.Minute)

	for i := 0; i < 3; i++ {
		require.NoError(t, n.Notify(context.Background(), EventUpstreamReconnect, "reconnect", "x"))
	}
	require.NoError(t, n.Notify(context.Background(), EventReconcileFailed, "failed", "x"))
	assert.Equal(t, []string{"reconnect", "failed"}, s.sent)
}

func TestNotifierContinuesPastFailingSender(t *testing.T) {
	bad := &recordSender{name: "bad", err: errors.New("boom")}
	good := &recordSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discard())

	err := n.Notify(context.Background(), EventReconcileFailed, "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Len(t, good.sent, 1)
	assert.True(t, n.Enabled())
	assert.False(t, NewNotifier(nil, nil, discard()).Enabled())
}

func TestTelegramSender(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender(srv.URL+"/", "TOKEN", "42")
	require.NoError(t, s.Send(context.Background(), "Reconcile drift", "user_a moved"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Reconcile drift*\nuser\\_a moved", got["text"])
	assert.Equal(t, "telegram", s.Name())
}

func TestDiscordSender(t *testing.T) {
	var got discordWebhook
	status := http.StatusNoContent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(status)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	s.now = func() time.Time { return time.Date(2025, 12, 25, 1, 30, 0, 0, time.UTC) }
	require.NoError(t, s.Send(context.Background(), "Ledger drift corrected", strings.Repeat("é", 5000)))
	require.Len(t, got.Embeds, 1)
	e := got.Embeds[0]
	assert.Equal(t, "Ledger drift corrected", e.Title)
	assert.Equal(t, discordMaxDescription, utf8.RuneCountInString(e.Description))
	assert.True(t, strings.HasSuffix(e.Description, "…"))
	assert.Equal(t, "2025-12-25T01:30:00Z", e.Timestamp)
	assert.Equal(t, "polylive", got.Username)

	status = http.StatusBadRequest
	assert.Error(t, s.Send(context.Background(), "Title", "m"))
}
