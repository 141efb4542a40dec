package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recordingSender struct {
	mu     sync.Mutex
	name   string
	titles []string
	err    error
}

func (s *recordingSender) Send(_ context.Context, title, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title)
	return s.err
}

func (s *recordingSender) Name() string { return s.name }

func TestNotifierFilters(t *testing.T) {
	tests := []struct {
		name   string
		events []string
		event  string
		sent   bool
	}{
		{name: "default allows executed", events: nil, event: "sl_executed", sent: true},
		{name: "default allows tp fill", events: nil, event: "tp_filled", sent: true},
		{name: "default drops set", events: nil, event: "sl_set", sent: false},
		{name: "configured list", events: []string{" sl_set "}, event: "sl_set", sent: true},
		{name: "configured list drops others", events: []string{"sl_set"}, event: "sl_executed", sent: false},
		{name: "wildcard", events: []string{"*"}, event: "orders_synced", sent: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &recordingSender{name: "rec"}
			n := NewNotifier([]Sender{s}, tt.events, discard())
			require.NoError(t, n.Notify(context.Background(), tt.event, "title", "body"))
			assert.Equal(t, tt.sent, len(s.titles) == 1)
		})
	}
}

func TestNotifierContinuesPastFailingSender(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discard())

	err := n.NotifyAll(context.Background(), "Stop loss executed", "body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Equal(t, []string{"Stop loss executed"}, good.titles)
}

func TestNotifierWithoutSenders(t *testing.T) {
	n := NewNotifier(nil, nil, discard())
	assert.False(t, n.Enabled())
	assert.NoError(t, n.Notify(context.Background(), "sl_executed", "t", "m"))
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botsecret-token/sendMessage", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := newTelegramSender(srv.URL, "secret-token", "42")
	defer s.Close()
	require.NoError(t, s.Send(context.Background(), "Take profit filled", "100 shares at 0.85"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Take profit filled*\n100 shares at 0.85", got["text"])
}

func TestTelegramSenderErrorHidesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"ok":false,"description":"chat not found"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	s := newTelegramSender(srv.URL, "secret-token", "42")
	err := s.Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.NotContains(t, err.Error(), "secret-token")
}

func TestDiscordSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL + "/api/webhooks/1/x")
	require.NoError(t, s.Send(context.Background(), "Stop loss failed", "gave up"))
	assert.Equal(t, "**Stop loss failed**\ngave up", got["content"])
}
