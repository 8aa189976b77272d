package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ClientCount() == n }, 2*time.Second, 10*time.Millisecond)
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	return ev
}

func TestBroadcastReport(t *testing.T) {
	hub, srv := startHub(t)
	var sent atomic.Int32
	hub.OnBroadcast(func() { sent.Add(1) })

	conn := dial(t, srv, "")
	waitClients(t, hub, 1)

	hub.BroadcastReport(map[string]interface{}{"count": 2})

	ev := readEvent(t, conn)
	assert.Equal(t, EventTypeReport, ev.Type)
	assert.False(t, ev.Timestamp.IsZero())
	data, ok := ev.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(2), data["count"])
	assert.Eventually(t, func() bool { return sent.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestSubscriptionFilter(t *testing.T) {
	hub, srv := startHub(t)

	conn := dial(t, srv, "?events=error")
	waitClients(t, hub, 1)

	hub.BroadcastReport(map[string]interface{}{"count": 1})
	hub.BroadcastError(errors.New("upstream unavailable"), "digest")

	ev := readEvent(t, conn)
	assert.Equal(t, EventTypeError, ev.Type)
	data := ev.Data.(map[string]interface{})
	assert.Equal(t, "upstream unavailable", data["error"])
	assert.Equal(t, "digest", data["context"])
}

func TestEmptyEventsSubscribesToNothing(t *testing.T) {
	hub, srv := startHub(t)

	conn := dial(t, srv, "?events=")
	waitClients(t, hub, 1)
	hub.BroadcastReport(map[string]interface{}{"count": 1})

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "subscribe", "events": []EventType{EventTypeDigest}}))

	// The subscribe frame races the broadcast; keep sending until it lands.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				hub.BroadcastDigest(map[string]interface{}{"count": 2})
			}
		}
	}()

	ev := readEvent(t, conn)
	assert.Equal(t, EventTypeDigest, ev.Type)
}

func TestClientCountCallback(t *testing.T) {
	hub := NewHub(nil)
	var last atomic.Int32
	last.Store(-1)
	hub.OnClientsChanged(func(n int) { last.Store(int32(n)) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn := dial(t, srv, "")
	waitClients(t, hub, 1)
	assert.Eventually(t, func() bool { return last.Load() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	waitClients(t, hub, 0)
	assert.Eventually(t, func() bool { return last.Load() == 0 }, time.Second, 10*time.Millisecond)
}

func TestRunStopsOnCancel(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
