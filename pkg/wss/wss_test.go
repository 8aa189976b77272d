package wss

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/phenomenon0/dealscout/pkg/streaming"
)

// Test WebSocket server
func newTestServer(handler func(*http.Request, *websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(r, conn)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startHub(t *testing.T) (*streaming.Hub, *httptest.Server) {
	t.Helper()
	hub := streaming.NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func runClient(t *testing.T, client *Client) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- client.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, errCh
}

func TestClientReceivesSubscribedEvents(t *testing.T) {
	hub, srv := startHub(t)

	config := DefaultConfig(wsURL(srv), "")
	config.Events = []streaming.EventType{streaming.EventTypeDigest}
	config.ReconnectEnabled = false

	events := make(chan Event, 4)
	client := NewClient(config, Handlers{
		OnEvent: func(ev Event) { events <- ev },
	})
	cancel, errCh := runClient(t, client)

	waitFor(t, "connection", func() bool { return hub.ClientCount() == 1 && client.IsConnected() })
	hub.BroadcastReport(map[string]int{"count": 9})
	hub.BroadcastDigest(map[string]int{"count": 3})

	select {
	case ev := <-events:
		if ev.Type != streaming.EventTypeDigest {
			t.Fatalf("Wrong event type: got %s, want digest", ev.Type)
		}
		var body struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(ev.Data, &body); err != nil {
			t.Fatalf("decode data: %v", err)
		}
		if body.Count != 3 {
			t.Errorf("Wrong count: got %d, want 3", body.Count)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for digest")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run returned %v after cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if client.State() != StateClosed {
		t.Errorf("Wrong state: got %v, want %v", client.State(), StateClosed)
	}
}

func TestClientSubscribeLive(t *testing.T) {
	hub, srv := startHub(t)

	config := DefaultConfig(wsURL(srv), "")
	config.Events = []streaming.EventType{streaming.EventTypeError}
	config.ReconnectEnabled = false

	events := make(chan Event, 16)
	client := NewClient(config, Handlers{
		OnEvent: func(ev Event) { events <- ev },
	})
	runClient(t, client)
	waitFor(t, "connection", func() bool { return hub.ClientCount() == 1 && client.IsConnected() })

	if err := client.Subscribe(streaming.EventTypeDigest); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	got := client.Subscriptions()
	if len(got) != 2 || got[0] != streaming.EventTypeDigest || got[1] != streaming.EventTypeError {
		t.Errorf("Wrong subscriptions: %v", got)
	}

	// The subscribe frame and the broadcast race; keep broadcasting until
	// the digest arrives.
	deadline := time.After(3 * time.Second)
	for {
		hub.BroadcastDigest(map[string]int{"count": 1})
		select {
		case ev := <-events:
			if ev.Type != streaming.EventTypeDigest {
				t.Fatalf("Wrong event type: %s", ev.Type)
			}
			return
		case <-deadline:
			t.Fatal("Timeout waiting for digest after subscribe")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestClientSendsAPIKey(t *testing.T) {
	var gotKey atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.Header.Get("X-API-Key"))
		http.Error(w, `{"error":"Unauthorized"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	config := DefaultConfig(wsURL(server), "secret")
	config.ReconnectEnabled = false
	client := NewClient(config, Handlers{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Run(ctx)
	if err == nil {
		t.Fatal("expected dial error")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error should carry the status: %v", err)
	}
	if gotKey.Load() != "secret" {
		t.Errorf("Wrong X-API-Key: got %v", gotKey.Load())
	}
	if client.State() != StateDisconnected {
		t.Errorf("Wrong state: got %v, want %v", client.State(), StateDisconnected)
	}
}

func TestClientReconnectsWithSubscriptions(t *testing.T) {
	var (
		mu      sync.Mutex
		queries []string
	)
	server := newTestServer(func(r *http.Request, conn *websocket.Conn) {
		mu.Lock()
		queries = append(queries, r.URL.RawQuery)
		first := len(queries) == 1
		mu.Unlock()

		if first {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"))
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	config := DefaultConfig(wsURL(server), "")
	config.Events = []streaming.EventType{streaming.EventTypeReport}
	config.ReconnectMinDelay = 10 * time.Millisecond
	config.ReconnectMaxDelay = 50 * time.Millisecond

	var connects, disconnects atomic.Int32
	client := NewClient(config, Handlers{
		OnConnect:    func() { connects.Add(1) },
		OnDisconnect: func(error) { disconnects.Add(1) },
	})
	cancel, errCh := runClient(t, client)

	waitFor(t, "second connection", func() bool { return connects.Load() >= 2 && client.IsConnected() })
	if disconnects.Load() < 1 {
		t.Error("OnDisconnect was not called")
	}

	mu.Lock()
	for i, q := range queries {
		if q != "events=report" {
			t.Errorf("connection %d query: got %q, want events=report", i, q)
		}
	}
	mu.Unlock()

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run returned %v after cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClientUnsubscribeSurvivesReconnect(t *testing.T) {
	var (
		mu      sync.Mutex
		queries []string
		frames  []string
	)
	server := newTestServer(func(r *http.Request, conn *websocket.Conn) {
		mu.Lock()
		queries = append(queries, r.URL.RawQuery)
		first := len(queries) == 1
		mu.Unlock()

		if first {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			mu.Lock()
			frames = append(frames, string(msg))
			mu.Unlock()
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"))
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	// No Events: every event type.
	config := DefaultConfig(wsURL(server), "")
	config.ReconnectMinDelay = 10 * time.Millisecond
	config.ReconnectMaxDelay = 50 * time.Millisecond

	var connects atomic.Int32
	client := NewClient(config, Handlers{
		OnConnect: func() { connects.Add(1) },
	})
	runClient(t, client)

	waitFor(t, "first connection", func() bool { return connects.Load() == 1 && client.IsConnected() })
	if err := client.Unsubscribe(streaming.EventTypeReport); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	waitFor(t, "second connection", func() bool { return connects.Load() >= 2 && client.IsConnected() })

	mu.Lock()
	defer mu.Unlock()
	if want := "events=digest&events=error&events=heartbeat&events=report"; queries[0] != want {
		t.Errorf("first query: got %q, want %q", queries[0], want)
	}
	if want := "events=digest&events=error&events=heartbeat"; queries[1] != want {
		t.Errorf("reconnect query: got %q, want %q", queries[1], want)
	}
	if len(frames) != 1 || !strings.Contains(frames[0], `"unsubscribe"`) {
		t.Errorf("Wrong frames on first connection: %v", frames)
	}
}

func TestStreamURLWithoutSubscriptions(t *testing.T) {
	client := NewClient(DefaultConfig("ws://localhost:8080/deals/stream?events=report", ""), Handlers{})
	if err := client.Unsubscribe(streaming.AllEvents()...); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}

	got, err := client.streamURL()
	if err != nil {
		t.Fatalf("streamURL failed: %v", err)
	}
	if want := "ws://localhost:8080/deals/stream?events="; got != want {
		t.Errorf("streamURL() = %s, want %s", got, want)
	}
}

func TestClientGivesUpAfterMaxAttempts(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(server)
	server.Close()

	config := DefaultConfig(url, "")
	config.ReconnectMinDelay = time.Millisecond
	config.ReconnectMaxDelay = 5 * time.Millisecond
	config.ReconnectMaxAttempts = 2

	var failures atomic.Int32
	client := NewClient(config, Handlers{
		OnError: func(error) { failures.Add(1) },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Run(ctx)
	if err == nil || !strings.Contains(err.Error(), "max reconnect attempts (2) exceeded") {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := failures.Load(); n != 3 {
		t.Errorf("Wrong failure count: got %d, want 3", n)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateReconnecting, "reconnecting"},
		{StateClosed, "closed"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.want)
		}
	}
}
