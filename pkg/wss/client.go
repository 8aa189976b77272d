// Package wss is a reconnecting subscriber for the dealscout event stream
// served at /deals/stream.
package wss

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/phenomenon0/dealscout/pkg/streaming"
)

// State represents the connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is a stream event with its payload left undecoded.
type Event struct {
	Type      streaming.EventType `json:"type"`
	Timestamp time.Time           `json:"timestamp"`
	Data      json.RawMessage     `json:"data"`
}

// Handlers contains callback functions for stream events.
type Handlers struct {
	OnConnect     func()
	OnDisconnect  func(err error)
	OnEvent       func(Event)
	OnError       func(err error)
	OnStateChange func(old, new State)
}

// Config holds subscriber configuration.
type Config struct {
	// URL is the stream endpoint, ws:// or wss://
	URL string

	// APIKey is sent as X-API-Key
	APIKey string

	// Events narrows the subscription. Empty means every event type, and
	// Unsubscribe removes from that full set.
	Events []streaming.EventType

	// Reconnect settings
	ReconnectEnabled     bool
	ReconnectMinDelay    time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int // 0 = unlimited

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// ReadTimeout must exceed the server heartbeat interval.
	ReadTimeout time.Duration
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig(url, apiKey string) Config {
	return Config{
		URL:               url,
		APIKey:            apiKey,
		ReconnectEnabled:  true,
		ReconnectMinDelay: 1 * time.Second,
		ReconnectMaxDelay: 30 * time.Second,
		DialTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       90 * time.Second,
	}
}

// Client subscribes to the event stream and reconnects with exponential
// backoff until its context is done.
type Client struct {
	config   Config
	handlers Handlers
	state    int32 // atomic State

	conn   *websocket.Conn
	connMu sync.Mutex

	events   map[streaming.EventType]bool
	eventsMu sync.RWMutex
}

// NewClient creates a new stream subscriber.
func NewClient(config Config, handlers Handlers) *Client {
	c := &Client{
		config:   config,
		handlers: handlers,
		events:   make(map[streaming.EventType]bool),
	}
	events := config.Events
	if len(events) == 0 {
		events = streaming.AllEvents()
	}
	for _, e := range events {
		c.events[e] = true
	}
	return c
}

// Run connects and reads events until ctx is done. Without reconnects it
// returns the first connection error. With reconnects it returns only when
// ctx is done or ReconnectMaxAttempts consecutive attempts have failed.
func (c *Client) Run(ctx context.Context) error {
	b := c.newBackOff()

	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return nil
		}
		if connected {
			b.Reset()
		}
		if err != nil && c.handlers.OnError != nil {
			c.handlers.OnError(err)
		}
		if !c.config.ReconnectEnabled {
			c.setState(StateDisconnected)
			return err
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			c.setState(StateDisconnected)
			return fmt.Errorf("max reconnect attempts (%d) exceeded: %w", c.config.ReconnectMaxAttempts, err)
		}

		c.setState(StateReconnecting)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.setState(StateClosed)
			return nil
		case <-timer.C:
		}
	}
}

func (c *Client) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if c.config.ReconnectMinDelay > 0 {
		eb.InitialInterval = c.config.ReconnectMinDelay
	}
	if c.config.ReconnectMaxDelay > 0 {
		eb.MaxInterval = c.config.ReconnectMaxDelay
	}
	eb.MaxElapsedTime = 0
	eb.Reset()

	if c.config.ReconnectMaxAttempts > 0 {
		return backoff.WithMaxRetries(eb, uint64(c.config.ReconnectMaxAttempts))
	}
	return eb
}

// session dials once and reads until the connection drops. connected
// reports whether the dial succeeded.
func (c *Client) session(ctx context.Context) (connected bool, err error) {
	c.setState(StateConnecting)

	target, err := c.streamURL()
	if err != nil {
		return false, err
	}

	dialCtx := ctx
	if c.config.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.config.DialTimeout)
		defer cancel()
	}

	headers := http.Header{}
	if c.config.APIKey != "" {
		headers.Set("X-API-Key", c.config.APIKey)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, target, headers)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial failed: %s: %w", resp.Status, err)
		}
		return false, fmt.Errorf("dial failed: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	done := make(chan struct{})
	defer func() {
		close(done)
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		conn.Close()
	}()
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	c.setState(StateConnected)
	if c.handlers.OnConnect != nil {
		c.handlers.OnConnect()
	}

	err = c.readLoop(conn)
	if c.handlers.OnDisconnect != nil && ctx.Err() == nil {
		c.handlers.OnDisconnect(err)
	}
	return true, err
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		if c.config.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errors.New("server closed the stream")
			}
			return err
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			if c.handlers.OnError != nil {
				c.handlers.OnError(fmt.Errorf("decode event: %w", err))
			}
			continue
		}
		if c.handlers.OnEvent != nil {
			c.handlers.OnEvent(ev)
		}
	}
}

// streamURL appends the current subscriptions to the configured URL so a
// reconnect resumes them.
func (c *Client) streamURL() (string, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", fmt.Errorf("invalid stream url: %w", err)
	}
	q := u.Query()
	q.Del("events")
	subs := c.Subscriptions()
	if len(subs) == 0 {
		// Without any value the server would subscribe us to everything.
		q.Set("events", "")
	}
	for _, e := range subs {
		q.Add("events", string(e))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Subscribe adds event types to the subscription, on the live connection
// when there is one.
func (c *Client) Subscribe(events ...streaming.EventType) error {
	c.eventsMu.Lock()
	for _, e := range events {
		c.events[e] = true
	}
	c.eventsMu.Unlock()
	return c.send("subscribe", events)
}

// Unsubscribe removes event types from the subscription.
func (c *Client) Unsubscribe(events ...streaming.EventType) error {
	c.eventsMu.Lock()
	for _, e := range events {
		delete(c.events, e)
	}
	c.eventsMu.Unlock()
	return c.send("unsubscribe", events)
}

// Subscriptions returns the subscribed event types, sorted.
func (c *Client) Subscriptions() []streaming.EventType {
	c.eventsMu.RLock()
	defer c.eventsMu.RUnlock()

	out := make([]streaming.EventType, 0, len(c.events))
	for e := range c.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *Client) send(kind string, events []streaming.EventType) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		// Applied on the next connect.
		return nil
	}

	if c.config.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	return c.conn.WriteJSON(map[string]interface{}{"type": kind, "events": events})
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(atomic.LoadInt32(&c.state))
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

func (c *Client) setState(s State) {
	old := State(atomic.SwapInt32(&c.state, int32(s)))
	if old != s && c.handlers.OnStateChange != nil {
		c.handlers.OnStateChange(old, s)
	}
}
