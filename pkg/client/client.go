// Package client implements the relay client used by the scheduling
// application: it maintains a websocket connection to the relay, transparently
// re-authenticates after reconnecting, and exposes a publish/subscribe surface
// to application code.
package client

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"agendarelay/pkg/protocol"
)

// Handler receives the payload of a subscribed event.
type Handler func(payload map[string]interface{})

// Config holds client tuning knobs. Zero values fall back to defaults.
type Config struct {
	HandshakeTimeout     time.Duration // connect timeout, default 5s
	PingInterval         time.Duration // heartbeat period, default 30s
	MaxReconnectAttempts int           // default 5
	BackoffBase          time.Duration // reconnect delay base, default 1s
	QueueSize            int           // pre-authentication send queue, default 64
	Logger               *zap.Logger
}

type subscription struct {
	id int
	fn Handler
}

// Client is a reconnecting relay client. Construct it with New and share the
// one instance from the application's composition root; there is no
// package-level singleton.
type Client struct {
	url string
	cfg Config
	log *zap.Logger

	writeMu sync.Mutex // serializes websocket writes

	mu            sync.Mutex
	ws            *websocket.Conn
	done          chan struct{}
	connected     bool
	authenticated bool
	intentional   bool
	attempts      int
	identity      *protocol.Identity
	pending       []*protocol.Envelope
	handlers      map[protocol.EventName][]subscription
	nextSubID     int
}

// New creates a client for the relay at serverURL (http://, ws:// or a bare
// host:port; the /ws path is appended when missing).
func New(serverURL string, cfg Config) *Client {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Client{
		url:      wsURL(serverURL),
		cfg:      cfg,
		log:      cfg.Logger,
		handlers: make(map[protocol.EventName][]subscription),
	}
}

// wsURL normalizes a server address to the websocket endpoint.
func wsURL(server string) string {
	if !strings.Contains(server, "://") {
		server = "ws://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		return server
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String()
}

// Connect establishes the transport. Calling while already connected is a
// no-op returning true. Returns false when the dial fails or times out.
func (c *Client) Connect(ctx context.Context) bool {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return true
	}
	c.intentional = false
	c.mu.Unlock()

	ws, ok := c.dial(ctx)
	if !ok {
		return false
	}

	if !c.adoptSession(ws) {
		// A concurrent reconnect restored the session while we were
		// dialing, or Disconnect intervened.
		ws.Close()
		return c.IsConnected()
	}

	c.log.Info("connected", zap.String("url", c.url))
	return true
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, bool) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	if ctx == nil {
		ctx = context.Background()
	}
	ws, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.log.Warn("connect failed", zap.String("url", c.url), zap.Error(err))
		return nil, false
	}
	return ws, true
}

// adoptSession installs ws as the active connection unless another session
// was established while dialing, or a deliberate disconnect happened.
// Reports whether ws was adopted; the caller must close it otherwise.
func (c *Client) adoptSession(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.intentional || c.connected {
		return false
	}
	c.startSession(ws)
	return true
}

// startSession installs ws as the active connection. Caller holds c.mu.
func (c *Client) startSession(ws *websocket.Conn) {
	c.ws = ws
	c.connected = true
	c.authenticated = false
	c.attempts = 0
	c.done = make(chan struct{})
	go c.readLoop(ws)
	go c.pingLoop(ws, c.done)
}

// endSession tears the session down if ws is still the active connection.
// Returns whether this call ended it and whether the close was deliberate.
func (c *Client) endSession(ws *websocket.Conn) (ended, intentional bool) {
	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return false, false
	}
	c.ws = nil
	c.connected = false
	c.authenticated = false
	close(c.done)
	intentional = c.intentional
	c.mu.Unlock()

	ws.Close()
	return true, intentional
}

// Authenticate asserts the user identity. Returns false with a warning when
// not connected. Fire-and-forget: the authenticated ack arrives
// asynchronously and flips IsAuthenticated. The identity is cached so a
// reconnect re-authenticates without the caller's involvement.
func (c *Client) Authenticate(userID, userName, displayName string) bool {
	id := protocol.Identity{UserID: userID, UserName: userName, DisplayName: displayName}

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		c.log.Warn("authenticate while disconnected", zap.String("userId", userID))
		return false
	}
	c.identity = &id
	c.mu.Unlock()

	return c.write(&protocol.Envelope{
		Event:   protocol.EventAuthenticate,
		Payload: id.Map(),
	})
}

// Send emits a named event. It fails fast (false) when disconnected. While
// connected but not yet authenticated, domain events are queued (bounded)
// and flushed once the authenticated ack arrives.
func (c *Client) Send(event protocol.EventName, payload map[string]interface{}) bool {
	env := &protocol.Envelope{Event: event, Payload: payload}

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return false
	}
	if !c.authenticated && event != protocol.EventAuthenticate && event != protocol.EventPing {
		if len(c.pending) >= c.cfg.QueueSize {
			c.log.Warn("pre-auth queue full, dropping oldest",
				zap.String("event", string(c.pending[0].Event)))
			c.pending = c.pending[1:]
		}
		c.pending = append(c.pending, env)
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	return c.write(env)
}

// On subscribes a handler to an event and returns a subscription id for Off.
// Handlers run in registration order; a panicking handler is recovered and
// logged without stopping the rest.
func (c *Client) On(event protocol.EventName, h Handler) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	c.handlers[event] = append(c.handlers[event], subscription{id: c.nextSubID, fn: h})
	return c.nextSubID
}

// Off removes a subscription previously returned by On.
func (c *Client) Off(event protocol.EventName, id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.handlers[event]
	for i, sub := range subs {
		if sub.id == id {
			c.handlers[event] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Disconnect closes the connection deliberately. No reconnect is attempted.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	ws := c.ws
	c.mu.Unlock()

	if ws == nil {
		return
	}

	c.writeMu.Lock()
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	c.endSession(ws)
	c.log.Info("disconnected")
}

// IsConnected reports whether the transport is up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// IsAuthenticated reports whether the server has acknowledged the identity
// on the current connection.
func (c *Client) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// ReconnectAttempts returns the current consecutive reconnect attempt count.
func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Client) write(env *protocol.Envelope) bool {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.WriteJSON(env); err != nil {
		c.log.Warn("write failed", zap.String("event", string(env.Event)), zap.Error(err))
		return false
	}
	return true
}

func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			ended, intentional := c.endSession(ws)
			if ended && !intentional {
				c.log.Warn("connection lost", zap.Error(err))
				go c.reconnectLoop()
			}
			return
		}
		c.handleEvent(&env)
	}
}

// pingLoop keeps intermediaries from closing an idle connection. The client
// does not enforce a pong timeout; server-side liveness belongs to the
// supervisor.
func (c *Client) pingLoop(ws *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.write(&protocol.Envelope{Event: protocol.EventPing})
		}
	}
}

func (c *Client) handleEvent(env *protocol.Envelope) {
	if env.Event == protocol.EventAuthenticated {
		c.mu.Lock()
		c.authenticated = true
		flush := c.pending
		c.pending = nil
		c.mu.Unlock()

		for _, queued := range flush {
			c.write(queued)
		}
	}

	c.dispatch(env.Event, env.Payload)
}

func (c *Client) dispatch(event protocol.EventName, payload map[string]interface{}) {
	c.mu.Lock()
	subs := append([]subscription(nil), c.handlers[event]...)
	c.mu.Unlock()

	for i, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("event handler panic",
						zap.String("event", string(event)),
						zap.Int("handler", i),
						zap.Any("panic", r))
				}
			}()
			sub.fn(payload)
		}()
	}
}

// reconnectLoop retries the connection with exponential backoff after an
// unintentional disconnect, giving up after MaxReconnectAttempts consecutive
// failures. A successful reconnect re-sends the cached identity.
func (c *Client) reconnectLoop() {
	for {
		c.mu.Lock()
		if c.intentional || c.connected {
			c.mu.Unlock()
			return
		}
		if c.attempts >= c.cfg.MaxReconnectAttempts {
			c.mu.Unlock()
			c.log.Error("reconnect attempts exhausted",
				zap.Int("maxAttempts", c.cfg.MaxReconnectAttempts))
			return
		}
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		delay := backoffDelay(c.cfg.BackoffBase, attempt)
		c.log.Info("scheduling reconnect",
			zap.Int("attempt", attempt), zap.Duration("delay", delay))
		time.Sleep(delay)

		ws, ok := c.dial(context.Background())
		if !ok {
			continue
		}

		if !c.adoptSession(ws) {
			ws.Close()
			return
		}

		c.mu.Lock()
		identity := c.identity
		c.mu.Unlock()

		c.log.Info("reconnected", zap.Int("afterAttempts", attempt))
		if identity != nil {
			c.write(&protocol.Envelope{
				Event:   protocol.EventAuthenticate,
				Payload: identity.Map(),
			})
		}
		return
	}
}

// backoffDelay returns min(base*2^attempt, base*30), which with the default
// one-second base is min(1000*2^attempt, 30000) milliseconds.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	if max := 30 * base; d > max {
		d = max
	}
	return d
}
