package chatcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"nhooyr.io/websocket"
)

// DefaultRealtimeURL is the realtime endpoint of a local backend.
const DefaultRealtimeURL = "ws://localhost:3000/v1/chat/ws"

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a Conn.
type RealtimeConfig struct {
	// URL of the realtime endpoint, without the identity parameter.
	URL string
	// UserParam is the query parameter that carries the viewer id.
	UserParam         string
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	HTTPClient        *http.Client
	Clock             clockwork.Clock
	Logger            *slog.Logger
	Metrics           *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.URL == "" {
		c.URL = DefaultRealtimeURL
	}
	if c.UserParam == "" {
		c.UserParam = "id"
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.HTTPClient.Timeout > 0 {
		// websocket.Dial refuses clients with a timeout; DialTimeout bounds
		// the handshake instead.
		hc := *c.HTTPClient
		hc.Timeout = 0
		c.HTTPClient = &hc
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RealtimeURLFromBase derives the realtime endpoint from an HTTP API base
// URL, e.g. http://host/v1 becomes ws://host/v1/chat/ws.
func RealtimeURLFromBase(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/chat/ws"
}

// State is the connection liveness state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosing      State = "closing"
)

// ============================================================================
// Conn
// ============================================================================

// Conn owns the single realtime connection of a signed-in user. Inbound
// envelopes go to its Router; liveness probes are answered here and never
// reach listeners. Conn does not reconnect on its own.
type Conn struct {
	config *RealtimeConfig
	router *Router
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	userID   string
	ws       *websocket.Conn
	cancelFn context.CancelFunc
	gen      uint64
	onClose  []func(error)
}

// NewConn creates a disconnected Conn.
func NewConn(config RealtimeConfig) *Conn {
	config.defaults()
	return &Conn{
		config: &config,
		router: NewRouter(config.Logger),
		logger: config.Logger.With("component", "realtime"),
		state:  StateDisconnected,
	}
}

// Router returns the listener registry fed by this connection.
func (c *Conn) Router() *Router { return c.router }

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID returns the identity the connection was opened for.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// OnClose registers a hook called when the transport closes without a
// Disconnect. The error is a *TransportError.
func (c *Conn) OnClose(h func(error)) {
	c.mu.Lock()
	c.onClose = append(c.onClose, h)
	c.mu.Unlock()
}

func (c *Conn) endpoint(userID string) (string, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set(c.config.UserParam, userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect opens the connection for userID. It returns nil at once when a
// connection is already open or being opened.
func (c *Conn) Connect(ctx context.Context, userID string) error {
	if userID == "" {
		return &TransportError{Op: "dial", Err: errors.New("empty user id")}
	}
	c.mu.Lock()
	if c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	gen := c.gen
	c.mu.Unlock()

	ws, err := c.dial(ctx, userID)
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return &TransportError{Op: "dial", Err: err}
	}

	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		c.mu.Unlock()
		ws.Close(websocket.StatusNormalClosure, "client disconnect")
		return &TransportError{Op: "dial", Err: errors.New("disconnected while dialing")}
	}
	connCtx, cancel := context.WithCancel(context.Background())
	c.ws = ws
	c.userID = userID
	c.state = StateOpen
	c.cancelFn = cancel
	c.mu.Unlock()

	c.logger.Info("connected", "user_id", userID)

	go c.readLoop(connCtx, ws)
	go c.heartbeatLoop(connCtx, ws)
	return nil
}

func (c *Conn) dial(ctx context.Context, userID string) (*websocket.Conn, error) {
	endpoint, err := c.endpoint(userID)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{
		HTTPClient: c.config.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(1 << 20)
	return ws, nil
}

// Disconnect closes the connection, stops the probe timer and drops every
// listener. Calling it on a closed connection is a no-op.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	ws := c.ws
	cancel := c.cancelFn
	c.gen++
	c.ws = nil
	c.cancelFn = nil
	if ws != nil {
		c.state = StateClosing
	} else {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	var err error
	if ws != nil {
		err = ws.Close(websocket.StatusNormalClosure, "client disconnect")
		c.logger.Info("disconnected")
	}
	if cancel != nil {
		cancel()
	}

	c.mu.Lock()
	if c.ws == nil && c.state == StateClosing {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	c.router.Clear()

	if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		return &TransportError{Op: "close", Err: err}
	}
	return nil
}

// Send writes env to the connection. It never queues: when the connection
// is not open the envelope is dropped and ErrNotConnected returned.
func (c *Conn) Send(ctx context.Context, env Envelope) error {
	c.mu.Lock()
	ws := c.ws
	open := c.state == StateOpen
	c.mu.Unlock()

	if !open || ws == nil {
		c.config.Metrics.droppedSend(env.Type)
		c.logger.Debug("send_dropped", "type", env.Type)
		return ErrNotConnected
	}
	return c.write(ctx, ws, env)
}

func (c *Conn) write(ctx context.Context, ws *websocket.Conn, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			c.closed(ws, err)
			return
		}
		c.handleFrame(ctx, ws, data)
	}
}

func (c *Conn) handleFrame(ctx context.Context, ws *websocket.Conn, data []byte) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		c.config.Metrics.malformedFrame()
		c.logger.Warn("malformed_envelope", "err", err)
		return
	}
	switch env.Type {
	case EventPing:
		c.config.Metrics.probe("in")
		if err := c.write(ctx, ws, Envelope{Type: EventPong}); err != nil {
			c.logger.Debug("pong_failed", "err", err)
		}
	case EventPong:
		c.config.Metrics.probe("in")
	default:
		c.config.Metrics.envelope(env.Type)
		c.router.Dispatch(env)
	}
}

// closed handles a read error. Errors after Disconnect are expected and
// ignored.
func (c *Conn) closed(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return
	}
	cancel := c.cancelFn
	c.ws = nil
	c.cancelFn = nil
	c.state = StateDisconnected
	hooks := append([]func(error){}, c.onClose...)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	terr := &TransportError{Op: "read", Err: err}
	c.logger.Warn("connection_closed", "err", err)
	for _, h := range hooks {
		h(terr)
	}
}

// heartbeatLoop sends a probe every interval. A failed probe is logged
// only; loss of the connection is detected by the read loop.
func (c *Conn) heartbeatLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := c.config.Clock.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := c.write(ctx, ws, Envelope{Type: EventPing}); err != nil {
				c.logger.Debug("probe_failed", "err", err)
				continue
			}
			c.config.Metrics.probe("out")
		}
	}
}
