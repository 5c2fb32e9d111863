package wavelink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// Envelope is the wire format for all push-channel frames.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// PresencePayload is a single online-state change.
type PresencePayload struct {
	UID    int  `json:"uid"`
	Online bool `json:"online"`
}

// pingFrame is the application-level heartbeat sent while the
// connection is open.
type pingFrame struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
}

// ============================================================================
// Configuration
// ============================================================================

// ErrNoToken is returned by Connect when no bearer token is available.
// This is a recoverable condition: the connect attempt is skipped and
// retried when a token appears, never escalated.
var ErrNoToken = errors.New("wavelink: no auth token available")

// TokenSource supplies the current bearer token, "" when absent.
type TokenSource func() string

// RealtimeConfig configures the push-channel client.
type RealtimeConfig struct {
	Token             TokenSource
	HeartbeatInterval time.Duration
	ReconnectBase     time.Duration
	ReconnectCap      time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	if c.ReconnectBase == 0 {
		c.ReconnectBase = 2 * time.Second
	}
	if c.ReconnectCap == 0 {
		c.ReconnectCap = 30 * time.Second
	}
	if c.Token == nil {
		c.Token = func() string { return "" }
	}
}

// ConnState represents the connection state.
type ConnState string

const (
	StateClosed     ConnState = "closed"
	StateConnecting ConnState = "connecting"
	StateOpen       ConnState = "open"
)

// ============================================================================
// Frame Dispatcher
// ============================================================================

// FrameHandler is the generic frame callback type.
type FrameHandler func(frameType string, data json.RawMessage)

type frameDispatcher struct {
	mu             sync.RWMutex
	generic        map[string][]FrameHandler
	onChat         []func(json.RawMessage)
	onRelationship []func(string)
	onPresence     []func([]PresencePayload)
	onConnected    []func()
	onDisconnected []func(reason string)
	onReconnecting []func(attempt int, delay time.Duration)
}

func newFrameDispatcher() *frameDispatcher {
	return &frameDispatcher{generic: make(map[string][]FrameHandler)}
}

// dispatch routes one inbound envelope by its type tag. Unknown tags are
// a no-op, not an error.
func (d *frameDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case "chat":
		for _, h := range d.onChat {
			h(env.Data)
		}
	case "friends", "requests":
		for _, h := range d.onRelationship {
			h(env.Type)
		}
	case "presence":
		var p PresencePayload
		if json.Unmarshal(env.Data, &p) == nil {
			for _, h := range d.onPresence {
				h([]PresencePayload{p})
			}
		}
	case "presence_snapshot":
		var ps []PresencePayload
		if json.Unmarshal(env.Data, &ps) == nil {
			for _, h := range d.onPresence {
				h(ps)
			}
		}
	}

	for _, h := range d.generic[env.Type] {
		h(env.Type, env.Data)
	}
}

func (d *frameDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *frameDispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(reason)
	}
}

func (d *frameDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector computes the reconnect schedule: min(base*(1+attempts),
// cap), non-decreasing up to the cap. Attempts reset to zero on every
// successful open.
type reconnector struct {
	base     time.Duration
	cap      time.Duration
	attempts int
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{base: config.ReconnectBase, cap: config.ReconnectCap}
}

func (r *reconnector) nextDelay() time.Duration {
	delay := r.base * time.Duration(1+r.attempts)
	if delay > r.cap {
		delay = r.cap
	}
	r.attempts++
	return delay
}

func (r *reconnector) reset() {
	r.attempts = 0
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient owns the one live duplex connection to the backend:
// heartbeat, reconnect backoff and typed dispatch of inbound frames.
// Connect while CONNECTING or OPEN is a no-op, so at most one socket is
// ever live. The reconnect timer is the only scheduled async piece;
// Disconnect cancels it along with the heartbeat and the socket.
type RealtimeClient struct {
	baseURL string
	config  *RealtimeConfig

	mu               sync.Mutex
	state            ConnState
	conn             *websocket.Conn
	cancelFn         context.CancelFunc
	reconnectTimer   *time.Timer
	intentionalClose bool

	dispatcher *frameDispatcher
	recon      *reconnector
}

// NewRealtimeClient creates a client for the given HTTP base URL. The
// socket endpoint is derived from it (ws[s]://host/ws).
func NewRealtimeClient(baseURL string, config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RealtimeClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     &cfg,
		state:      StateClosed,
		dispatcher: newFrameDispatcher(),
		recon:      newReconnector(&cfg),
	}
}

// OnChatFrame registers a handler for inbound chat messages. The raw
// payload is handed over untouched; normalization happens at the store.
func (rc *RealtimeClient) OnChatFrame(h func(json.RawMessage)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onChat = append(rc.dispatcher.onChat, h)
	rc.dispatcher.mu.Unlock()
}

// OnRelationship registers a handler for friends/requests changes.
func (rc *RealtimeClient) OnRelationship(h func(kind string)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onRelationship = append(rc.dispatcher.onRelationship, h)
	rc.dispatcher.mu.Unlock()
}

// OnPresence registers a handler for presence updates; snapshots arrive
// as one batch.
func (rc *RealtimeClient) OnPresence(h func([]PresencePayload)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onPresence = append(rc.dispatcher.onPresence, h)
	rc.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (rc *RealtimeClient) OnConnected(h func()) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onConnected = append(rc.dispatcher.onConnected, h)
	rc.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (rc *RealtimeClient) OnDisconnected(h func(reason string)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onDisconnected = append(rc.dispatcher.onDisconnected, h)
	rc.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (rc *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onReconnecting = append(rc.dispatcher.onReconnecting, h)
	rc.dispatcher.mu.Unlock()
}

// On registers a generic frame handler for a type tag.
func (rc *RealtimeClient) On(frameType string, h FrameHandler) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.generic[frameType] = append(rc.dispatcher.generic[frameType], h)
	rc.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (rc *RealtimeClient) State() ConnState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// wsURL derives the socket endpoint from the HTTP base URL.
func (rc *RealtimeClient) wsURL(token string) string {
	u := strings.Replace(rc.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws?token=" + token
}

// Connect establishes the connection. A no-op while CONNECTING or OPEN.
// Returns ErrNoToken when no bearer token is available; the caller
// retries once a token exists.
func (rc *RealtimeClient) Connect(ctx context.Context) error {
	rc.mu.Lock()
	if rc.state == StateOpen || rc.state == StateConnecting {
		rc.mu.Unlock()
		return nil
	}
	token := rc.config.Token()
	if token == "" {
		rc.mu.Unlock()
		return ErrNoToken
	}
	rc.state = StateConnecting
	rc.intentionalClose = false
	rc.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, rc.wsURL(token), nil)
	if err != nil {
		rc.mu.Lock()
		rc.state = StateClosed
		rc.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	connCtx, cancel := context.WithCancel(context.Background())
	rc.mu.Lock()
	rc.conn = conn
	rc.state = StateOpen
	rc.cancelFn = cancel
	rc.recon.reset()
	rc.mu.Unlock()

	rc.dispatcher.emitConnected()

	go rc.readLoop(connCtx, conn)
	go rc.heartbeatLoop(connCtx, conn)

	return nil
}

// Disconnect tears the client down: cancels the reconnect timer, stops
// the heartbeat and closes the socket. Safe to call repeatedly and on a
// socket that is already closed.
func (rc *RealtimeClient) Disconnect() {
	rc.mu.Lock()
	rc.intentionalClose = true
	if rc.reconnectTimer != nil {
		rc.reconnectTimer.Stop()
		rc.reconnectTimer = nil
	}
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	conn := rc.conn
	rc.conn = nil
	rc.state = StateClosed
	rc.mu.Unlock()

	closeQuiet(conn)
}

func (rc *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.handleClosed(err.Error())
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue // malformed frame: drop, never crash
		}
		rc.dispatcher.dispatch(env)
	}
}

// heartbeatLoop sends an application ping at a fixed interval while the
// connection is open. A failed write closes the socket; the read loop
// then drives the reconnect.
func (rc *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(rc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rc.State() != StateOpen {
				return
			}
			frame, _ := json.Marshal(pingFrame{Type: "ping", Ts: time.Now().UnixMilli()})
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				closeQuiet(conn)
				return
			}
		}
	}
}

// handleClosed transitions to CLOSED after an error or server close and
// schedules the reconnect unless teardown was intentional.
func (rc *RealtimeClient) handleClosed(reason string) {
	rc.mu.Lock()
	if rc.intentionalClose {
		rc.mu.Unlock()
		return
	}
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	closeQuiet(rc.conn)
	rc.conn = nil
	rc.state = StateClosed
	rc.mu.Unlock()

	rc.dispatcher.emitDisconnected(reason)
	rc.scheduleReconnect()
}

// scheduleReconnect arms the single reconnect timer. While a timer is
// already pending no second one is armed.
func (rc *RealtimeClient) scheduleReconnect() {
	rc.mu.Lock()
	if rc.intentionalClose || rc.reconnectTimer != nil {
		rc.mu.Unlock()
		return
	}
	delay := rc.recon.nextDelay()
	attempt := rc.recon.attempts
	rc.reconnectTimer = time.AfterFunc(delay, func() {
		rc.mu.Lock()
		rc.reconnectTimer = nil
		rc.mu.Unlock()

		err := rc.Connect(context.Background())
		if err != nil && !errors.Is(err, ErrNoToken) {
			// ErrNoToken stops the cycle; a later Connect call (token
			// became available) restarts it.
			rc.scheduleReconnect()
		}
	})
	rc.mu.Unlock()

	rc.dispatcher.emitReconnecting(attempt, delay)
}

func closeQuiet(conn *websocket.Conn) {
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}
