package assistant

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"tradeassist/gateway/internal/model"
	"tradeassist/gateway/pkg/logger"

	"github.com/gorilla/websocket"
)

// ConnState is the connection lifecycle state. Exactly one is active per
// client; all transitions are driven by the client itself.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateError        ConnState = "error"
)

var (
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("ws client is closed")
	// ErrReconnectRequired is returned by Connect while in the terminal
	// error state; only an explicit Reconnect resets the attempt counter.
	ErrReconnectRequired = errors.New("connection is in error state, call Reconnect")
	// ErrNotConnected is returned when sending without a live connection.
	ErrNotConnected = errors.New("not connected")
	// ErrWriteBufferFull is returned when the outbound queue is saturated.
	ErrWriteBufferFull = errors.New("write buffer full")
)

const (
	writeWait = 10 * time.Second
	// maxInflightDials guards against connection storms when Connect is
	// invoked repeatedly in a short window.
	maxInflightDials = 1
)

// StateChangeFunc observes every state transition.
type StateChangeFunc func(old, new ConnState, reason string)

// FrameFunc receives each raw inbound frame after the client has handled
// its own control traffic (pong, connection_ack, auth_error).
type FrameFunc func(frame []byte)

// WSConfig configures a WSClient.
type WSConfig struct {
	// URL of the streaming endpoint (see Client.WebSocketURL).
	URL string
	// Channels subscribed right after connect. Defaults to
	// model.DefaultChannels.
	Channels []string
	// Credentials yields the session token for the post-connect auth
	// message. The credential travels in an auth message, never as a URL
	// query parameter, so it stays out of request logs.
	Credentials CredentialProvider

	Backoff           BackoffPolicy
	MaxAttempts       int
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration

	// WriteBuffer is the outbound queue size. Defaults to 64.
	WriteBuffer int
	// Dialer overrides the websocket dialer, mainly for tests.
	Dialer *websocket.Dialer
}

// WSStats is a snapshot of connection counters.
type WSStats struct {
	State          ConnState  `json:"state"`
	Attempt        int        `json:"attempt"`
	ConnectedAt    *time.Time `json:"connected_at,omitempty"`
	LastPongAt     *time.Time `json:"last_pong_at,omitempty"`
	FramesReceived uint64     `json:"frames_received"`
	FramesSent     uint64     `json:"frames_sent"`
	Reconnects     uint64     `json:"reconnects"`
}

// WSClient maintains at most one live WebSocket connection to the
// assistant server. Abnormal closes trigger jittered exponential backoff
// until the attempt budget is spent, after which the client parks in the
// error state. A heartbeat ping with a pong deadline detects dead
// connections. The client owns the connection handle and every timer
// attached to it.
type WSClient struct {
	cfg WSConfig
	log *logger.Logger

	mu             sync.Mutex
	state          ConnState
	conn           *websocket.Conn
	writeChan      chan model.Message
	done           chan struct{}
	gen            int // connection generation, stale pump callbacks check it
	attempt        int
	closed         bool
	connectedAt    *time.Time
	lastPong       *time.Time
	reconnectTimer *time.Timer
	pongTimer      *time.Timer

	framesIn   uint64
	framesOut  uint64
	reconnects uint64

	frameFn  FrameFunc
	stateFn  StateChangeFunc
	notifyMu sync.Mutex

	dialSem chan struct{}
}

// NewWSClient creates a client in the disconnected state. Nothing dials
// until Connect.
func NewWSClient(cfg WSConfig) *WSClient {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10 * time.Second
	}
	if cfg.WriteBuffer <= 0 {
		cfg.WriteBuffer = 64
	}
	if cfg.Backoff == (BackoffPolicy{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = model.DefaultChannels()
	}
	if cfg.Credentials == nil {
		cfg.Credentials = NoCredential{}
	}

	return &WSClient{
		cfg:     cfg,
		log:     logger.Component("ws_client"),
		state:   StateDisconnected,
		dialSem: make(chan struct{}, maxInflightDials),
	}
}

// OnFrame sets the consumer of inbound frames. Set it before Connect.
func (c *WSClient) OnFrame(fn FrameFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frameFn = fn
}

// OnStateChange sets the transition observer. Set it before Connect.
func (c *WSClient) OnStateChange(fn StateChangeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateFn = fn
}

// State returns the current connection state.
func (c *WSClient) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of connection counters.
func (c *WSClient) Stats() WSStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WSStats{
		State:          c.state,
		Attempt:        c.attempt,
		ConnectedAt:    c.connectedAt,
		LastPongAt:     c.lastPong,
		FramesReceived: c.framesIn,
		FramesSent:     c.framesOut,
		Reconnects:     c.reconnects,
	}
}

// Connect opens the connection. Calling it while connecting or connected
// is a no-op; calling it from the error state is refused so a stale
// credential cannot silently burn the fresh attempt budget.
func (c *WSClient) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.state {
	case StateConnecting, StateConnected:
		c.mu.Unlock()
		c.log.Debugf("Connect ignored, already %s", c.state)
		return nil
	case StateError:
		c.mu.Unlock()
		return ErrReconnectRequired
	}
	c.mu.Unlock()

	return c.dial()
}

// Reconnect resets the attempt counter, clears the error state and
// re-enters connecting. It is the only way out of the error state.
func (c *WSClient) Reconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.attempt = 0
	c.stopReconnectTimerLocked()
	c.mu.Unlock()

	return c.dial()
}

// Disconnect closes the connection manually: timers cleared, transport
// closed with a normal closure, no reconnect scheduled. The client can
// Connect again later.
func (c *WSClient) Disconnect() {
	c.mu.Lock()
	c.stopReconnectTimerLocked()
	c.closeConnLocked(websocket.CloseNormalClosure, "client disconnect")
	c.attempt = 0
	change := c.transitionLocked(StateDisconnected, "manual disconnect")
	c.mu.Unlock()

	c.emit(change)
}

// Close tears the client down for good. Safe to call more than once.
func (c *WSClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopReconnectTimerLocked()
	c.closeConnLocked(websocket.CloseNormalClosure, "client shutdown")
	change := c.transitionLocked(StateDisconnected, "closed")
	c.mu.Unlock()

	c.emit(change)
}

// Send queues an outbound message. It fails fast rather than blocking
// the caller when the connection is down or the queue is saturated.
func (c *WSClient) Send(msg model.Message) error {
	c.mu.Lock()
	if c.state != StateConnected || c.writeChan == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	wc := c.writeChan
	c.mu.Unlock()

	select {
	case wc <- msg:
		return nil
	default:
		return ErrWriteBufferFull
	}
}

// dial performs one connection attempt. The semaphore bounds in-flight
// attempts so repeated Connect calls cannot storm the server.
func (c *WSClient) dial() error {
	select {
	case c.dialSem <- struct{}{}:
	default:
		c.log.Debugf("Connection attempt already in flight, skipping dial")
		return nil
	}
	defer func() { <-c.dialSem }()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	change := c.transitionLocked(StateConnecting, "")
	attempt := c.attempt
	c.mu.Unlock()
	c.emit(change)

	dialer := c.cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		c.log.Warnf("Dial failed for %s (attempt %d): %v", c.cfg.URL, attempt, err)
		c.mu.Lock()
		if c.closed || c.state != StateConnecting {
			// Torn down or manually disconnected mid-dial; nothing to
			// recover.
			c.mu.Unlock()
			return fmt.Errorf("failed to connect to %s: %w", c.cfg.URL, err)
		}
		down := c.transitionLocked(StateDisconnected, fmt.Sprintf("dial failed: %v", err))
		next := c.scheduleReconnectLocked()
		c.mu.Unlock()
		c.emit(down, next)
		return fmt.Errorf("failed to connect to %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	if c.closed || c.state != StateConnecting {
		// Torn down or manually disconnected while the dial was in
		// flight; the handshake loses.
		c.mu.Unlock()
		conn.Close()
		if c.closed {
			return ErrClosed
		}
		return nil
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	c.writeChan = make(chan model.Message, c.cfg.WriteBuffer)
	c.done = make(chan struct{})
	wc := c.writeChan
	done := c.done
	now := time.Now()
	c.connectedAt = &now
	c.lastPong = &now
	if c.attempt > 0 {
		c.reconnects++
	}
	c.attempt = 0
	up := c.transitionLocked(StateConnected, "")
	c.mu.Unlock()

	go c.readPump(conn, gen)
	go c.writePump(conn, wc, done, gen)
	go c.heartbeat(done, gen)

	c.sendAuth()
	c.sendSubscribe()

	c.emit(up)
	c.log.Infof("Connected to %s", c.cfg.URL)
	return nil
}

func (c *WSClient) sendAuth() {
	token := c.cfg.Credentials.Token()
	if token == "" {
		c.log.Debugf("No session credential available, skipping auth message")
		return
	}
	msg, err := model.NewMessage(model.MessageTypeAuth, model.AuthPayload{Token: token})
	if err != nil {
		c.log.Errorf("Failed to build auth message: %v", err)
		return
	}
	if err := c.Send(msg); err != nil {
		c.log.Warnf("Failed to queue auth message: %v", err)
	}
}

func (c *WSClient) sendSubscribe() {
	msg, err := model.NewMessage(model.MessageTypeSubscribe, model.SubscribePayload{Channels: c.cfg.Channels})
	if err != nil {
		c.log.Errorf("Failed to build subscribe message: %v", err)
		return
	}
	if err := c.Send(msg); err != nil {
		c.log.Warnf("Failed to queue subscribe message: %v", err)
	}
}

// readPump owns the inbound side of one connection generation.
func (c *WSClient) readPump(conn *websocket.Conn, gen int) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.serverClosed(gen)
			} else {
				c.connLost(gen, err)
			}
			return
		}

		c.mu.Lock()
		stale := gen != c.gen
		if !stale {
			c.framesIn++
		}
		fn := c.frameFn
		c.mu.Unlock()
		if stale {
			return
		}

		c.handleControl(frame, gen)
		if fn != nil {
			fn(frame)
		}
	}
}

// handleControl peeks at each frame for the client's own traffic. Pong
// feeds the heartbeat, auth_error is a terminal rejection, everything
// else is left to the frame consumer.
func (c *WSClient) handleControl(frame []byte, gen int) {
	var msg model.Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		// Not an envelope; the router logs and drops it.
		return
	}

	switch msg.Type {
	case model.MessageTypePong:
		c.handlePong(gen)
	case model.MessageTypeConnectionAck:
		c.log.Debugf("Connection acknowledged by server")
	case model.MessageTypeAuthError:
		var payload model.AuthErrorPayload
		if err := msg.Decode(&payload); err != nil {
			payload.Message = "authentication rejected"
		}
		c.authFailed(gen, payload.Message)
	}
}

func (c *WSClient) handlePong(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	now := time.Now()
	c.lastPong = &now
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
}

// authFailed moves to the terminal error state without consuming a
// reconnect attempt: redialing with the same bad credential cannot help.
func (c *WSClient) authFailed(gen int, reason string) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.log.Errorf("Authentication rejected by server: %s", reason)
	c.closeConnLocked(websocket.ClosePolicyViolation, "auth rejected")
	c.stopReconnectTimerLocked()
	change := c.transitionLocked(StateError, "auth rejected: "+reason)
	c.mu.Unlock()

	c.emit(change)
}

// serverClosed handles a clean close initiated by the server.
func (c *WSClient) serverClosed(gen int) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.log.Infof("Server closed the connection normally")
	c.closeConnLocked(websocket.CloseNormalClosure, "")
	change := c.transitionLocked(StateDisconnected, "server closed")
	c.mu.Unlock()

	c.emit(change)
}

// connLost handles an abnormal close and schedules recovery.
func (c *WSClient) connLost(gen int, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.log.Warnf("Connection lost: %v", cause)
	c.closeConnLocked(websocket.CloseAbnormalClosure, "")
	down := c.transitionLocked(StateDisconnected, fmt.Sprintf("connection lost: %v", cause))
	next := c.scheduleReconnectLocked()
	c.mu.Unlock()

	c.emit(down, next)
}

// scheduleReconnectLocked arms the single reconnect timer, or flips to
// the terminal error state once the attempt budget is spent. Caller
// holds mu.
func (c *WSClient) scheduleReconnectLocked() *stateChange {
	if c.closed {
		return nil
	}
	if c.attempt >= c.cfg.MaxAttempts {
		c.log.Errorf("Giving up after %d reconnect attempts", c.attempt)
		return c.transitionLocked(StateError,
			fmt.Sprintf("max reconnect attempts (%d) reached", c.cfg.MaxAttempts))
	}

	c.attempt++
	delay := c.cfg.Backoff.Delay(c.attempt)
	c.log.Warnf("Reconnect attempt %d/%d in %s", c.attempt, c.cfg.MaxAttempts, delay)

	c.stopReconnectTimerLocked()
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		closed := c.closed
		state := c.state
		c.mu.Unlock()
		if closed || state == StateConnected || state == StateConnecting {
			return
		}
		c.dial()
	})
	return nil
}

func (c *WSClient) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// closeConnLocked releases the current connection and everything keyed
// to its generation. Caller holds mu.
func (c *WSClient) closeConnLocked(closeCode int, reason string) {
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	if c.conn != nil {
		msg := websocket.FormatCloseMessage(closeCode, reason)
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.conn.WriteMessage(websocket.CloseMessage, msg)
		c.conn.Close()
		c.conn = nil
	}
	c.connectedAt = nil
	c.writeChan = nil
	c.gen++
}

// writePump owns the outbound side of one connection generation.
func (c *WSClient) writePump(conn *websocket.Conn, wc chan model.Message, done chan struct{}, gen int) {
	for {
		select {
		case msg := <-wc:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				c.connLost(gen, fmt.Errorf("write failed: %w", err))
				return
			}
			c.mu.Lock()
			if gen == c.gen {
				c.framesOut++
			}
			c.mu.Unlock()
		case <-done:
			return
		}
	}
}

// heartbeat sends periodic pings and arms the pong deadline for each.
func (c *WSClient) heartbeat(done chan struct{}, gen int) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			if gen != c.gen || c.state != StateConnected {
				c.mu.Unlock()
				return
			}
			if c.pongTimer == nil {
				g := gen
				c.pongTimer = time.AfterFunc(c.cfg.PongTimeout, func() {
					c.pongTimedOut(g)
				})
			}
			c.mu.Unlock()

			msg, err := model.NewMessage(model.MessageTypePing,
				model.PingPayload{Timestamp: time.Now().UnixMilli()})
			if err == nil {
				if err := c.Send(msg); err != nil {
					c.log.Debugf("Failed to queue ping: %v", err)
				}
			}
		case <-done:
			return
		}
	}
}

// pongTimedOut treats a missed pong as connection death.
func (c *WSClient) pongTimedOut(gen int) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.log.Warnf("No pong within %s, forcing reconnect", c.cfg.PongTimeout)
	c.closeConnLocked(websocket.CloseAbnormalClosure, "heartbeat timeout")
	down := c.transitionLocked(StateDisconnected, "heartbeat timeout")
	next := c.scheduleReconnectLocked()
	c.mu.Unlock()

	c.emit(down, next)
}

// stateChange is a pending transition notification, emitted after mu is
// released so observers can call back into the client.
type stateChange struct {
	old, new ConnState
	reason   string
}

// transitionLocked records a state change. Caller holds mu.
func (c *WSClient) transitionLocked(to ConnState, reason string) *stateChange {
	if c.state == to {
		return nil
	}
	change := &stateChange{old: c.state, new: to, reason: reason}
	c.state = to
	return change
}

// emit delivers pending transition notifications in order.
func (c *WSClient) emit(changes ...*stateChange) {
	c.mu.Lock()
	fn := c.stateFn
	c.mu.Unlock()
	if fn == nil {
		return
	}

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	for _, change := range changes {
		if change == nil {
			continue
		}
		fn(change.old, change.new, change.reason)
	}
}
