package assistant

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tradeassist/gateway/internal/model"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsHarness is a controllable assistant-server stand-in: it can refuse
// dials, answer pings, and kill connections abnormally or cleanly.
type wsHarness struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*serverConn

	inbound  chan model.Message
	dials    int32
	accept   int32
	autoPong int32
}

type serverConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (s *serverConn) writeJSON(v interface{}) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.WriteJSON(v)
}

func newWSHarness(t *testing.T) *wsHarness {
	h := &wsHarness{
		t:       t,
		inbound: make(chan model.Message, 128),
	}
	atomic.StoreInt32(&h.accept, 1)
	h.srv = httptest.NewServer(http.HandlerFunc(h.serve))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *wsHarness) serve(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&h.dials, 1)
	if atomic.LoadInt32(&h.accept) == 0 {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sc := &serverConn{conn: conn}
	h.mu.Lock()
	h.conns = append(h.conns, sc)
	h.mu.Unlock()

	for {
		var msg model.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type == model.MessageTypePing && atomic.LoadInt32(&h.autoPong) == 1 {
			var ping model.PingPayload
			_ = msg.Decode(&ping)
			pong, _ := model.NewMessage(model.MessageTypePong, model.PongPayload{Timestamp: ping.Timestamp})
			_ = sc.writeJSON(pong)
		}
		select {
		case h.inbound <- msg:
		default:
		}
	}
}

func (h *wsHarness) url() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

func (h *wsHarness) setAccept(ok bool) {
	v := int32(0)
	if ok {
		v = 1
	}
	atomic.StoreInt32(&h.accept, v)
}

func (h *wsHarness) setAutoPong(ok bool) {
	v := int32(0)
	if ok {
		v = 1
	}
	atomic.StoreInt32(&h.autoPong, v)
}

func (h *wsHarness) dialCount() int {
	return int(atomic.LoadInt32(&h.dials))
}

// send pushes a message down the most recent connection.
func (h *wsHarness) send(t *testing.T, typ model.MessageType, payload interface{}) {
	t.Helper()
	msg, err := model.NewMessage(typ, payload)
	require.NoError(t, err)

	h.mu.Lock()
	require.NotEmpty(t, h.conns, "no server connection to send on")
	sc := h.conns[len(h.conns)-1]
	h.mu.Unlock()

	require.NoError(t, sc.writeJSON(msg))
}

// dropAll kills every connection without a close frame, which the client
// must treat as an abnormal close.
func (h *wsHarness) dropAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sc := range h.conns {
		sc.conn.Close()
	}
	h.conns = nil
}

// closeAllNormal performs a clean server-initiated shutdown.
func (h *wsHarness) closeAllNormal() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sc := range h.conns {
		sc.wmu.Lock()
		sc.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		sc.wmu.Unlock()
		sc.conn.Close()
	}
	h.conns = nil
}

// waitInbound waits for the next client frame of the given type,
// skipping unrelated traffic.
func (h *wsHarness) waitInbound(t *testing.T, typ model.MessageType, timeout time.Duration) model.Message {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-h.inbound:
			if msg.Type == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", typ)
			return model.Message{}
		}
	}
}

type stateRecorder struct {
	mu      sync.Mutex
	changes []stateChange
}

func (r *stateRecorder) record(old, new ConnState, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, stateChange{old: old, new: new, reason: reason})
}

func (r *stateRecorder) has(state ConnState, reasonContains string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.changes {
		if ch.new == state && strings.Contains(ch.reason, reasonContains) {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestClient(t *testing.T, h *wsHarness, mut func(*WSConfig)) (*WSClient, *stateRecorder) {
	t.Helper()
	cfg := WSConfig{
		URL:               h.url(),
		Credentials:       StaticCredential("test-token"),
		Backoff:           BackoffPolicy{Base: 10 * time.Millisecond, Growth: 2, Cap: 40 * time.Millisecond},
		MaxAttempts:       3,
		HeartbeatInterval: 40 * time.Millisecond,
		PongTimeout:       25 * time.Millisecond,
	}
	if mut != nil {
		mut(&cfg)
	}

	c := NewWSClient(cfg)
	rec := &stateRecorder{}
	c.OnStateChange(rec.record)
	t.Cleanup(c.Close)
	return c, rec
}

func TestWSClientConnectSendsAuthThenSubscribe(t *testing.T) {
	h := newWSHarness(t)
	c, rec := newTestClient(t, h, func(cfg *WSConfig) {
		cfg.HeartbeatInterval = time.Second // keep pings out of the way
	})

	require.NoError(t, c.Connect())
	assert.Equal(t, StateConnected, c.State())

	auth := h.waitInbound(t, model.MessageTypeAuth, 2*time.Second)
	var authPayload model.AuthPayload
	require.NoError(t, auth.Decode(&authPayload))
	assert.Equal(t, "test-token", authPayload.Token)

	sub := h.waitInbound(t, model.MessageTypeSubscribe, 2*time.Second)
	var subPayload model.SubscribePayload
	require.NoError(t, sub.Decode(&subPayload))
	assert.Equal(t, model.DefaultChannels(), subPayload.Channels)

	assert.True(t, rec.has(StateConnecting, ""))
	assert.True(t, rec.has(StateConnected, ""))
}

func TestWSClientConnectIsIdempotent(t *testing.T) {
	h := newWSHarness(t)
	c, _ := newTestClient(t, h, nil)

	require.NoError(t, c.Connect())
	require.NoError(t, c.Connect())
	require.NoError(t, c.Connect())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.dialCount(), "repeated Connect must not open extra connections")
}

func TestWSClientHeartbeatKeepsConnectionAlive(t *testing.T) {
	h := newWSHarness(t)
	h.setAutoPong(true)
	c, _ := newTestClient(t, h, func(cfg *WSConfig) {
		cfg.HeartbeatInterval = 30 * time.Millisecond
		cfg.PongTimeout = 100 * time.Millisecond
	})

	require.NoError(t, c.Connect())
	h.waitInbound(t, model.MessageTypePing, 2*time.Second)

	// Several heartbeat cycles later we are still on the same connection.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 1, h.dialCount())

	stats := c.Stats()
	require.NotNil(t, stats.LastPongAt)
	assert.WithinDuration(t, time.Now(), *stats.LastPongAt, time.Second)
}

func TestWSClientMissedPongForcesReconnect(t *testing.T) {
	h := newWSHarness(t)
	c, rec := newTestClient(t, h, func(cfg *WSConfig) {
		cfg.HeartbeatInterval = 30 * time.Millisecond
		cfg.PongTimeout = 20 * time.Millisecond
	})

	require.NoError(t, c.Connect())

	waitFor(t, 2*time.Second, func() bool {
		return rec.has(StateDisconnected, "heartbeat timeout")
	}, "client never treated the missed pong as connection death")

	// Answer pings from now on so the next connection survives.
	h.setAutoPong(true)
	waitFor(t, 2*time.Second, func() bool {
		return h.dialCount() >= 2 && c.State() == StateConnected
	}, "client never recovered after the heartbeat timeout")

	assert.GreaterOrEqual(t, c.Stats().Reconnects, uint64(1))
}

func TestWSClientReconnectsAfterAbnormalClose(t *testing.T) {
	h := newWSHarness(t)
	h.setAutoPong(true)
	c, rec := newTestClient(t, h, nil)

	require.NoError(t, c.Connect())
	h.dropAll()

	waitFor(t, 2*time.Second, func() bool {
		return h.dialCount() >= 2 && c.State() == StateConnected
	}, "client never reconnected after an abnormal close")

	assert.True(t, rec.has(StateDisconnected, "connection lost"))
	assert.True(t, rec.has(StateConnecting, ""))
}

func TestWSClientExhaustsAttemptsThenRequiresExplicitReconnect(t *testing.T) {
	h := newWSHarness(t)
	c, rec := newTestClient(t, h, nil)

	require.NoError(t, c.Connect())
	require.Equal(t, 1, h.dialCount())

	// Take the server away and kill the connection: 3 attempts, then the
	// terminal error state.
	h.setAccept(false)
	h.dropAll()

	waitFor(t, 3*time.Second, func() bool {
		return c.State() == StateError
	}, "client never reached the error state")
	assert.True(t, rec.has(StateError, "max reconnect attempts"))

	dialsAtError := h.dialCount()
	assert.Equal(t, 4, dialsAtError, "1 initial dial + 3 reconnect attempts")

	// No timer may be pending in the error state.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, dialsAtError, h.dialCount(), "error state must not keep dialing")

	// Connect is refused; only Reconnect resets the budget.
	assert.ErrorIs(t, c.Connect(), ErrReconnectRequired)

	h.setAccept(true)
	require.NoError(t, c.Reconnect())
	assert.Equal(t, StateConnected, c.State())
	assert.Zero(t, c.Stats().Attempt)
}

func TestWSClientManualDisconnectStopsRecovery(t *testing.T) {
	h := newWSHarness(t)
	c, _ := newTestClient(t, h, nil)

	require.NoError(t, c.Connect())
	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())

	// Well past every backoff delay: still exactly one dial.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, h.dialCount(), "manual disconnect must not schedule a reconnect")

	// The client is reusable afterwards.
	require.NoError(t, c.Connect())
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 2, h.dialCount())
}

func TestWSClientServerNormalClosureDoesNotReconnect(t *testing.T) {
	h := newWSHarness(t)
	c, rec := newTestClient(t, h, nil)

	require.NoError(t, c.Connect())
	h.closeAllNormal()

	waitFor(t, 2*time.Second, func() bool {
		return rec.has(StateDisconnected, "server closed")
	}, "client never observed the clean close")

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 1, h.dialCount())
}

func TestWSClientAuthErrorIsTerminalWithoutBurningAttempts(t *testing.T) {
	h := newWSHarness(t)
	c, rec := newTestClient(t, h, nil)

	require.NoError(t, c.Connect())
	h.send(t, model.MessageTypeAuthError, model.AuthErrorPayload{Message: "token expired"})

	waitFor(t, 2*time.Second, func() bool {
		return c.State() == StateError
	}, "auth_error never moved the client to the error state")
	assert.True(t, rec.has(StateError, "auth rejected"))

	// A bad credential must not trigger the retry machinery at all.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, h.dialCount())
	assert.Zero(t, c.Stats().Attempt)

	// With a fresh credential the caller recovers via Reconnect.
	require.NoError(t, c.Reconnect())
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 2, h.dialCount())
}

func TestWSClientSendRequiresConnection(t *testing.T) {
	c := NewWSClient(WSConfig{URL: "ws://127.0.0.1:1/ws"})
	t.Cleanup(c.Close)

	msg, err := model.NewMessage(model.MessageTypePing, model.PingPayload{Timestamp: 1})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Send(msg), ErrNotConnected)
}

func TestWSClientCloseIsFinal(t *testing.T) {
	h := newWSHarness(t)
	c, _ := newTestClient(t, h, nil)

	require.NoError(t, c.Connect())
	c.Close()

	assert.ErrorIs(t, c.Connect(), ErrClosed)
	assert.ErrorIs(t, c.Reconnect(), ErrClosed)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestWSClientForwardsFramesDownstream(t *testing.T) {
	h := newWSHarness(t)
	c, _ := newTestClient(t, h, nil)

	var mu sync.Mutex
	var types []model.MessageType
	router := NewRouter()
	router.Subscribe(func(msg model.Message) {
		mu.Lock()
		types = append(types, msg.Type)
		mu.Unlock()
	})
	c.OnFrame(router.Dispatch)

	require.NoError(t, c.Connect())
	h.send(t, model.MessageTypeConnectionAck, model.ConnectionAckPayload{ClientID: "c1"})
	h.send(t, model.MessageTypeProposalCreated, model.Proposal{ID: "p1", Symbol: "NVDA"})

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(types) >= 2
	}, "frames never reached the router")

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, types, model.MessageTypeConnectionAck)
	assert.Contains(t, types, model.MessageTypeProposalCreated)
}
