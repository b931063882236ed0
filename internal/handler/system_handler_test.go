package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"tradeassist/gateway/internal/service"
	"tradeassist/gateway/pkg/assistant"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStream struct {
	stats       assistant.WSStats
	connects    int
	reconnects  int
	disconnects int
}

func (s *stubStream) OnFrame(fn assistant.FrameFunc)             {}
func (s *stubStream) OnStateChange(fn assistant.StateChangeFunc) {}
func (s *stubStream) Connect() error                             { s.connects++; return nil }
func (s *stubStream) Reconnect() error                           { s.reconnects++; return nil }
func (s *stubStream) Disconnect()                                { s.disconnects++ }
func (s *stubStream) Close()                                     {}
func (s *stubStream) State() assistant.ConnState                 { return s.stats.State }
func (s *stubStream) Stats() assistant.WSStats                   { return s.stats }

func newSystemRouter(t *testing.T, upstream *fakeUpstream, stream *stubStream) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := service.NewProposalStore()
	logs := service.NewLogBuffer(16)
	sync := service.NewSyncService(upstream, stream, store, logs, nil)
	require.NoError(t, sync.Start())

	h := NewSystemHandler(sync)

	r := gin.New()
	r.GET("/health", h.Health)
	v1 := r.Group("/api/v1")
	{
		v1.GET("/status", h.GetStatus)
		v1.GET("/upstream/health", h.CheckUpstream)
		v1.POST("/connection/reconnect", h.Reconnect)
		v1.POST("/connection/disconnect", h.Disconnect)
	}
	return r
}

func TestHealthAlwaysAnswers(t *testing.T) {
	stream := &stubStream{stats: assistant.WSStats{State: assistant.StateDisconnected}}
	r := newSystemRouter(t, &fakeUpstream{}, stream)

	w, _ := doRequest(r, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status     string `json:"status"`
		Connection string `json:"connection"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, string(assistant.StateDisconnected), body.Connection,
		"a dead upstream must not fail the gateway's own liveness")
}

func TestGetStatusSnapshot(t *testing.T) {
	stream := &stubStream{stats: assistant.WSStats{
		State:          assistant.StateConnected,
		FramesReceived: 3,
	}}
	r := newSystemRouter(t, &fakeUpstream{}, stream)

	w, envelope := doRequest(r, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, envelope.Success)

	var status service.SyncStatus
	require.NoError(t, json.Unmarshal(envelope.Data, &status))
	assert.Equal(t, string(assistant.StateConnected), status.Connection)
	assert.Equal(t, uint64(3), status.Upstream.FramesReceived)
}

func TestCheckUpstreamHealthy(t *testing.T) {
	r := newSystemRouter(t, &fakeUpstream{}, &stubStream{})

	w, envelope := doRequest(r, http.MethodGet, "/api/v1/upstream/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var health assistant.HealthStatus
	require.NoError(t, json.Unmarshal(envelope.Data, &health))
	assert.Equal(t, "ok", health.Status)
}

func TestCheckUpstreamUnreachable(t *testing.T) {
	upstream := &fakeUpstream{healthErr: errors.New("dial tcp: connection refused")}
	r := newSystemRouter(t, upstream, &stubStream{})

	w, envelope := doRequest(r, http.MethodGet, "/api/v1/upstream/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, "UPSTREAM_UNAVAILABLE", envelope.Error.Code)
}

func TestConnectionControls(t *testing.T) {
	stream := &stubStream{}
	r := newSystemRouter(t, &fakeUpstream{}, stream)

	w, envelope := doRequest(r, http.MethodPost, "/api/v1/connection/reconnect", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, envelope.Success)
	assert.Equal(t, 1, stream.reconnects)

	w, envelope = doRequest(r, http.MethodPost, "/api/v1/connection/disconnect", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, envelope.Success)
	assert.Equal(t, 1, stream.disconnects)
}
