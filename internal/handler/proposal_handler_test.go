package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tradeassist/gateway/internal/model"
	"tradeassist/gateway/internal/service"
	"tradeassist/gateway/pkg/assistant"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUpstream struct {
	submitResp *assistant.DecisionResponse
	submitErr  error
	clearErr   error
	healthErr  error
}

func (f *fakeUpstream) Health(ctx context.Context) (*assistant.HealthStatus, error) {
	if f.healthErr != nil {
		return nil, f.healthErr
	}
	return &assistant.HealthStatus{Status: "ok", Redis: "connected"}, nil
}

func (f *fakeUpstream) GetProposals(ctx context.Context) ([]model.Proposal, error) {
	return nil, nil
}

func (f *fakeUpstream) SubmitDecision(ctx context.Context, d model.Decision) (*assistant.DecisionResponse, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	if f.submitResp != nil {
		return f.submitResp, nil
	}
	return &assistant.DecisionResponse{Executed: true}, nil
}

func (f *fakeUpstream) ClearProposals(ctx context.Context) error {
	return f.clearErr
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newProposalRouter(t *testing.T, upstream *fakeUpstream) (*gin.Engine, *service.ProposalStore, *service.LogBuffer) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := service.NewProposalStore()
	logs := service.NewLogBuffer(16)
	decisions := service.NewDecisionService(upstream, store, nil)
	h := NewProposalHandler(store, decisions, logs)

	r := gin.New()
	v1 := r.Group("/api/v1")
	{
		v1.GET("/proposals", h.GetProposals)
		v1.GET("/proposals/:id", h.GetProposal)
		v1.POST("/proposals/:id/decision", h.SubmitDecision)
		v1.POST("/proposals/clear", h.ClearProposals)
		v1.GET("/logs", h.GetLogs)
	}
	return r, store, logs
}

func doRequest(r *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, apiEnvelope) {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var envelope apiEnvelope
	_ = json.Unmarshal(w.Body.Bytes(), &envelope)
	return w, envelope
}

func seedProposal(store *service.ProposalStore, id, status string) {
	store.Upsert(model.Proposal{
		ID:        id,
		Symbol:    "AAPL",
		Action:    model.ActionBuy,
		Quantity:  10,
		Price:     187.5,
		Status:    status,
		CreatedAt: time.Now(),
	})
}

func TestGetProposalsReturnsAll(t *testing.T) {
	r, store, _ := newProposalRouter(t, &fakeUpstream{})
	seedProposal(store, "p1", model.ProposalStatusPending)
	seedProposal(store, "p2", model.ProposalStatusApproved)

	w, envelope := doRequest(r, http.MethodGet, "/api/v1/proposals", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, envelope.Success)

	var data struct {
		Proposals []model.Proposal `json:"proposals"`
		Count     int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(envelope.Data, &data))
	assert.Equal(t, 2, data.Count)
	assert.Equal(t, "p2", data.Proposals[0].ID, "newest first")
}

func TestGetProposalsStatusFilter(t *testing.T) {
	r, store, _ := newProposalRouter(t, &fakeUpstream{})
	seedProposal(store, "p1", model.ProposalStatusPending)
	seedProposal(store, "p2", model.ProposalStatusApproved)

	w, envelope := doRequest(r, http.MethodGet, "/api/v1/proposals?status=pending", "")
	require.Equal(t, http.StatusOK, w.Code)

	var data struct {
		Proposals []model.Proposal `json:"proposals"`
		Count     int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(envelope.Data, &data))
	require.Equal(t, 1, data.Count)
	assert.Equal(t, "p1", data.Proposals[0].ID)
}

func TestGetProposalsRejectsUnknownFilter(t *testing.T) {
	r, _, _ := newProposalRouter(t, &fakeUpstream{})

	w, envelope := doRequest(r, http.MethodGet, "/api/v1/proposals?status=bananas", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, "VALIDATION_ERROR", envelope.Error.Code)
}

func TestGetProposalByID(t *testing.T) {
	r, store, _ := newProposalRouter(t, &fakeUpstream{})
	seedProposal(store, "p1", model.ProposalStatusPending)

	w, envelope := doRequest(r, http.MethodGet, "/api/v1/proposals/p1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var p model.Proposal
	require.NoError(t, json.Unmarshal(envelope.Data, &p))
	assert.Equal(t, "AAPL", p.Symbol)
}

func TestGetProposalNotFound(t *testing.T) {
	r, _, _ := newProposalRouter(t, &fakeUpstream{})

	w, envelope := doRequest(r, http.MethodGet, "/api/v1/proposals/ghost", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, "PROPOSAL_NOT_FOUND", envelope.Error.Code)
}

func TestSubmitDecisionApproves(t *testing.T) {
	r, store, _ := newProposalRouter(t, &fakeUpstream{})
	seedProposal(store, "p1", model.ProposalStatusPending)

	w, envelope := doRequest(r, http.MethodPost, "/api/v1/proposals/p1/decision",
		`{"decision": "APPROVED", "notes": "ship it"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, envelope.Success)

	var result model.DecisionResult
	require.NoError(t, json.Unmarshal(envelope.Data, &result))
	assert.True(t, result.Executed)
	assert.Equal(t, model.ProposalStatusApproved, result.Proposal.Status)

	got, _ := store.Get("p1")
	assert.Equal(t, model.ProposalStatusApproved, got.Status)
}

func TestSubmitDecisionExecutionFailureIs200(t *testing.T) {
	upstream := &fakeUpstream{submitResp: &assistant.DecisionResponse{Executed: false, Error: "insufficient buying power"}}
	r, store, _ := newProposalRouter(t, upstream)
	seedProposal(store, "p1", model.ProposalStatusPending)

	w, envelope := doRequest(r, http.MethodPost, "/api/v1/proposals/p1/decision",
		`{"decision": "APPROVED"}`)
	require.Equal(t, http.StatusOK, w.Code, "a failed execution is reported, not erred")

	var result model.DecisionResult
	require.NoError(t, json.Unmarshal(envelope.Data, &result))
	assert.False(t, result.Executed)
	assert.Equal(t, "insufficient buying power", result.ExecutionError)
}

func TestSubmitDecisionValidatesBody(t *testing.T) {
	r, store, _ := newProposalRouter(t, &fakeUpstream{})
	seedProposal(store, "p1", model.ProposalStatusPending)

	w, envelope := doRequest(r, http.MethodPost, "/api/v1/proposals/p1/decision",
		`{"decision": "MAYBE"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, "VALIDATION_ERROR", envelope.Error.Code)

	got, _ := store.Get("p1")
	assert.Equal(t, model.ProposalStatusPending, got.Status)
}

func TestSubmitDecisionConflict(t *testing.T) {
	r, store, _ := newProposalRouter(t, &fakeUpstream{})
	seedProposal(store, "p1", model.ProposalStatusRejected)

	w, envelope := doRequest(r, http.MethodPost, "/api/v1/proposals/p1/decision",
		`{"decision": "APPROVED"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, "ALREADY_DECIDED", envelope.Error.Code)
}

func TestClearProposals(t *testing.T) {
	r, store, _ := newProposalRouter(t, &fakeUpstream{})
	seedProposal(store, "p1", model.ProposalStatusPending)
	seedProposal(store, "p2", model.ProposalStatusPending)

	w, envelope := doRequest(r, http.MethodPost, "/api/v1/proposals/clear", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, envelope.Success)

	var data struct {
		Cleared int `json:"cleared"`
	}
	require.NoError(t, json.Unmarshal(envelope.Data, &data))
	assert.Equal(t, 2, data.Cleared)
	assert.Zero(t, store.Len())
}

func TestGetLogs(t *testing.T) {
	r, _, logs := newProposalRouter(t, &fakeUpstream{})
	for i := 0; i < 5; i++ {
		logs.Append(model.TradeLog{ID: fmt.Sprintf("l%d", i), Message: "fill", Level: model.LogLevelInfo})
	}

	w, envelope := doRequest(r, http.MethodGet, "/api/v1/logs?limit=3", "")
	require.Equal(t, http.StatusOK, w.Code)

	var data struct {
		Logs  []model.TradeLog `json:"logs"`
		Count int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(envelope.Data, &data))
	assert.Equal(t, 3, data.Count)
	assert.Equal(t, "l4", data.Logs[0].ID, "newest first")
}
