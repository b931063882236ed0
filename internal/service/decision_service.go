package service

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"tradeassist/gateway/internal/model"
	"tradeassist/gateway/internal/util"
	"tradeassist/gateway/pkg/assistant"
	"tradeassist/gateway/pkg/logger"
)

// UpstreamAPI is the REST surface of the assistant server that the sync
// layer depends on.
type UpstreamAPI interface {
	Health(ctx context.Context) (*assistant.HealthStatus, error)
	GetProposals(ctx context.Context) ([]model.Proposal, error)
	SubmitDecision(ctx context.Context, d model.Decision) (*assistant.DecisionResponse, error)
	ClearProposals(ctx context.Context) error
}

// Broadcaster fans messages out to local dashboard connections
type Broadcaster interface {
	Broadcast(msg model.Message)
	BroadcastChannel(channel string, msg model.Message)
}

// DecisionService submits decisions to the system of record and applies
// the outcome to the local replica. Write-through: the replica never
// changes unless the server accepted the decision first.
type DecisionService struct {
	api   UpstreamAPI
	store *ProposalStore
	hub   Broadcaster
	log   *logger.Logger

	mu       sync.Mutex
	inflight map[string]bool
}

func NewDecisionService(api UpstreamAPI, store *ProposalStore, hub Broadcaster) *DecisionService {
	return &DecisionService{
		api:      api,
		store:    store,
		hub:      hub,
		log:      logger.Component("decision"),
		inflight: make(map[string]bool),
	}
}

// Submit records an approve/reject decision upstream, then mirrors the
// new status locally and reports the execution outcome. An execution
// failure is not an error here: the decision stands, Executed is false
// and ExecutionError carries the reason.
func (s *DecisionService) Submit(ctx context.Context, proposalID string, req model.DecisionRequest) (*model.DecisionResult, error) {
	if !model.ValidDecision(req.Decision) {
		return nil, util.ErrValidation("decision must be APPROVED or REJECTED")
	}

	p, ok := s.store.Get(proposalID)
	if !ok {
		return nil, util.ErrProposalNotFound(proposalID)
	}
	if !p.IsPending() {
		// Expiry is asserted by the server, never by the local clock;
		// the replica's status is only replayed here.
		if p.Status == model.ProposalStatusExpired {
			return nil, util.ErrProposalExpired(proposalID)
		}
		return nil, util.ErrAlreadyDecided(proposalID)
	}

	if !s.begin(proposalID) {
		return nil, util.ErrConflict("Decision already in progress: " + proposalID)
	}
	defer s.end(proposalID)

	decision := model.Decision{
		ProposalID: proposalID,
		Decision:   req.Decision,
		Notes:      req.Notes,
	}

	resp, err := s.api.SubmitDecision(ctx, decision)
	if err != nil {
		return nil, s.mapSubmitError(proposalID, err)
	}

	status := model.ProposalStatusRejected
	if req.Decision == model.DecisionApproved {
		status = model.ProposalStatusApproved
	}
	s.store.UpdateStatus(proposalID, status)
	p.Status = status

	result := &model.DecisionResult{
		Decision:       decision,
		Proposal:       p,
		Executed:       resp.Executed,
		ExecutionError: resp.Error,
	}

	if result.ExecutionFailed() {
		s.log.Warnf("Decision recorded but execution failed: proposal=%s error=%s", proposalID, resp.Error)
	} else {
		s.log.Infof("Decision submitted: proposal=%s decision=%s executed=%v", proposalID, req.Decision, resp.Executed)
	}

	if s.hub != nil {
		if msg, err := model.NewMessage(model.MessageTypeDecisionResult, result); err == nil {
			s.hub.Broadcast(msg)
		}
	}

	return result, nil
}

// ClearAll bulk-resets the server's pending proposals, then re-fetches
// the list so the replica shows the server's post-clear state rather
// than a local guess. Returns how many pending proposals the reset
// covered.
func (s *DecisionService) ClearAll(ctx context.Context) (int, error) {
	pending := s.store.PendingCount()

	if err := s.api.ClearProposals(ctx); err != nil {
		return 0, s.upstreamFailure(err)
	}

	proposals, err := s.api.GetProposals(ctx)
	if err != nil {
		// The server accepted the reset; stale pending rows must not
		// survive locally just because the snapshot fetch failed.
		s.store.Clear()
		s.log.Warnf("Post-clear fetch failed, replica emptied: %v", err)
	} else {
		s.store.ReplaceAll(proposals)
	}
	s.log.Infof("Cleared %d pending proposals", pending)

	if s.hub != nil {
		if msg, err := model.NewMessage(model.MessageTypeProposalBatch, s.store.List()); err == nil {
			s.hub.BroadcastChannel(model.ChannelProposals, msg)
		}
	}

	return pending, nil
}

func (s *DecisionService) begin(proposalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[proposalID] {
		return false
	}
	s.inflight[proposalID] = true
	return true
}

func (s *DecisionService) end(proposalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, proposalID)
}

// mapSubmitError translates an upstream rejection into the local error
// vocabulary. The server stays authoritative: its 404/409 win over
// whatever the replica believed.
func (s *DecisionService) mapSubmitError(proposalID string, err error) error {
	var apiErr *assistant.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusNotFound:
			return util.ErrProposalNotFound(proposalID)
		case http.StatusConflict:
			return util.ErrAlreadyDecided(proposalID)
		}
	}
	return s.upstreamFailure(err)
}

func (s *DecisionService) upstreamFailure(err error) error {
	if util.IsConnectionError(err) {
		return util.WrapError(http.StatusServiceUnavailable,
			util.ErrCodeUpstreamUnavailable, "Assistant server unreachable", err)
	}
	var apiErr *assistant.APIError
	if errors.As(err, &apiErr) {
		return util.WrapError(http.StatusBadGateway, util.ErrCodeUpstreamError, apiErr.Message, err)
	}
	return util.WrapError(http.StatusBadGateway, util.ErrCodeUpstreamError, "Assistant request failed", err)
}
