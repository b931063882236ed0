package handler

import (
	"strconv"
	"strings"

	"tradeassist/gateway/internal/model"
	"tradeassist/gateway/internal/service"
	"tradeassist/gateway/internal/util"

	"github.com/gin-gonic/gin"
)

type ProposalHandler struct {
	store     *service.ProposalStore
	decisions *service.DecisionService
	logs      *service.LogBuffer
}

func NewProposalHandler(store *service.ProposalStore, decisions *service.DecisionService, logs *service.LogBuffer) *ProposalHandler {
	return &ProposalHandler{
		store:     store,
		decisions: decisions,
		logs:      logs,
	}
}

// GetProposals returns the replicated proposal list, optionally filtered
// by status
func (h *ProposalHandler) GetProposals(c *gin.Context) {
	status := strings.ToUpper(c.Query("status"))

	var proposals []model.Proposal
	switch status {
	case "":
		proposals = h.store.List()
	case model.ProposalStatusPending, model.ProposalStatusApproved,
		model.ProposalStatusRejected, model.ProposalStatusExpired:
		proposals = h.store.ListByStatus(status)
	default:
		util.SendError(c, util.ErrValidation("Unknown status filter: "+status))
		return
	}

	util.SendSuccess(c, gin.H{
		"proposals": proposals,
		"count":     len(proposals),
	})
}

// GetProposal returns a single proposal by ID
func (h *ProposalHandler) GetProposal(c *gin.Context) {
	id := c.Param("id")
	p, ok := h.store.Get(id)
	if !ok {
		util.SendError(c, util.ErrProposalNotFound(id))
		return
	}

	util.SendSuccess(c, p)
}

// SubmitDecision records an approve/reject decision for a proposal
func (h *ProposalHandler) SubmitDecision(c *gin.Context) {
	id := c.Param("id")

	var req model.DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.SendValidationError(c, err.Error())
		return
	}

	result, err := h.decisions.Submit(c.Request.Context(), id, req)
	if err != nil {
		util.SendError(c, err)
		return
	}

	util.SendSuccess(c, result)
}

// ClearProposals bulk-resets the proposal list
func (h *ProposalHandler) ClearProposals(c *gin.Context) {
	n, err := h.decisions.ClearAll(c.Request.Context())
	if err != nil {
		util.SendError(c, err)
		return
	}

	util.SendSuccessWithMessage(c, gin.H{"cleared": n}, "Proposals cleared")
}

// GetLogs returns the most recent trade logs
func (h *ProposalHandler) GetLogs(c *gin.Context) {
	limitStr := c.DefaultQuery("limit", "100")
	limit, _ := strconv.Atoi(limitStr)
	if limit > 500 {
		limit = 500
	}

	logs := h.logs.Recent(limit)
	util.SendSuccess(c, gin.H{
		"logs":  logs,
		"count": len(logs),
	})
}
