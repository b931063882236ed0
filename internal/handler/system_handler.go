package handler

import (
	"context"
	"net/http"
	"time"

	"tradeassist/gateway/internal/service"
	"tradeassist/gateway/internal/util"

	"github.com/gin-gonic/gin"
)

type SystemHandler struct {
	sync    *service.SyncService
	started time.Time
}

func NewSystemHandler(sync *service.SyncService) *SystemHandler {
	return &SystemHandler{
		sync:    sync,
		started: time.Now(),
	}
}

// Health is the gateway's own liveness endpoint. It always answers 200
// while the process runs; the upstream connection state rides along as
// information, not as a failure.
func (h *SystemHandler) Health(c *gin.Context) {
	status := h.sync.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"connection":     status.Connection,
		"uptime_seconds": int(time.Since(h.started).Seconds()),
	})
}

// GetStatus returns the full replication snapshot
func (h *SystemHandler) GetStatus(c *gin.Context) {
	util.SendSuccess(c, h.sync.Status())
}

// CheckUpstream probes the assistant server's REST health endpoint
func (h *SystemHandler) CheckUpstream(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	health, err := h.sync.CheckUpstream(ctx)
	if err != nil {
		util.SendError(c, util.WrapError(http.StatusServiceUnavailable,
			util.ErrCodeUpstreamUnavailable, "Assistant server unreachable", err))
		return
	}

	util.SendSuccess(c, health)
}

// Reconnect forces a fresh upstream connection with a reset attempt
// budget
func (h *SystemHandler) Reconnect(c *gin.Context) {
	if err := h.sync.Reconnect(); err != nil {
		util.SendError(c, util.ErrInternalServer("Reconnect failed: "+err.Error()))
		return
	}

	util.SendSuccessWithMessage(c, h.sync.Status(), "Reconnect initiated")
}

// Disconnect drops the upstream connection and disables automatic
// recovery until the next reconnect
func (h *SystemHandler) Disconnect(c *gin.Context) {
	h.sync.Disconnect()
	util.SendSuccessWithMessage(c, h.sync.Status(), "Disconnected")
}
