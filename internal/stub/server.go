package stub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"tradeassist/gateway/internal/config"
	"tradeassist/gateway/internal/hub"
	"tradeassist/gateway/internal/middleware"
	"tradeassist/gateway/internal/model"
	"tradeassist/gateway/pkg/jwt"
	"tradeassist/gateway/pkg/logger"
	redispkg "tradeassist/gateway/pkg/redis"
)

// ProposalRequest is the intake body an analysis engine posts.
// TTLMinutes overrides the configured expiry window; zero means the
// proposal never expires.
type ProposalRequest struct {
	Symbol     string  `json:"symbol" binding:"required"`
	Action     string  `json:"action" binding:"required,oneof=BUY SELL"`
	Quantity   int     `json:"quantity" binding:"required,gt=0"`
	Price      float64 `json:"price" binding:"required,gt=0"`
	Reason     string  `json:"reason"`
	Strategy   string  `json:"strategy"`
	TTLMinutes *int    `json:"ttl_minutes"`
}

// Server is a stand-in for the assistant backend: it owns the proposal
// system of record, streams events to connected gateways over the hub
// (optionally bridged through Redis pub/sub), and runs the executor for
// approved proposals. Responses are plain JSON, matching the surface
// the gateway's REST client consumes.
type Server struct {
	cfg    *config.Config
	store  Store
	exec   Executor
	hub    *hub.Hub
	redis  *redispkg.Client
	cron   *cron.Cron
	engine *gin.Engine
	log    *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New wires the stub server. redisClient may be nil; events then go
// straight to the hub instead of through pub/sub.
func New(cfg *config.Config, store Store, exec Executor, h *hub.Hub, redisClient *redispkg.Client) (*Server, error) {
	s := &Server{
		cfg:   cfg,
		store: store,
		exec:  exec,
		hub:   h,
		redis: redisClient,
		cron:  cron.New(),
		log:   logger.Component("stub"),
	}

	h.RequireAuth = true
	h.SetOnMessage(newWSProtocol(h, jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpire)).handle)

	if _, err := s.cron.AddFunc(cfg.Stub.ExpirySchedule, s.sweepExpired); err != nil {
		return nil, fmt.Errorf("invalid expiry schedule %q: %w", cfg.Stub.ExpirySchedule, err)
	}

	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(s.log))
	r.Use(middleware.Recovery(s.log))

	r.GET("/health", s.health)
	r.GET("/proposals", s.listProposals)
	r.GET("/api/trade-proposals", s.listProposalsLegacy)
	r.POST("/proposals", s.createProposal)
	r.POST("/decisions", s.submitDecision)
	r.POST("/clear-proposals", s.clearProposals)
	r.GET("/logs", s.recentLogs)
	r.GET("/ws", h.ServeWS)

	s.engine = r
	return s, nil
}

// Router exposes the HTTP handler, mainly for serving and tests.
func (s *Server) Router() *gin.Engine {
	return s.engine
}

// Start launches the expiry sweep and, when Redis is configured, the
// pub/sub bridge onto the hub.
func (s *Server) Start() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if s.redis != nil {
		go s.hub.StartPubSubListener(s.ctx, model.ChannelProposals, model.ChannelTradeLogs)
	}
	s.cron.Start()
	s.log.Infof("Stub server background jobs started: expiry=%q redis=%v",
		s.cfg.Stub.ExpirySchedule, s.redis != nil)
}

// Stop halts background jobs, waiting for a running sweep to finish.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Server) health(c *gin.Context) {
	redisStatus := "disconnected"
	if s.redis != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.redis.Ping(ctx); err == nil {
			redisStatus = "connected"
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"redis":  redisStatus,
	})
}

func (s *Server) listProposals(c *gin.Context) {
	pending, err := s.store.ListPending(c.Request.Context())
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if pending == nil {
		pending = []model.Proposal{}
	}
	c.JSON(http.StatusOK, gin.H{
		"proposals": pending,
		"count":     len(pending),
	})
}

// listProposalsLegacy serves the bare-array shape older frontends read.
func (s *Server) listProposalsLegacy(c *gin.Context) {
	pending, err := s.store.ListPending(c.Request.Context())
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if pending == nil {
		pending = []model.Proposal{}
	}
	c.JSON(http.StatusOK, pending)
}

func (s *Server) createProposal(c *gin.Context) {
	var req ProposalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	p := model.Proposal{
		ID:        uuid.New().String(),
		Symbol:    strings.ToUpper(req.Symbol),
		Action:    req.Action,
		Quantity:  req.Quantity,
		Price:     req.Price,
		Reason:    req.Reason,
		Strategy:  req.Strategy,
		Status:    model.ProposalStatusPending,
		CreatedAt: now,
	}

	ttl := s.cfg.Stub.ProposalTTL
	if req.TTLMinutes != nil {
		ttl = time.Duration(*req.TTLMinutes) * time.Minute
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		p.ExpiresAt = &expires
	}

	if err := s.store.SaveProposal(c.Request.Context(), p); err != nil {
		s.fail(c, http.StatusInternalServerError, err.Error())
		return
	}

	s.broadcastProposal(model.MessageTypeProposalCreated, p)
	s.audit(c.Request.Context(), model.LogLevelInfo,
		fmt.Sprintf("Proposal received: %s %d %s @ %.2f", p.Action, p.Quantity, p.Symbol, p.Price),
		p.Symbol, "")

	c.JSON(http.StatusCreated, gin.H{"proposal": p})
}

func (s *Server) submitDecision(c *gin.Context) {
	var d model.Decision
	if err := c.ShouldBindJSON(&d); err != nil {
		s.fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if d.ProposalID == "" {
		s.fail(c, http.StatusBadRequest, "proposal_id is required")
		return
	}
	if !model.ValidDecision(d.Decision) {
		s.fail(c, http.StatusBadRequest, fmt.Sprintf("Invalid decision: %s", d.Decision))
		return
	}

	ctx := c.Request.Context()
	p, ok, err := s.store.GetProposal(ctx, d.ProposalID)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		s.fail(c, http.StatusNotFound, fmt.Sprintf("Proposal not found: %s", d.ProposalID))
		return
	}
	if !p.IsPending() {
		s.fail(c, http.StatusConflict,
			fmt.Sprintf("Proposal already %s: %s", strings.ToLower(p.Status), p.ID))
		return
	}

	// The sweep may not have caught up yet; a decision on an expired
	// proposal still loses.
	if p.IsExpired(time.Now().UTC()) {
		p.Status = model.ProposalStatusExpired
		if err := s.store.UpdateStatus(ctx, p.ID, p.Status); err != nil {
			s.fail(c, http.StatusInternalServerError, err.Error())
			return
		}
		s.broadcastProposal(model.MessageTypeProposalUpdated, p)
		s.fail(c, http.StatusConflict, fmt.Sprintf("Proposal expired: %s", p.ID))
		return
	}

	if err := s.store.SaveDecision(ctx, d); err != nil {
		s.fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	p.Status = d.Decision
	if err := s.store.UpdateStatus(ctx, p.ID, p.Status); err != nil {
		s.fail(c, http.StatusInternalServerError, err.Error())
		return
	}

	s.broadcastProposal(model.MessageTypeProposalUpdated, p)
	s.audit(ctx, model.LogLevelInfo,
		fmt.Sprintf("Decision recorded: %s %s %d %s", d.Decision, p.Action, p.Quantity, p.Symbol),
		p.Symbol, "")

	if d.Decision != model.DecisionApproved {
		c.JSON(http.StatusOK, gin.H{"executed": false})
		return
	}

	orderID, execErr := s.exec.Execute(ctx, p)
	if execErr != nil {
		s.audit(ctx, model.LogLevelError,
			fmt.Sprintf("Order failed: %s %d %s: %v", p.Action, p.Quantity, p.Symbol, execErr),
			p.Symbol, "")
		c.JSON(http.StatusOK, gin.H{"executed": false, "error": execErr.Error()})
		return
	}

	s.audit(ctx, model.LogLevelInfo,
		fmt.Sprintf("Order placed: %s %d %s @ %.2f", p.Action, p.Quantity, p.Symbol, p.Price),
		p.Symbol, orderID)
	c.JSON(http.StatusOK, gin.H{"executed": true})
}

func (s *Server) clearProposals(c *gin.Context) {
	ctx := c.Request.Context()
	n, err := s.store.ExpireAllPending(ctx)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err.Error())
		return
	}

	if batch, err := model.NewMessage(model.MessageTypeProposalBatch, []model.Proposal{}); err == nil {
		s.publish(model.ChannelProposals, batch)
	}
	if n > 0 {
		s.audit(ctx, model.LogLevelWarn, fmt.Sprintf("Cleared %d pending proposals", n), "", "")
	}

	c.JSON(http.StatusOK, gin.H{"cleared": n})
}

func (s *Server) recentLogs(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	logs, err := s.store.RecentTradeLogs(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if logs == nil {
		logs = []model.TradeLog{}
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}

// sweepExpired is the cron target: it flips pending proposals past
// their deadline and announces each flip.
func (s *Server) sweepExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	flipped, err := s.store.ExpireDue(ctx, time.Now().UTC())
	if err != nil {
		s.log.Errorf("Expiry sweep failed: %v", err)
		return
	}
	if len(flipped) == 0 {
		return
	}

	for _, p := range flipped {
		s.broadcastProposal(model.MessageTypeProposalUpdated, p)
		s.audit(ctx, model.LogLevelWarn,
			fmt.Sprintf("Proposal expired undecided: %s %d %s", p.Action, p.Quantity, p.Symbol),
			p.Symbol, "")
	}
	s.log.Infof("Expiry sweep flipped %d proposals", len(flipped))
}

func (s *Server) broadcastProposal(t model.MessageType, p model.Proposal) {
	msg, err := model.NewMessage(t, p)
	if err != nil {
		s.log.Errorf("Failed to encode %s broadcast: %v", t, err)
		return
	}
	s.publish(model.ChannelProposals, msg)
}

// publish routes an event through Redis pub/sub when available so
// external publishers and multiple server instances share one fan-out
// path. Without Redis (or when it is down) delivery degrades to the
// local hub.
func (s *Server) publish(channel string, msg model.Message) {
	if s.redis != nil {
		data, err := json.Marshal(msg)
		if err != nil {
			s.log.Errorf("Failed to encode pub/sub payload: %v", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = s.redis.Publish(ctx, channel, data)
		cancel()
		if err == nil {
			return
		}
		s.log.Warnf("Redis publish on %s failed, delivering directly: %v", channel, err)
	}
	s.hub.BroadcastChannel(channel, msg)
}

// audit records a trade log line and streams it to subscribers.
func (s *Server) audit(ctx context.Context, level, message, symbol, orderID string) {
	entry := model.TradeLog{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Symbol:    symbol,
		OrderID:   orderID,
	}
	if err := s.store.SaveTradeLog(ctx, entry); err != nil {
		s.log.Warnf("Failed to persist trade log: %v", err)
	}
	msg, err := model.NewMessage(model.MessageTypeTradeLog, entry)
	if err != nil {
		return
	}
	s.publish(model.ChannelTradeLogs, msg)
}

func (s *Server) fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}
