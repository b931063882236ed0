package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradeassist/gateway/internal/config"
	"tradeassist/gateway/internal/handler"
	"tradeassist/gateway/internal/hub"
	"tradeassist/gateway/internal/middleware"
	"tradeassist/gateway/internal/service"
	"tradeassist/gateway/pkg/assistant"
	"tradeassist/gateway/pkg/jwt"
	"tradeassist/gateway/pkg/logger"
	"tradeassist/gateway/pkg/redis"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env file (ignore error in production)
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log := logger.GetLogger()

	log.Info("Starting TradeAssist gateway...")
	log.Infof("Environment: %s", cfg.Server.Env)
	log.Infof("Upstream: %s", cfg.Upstream.APIURL)

	// Initialize Redis for rate limiting. The gateway stays up without
	// it; the limiter falls open.
	log.Info("Connecting to Redis...")
	redisClient, err := redis.New(redis.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Warnf("Redis unavailable, rate limiting disabled: %v", err)
	} else {
		defer redisClient.Close()
		log.Info("✓ Redis connected")
	}

	// Set Gin mode
	if cfg.Server.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Local fan-out hub for attached views
	h := hub.New(nil)
	go h.Run()

	// Upstream clients share one credential
	creds := assistant.StaticCredential(cfg.Upstream.Token)
	api := assistant.NewClient(cfg.Upstream.APIURL, creds)

	wsURL := cfg.Upstream.WSURL
	if wsURL == "" {
		wsURL, err = api.WebSocketURL()
		if err != nil {
			log.Fatal("Failed to derive websocket URL", err)
		}
	}

	wsClient := assistant.NewWSClient(assistant.WSConfig{
		URL:         wsURL,
		Credentials: creds,
		Backoff: assistant.BackoffPolicy{
			Base:      cfg.Sync.BackoffBase,
			Growth:    cfg.Sync.BackoffGrowth,
			Cap:       cfg.Sync.BackoffCap,
			JitterMax: cfg.Sync.BackoffJitter,
		},
		MaxAttempts:       cfg.Sync.MaxReconnectAttempts,
		HeartbeatInterval: cfg.Sync.HeartbeatInterval,
		PongTimeout:       cfg.Sync.PongTimeout,
	})

	// Sync layer: local replica, log buffer, write-through decisions
	store := service.NewProposalStore()
	logs := service.NewLogBuffer(cfg.Sync.LogBufferSize)
	syncService := service.NewSyncService(api, wsClient, store, logs, h)
	decisionService := service.NewDecisionService(api, store, h)

	// JWT manager guards the mutating routes
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpire)

	// Initialize handlers
	proposalHandler := handler.NewProposalHandler(store, decisionService, logs)
	systemHandler := handler.NewSystemHandler(syncService)
	streamHandler := handler.NewStreamHandler(h)

	// Create Gin router
	router := gin.New()

	// Apply middleware
	router.Use(middleware.Recovery(log))
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(log))
	router.Use(middleware.CORS(cfg.CORS.AllowedOrigins))
	router.Use(middleware.RateLimit(redisClient, cfg.RateLimit.RequestsPerMinute))

	// Health check endpoint. The gateway answers even with the
	// upstream down; the body carries the connection state.
	router.GET("/health", systemHandler.Health)

	// Local stream for attached views
	router.GET("/ws", streamHandler.Serve)

	// API v1 group
	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", systemHandler.GetStatus)
		v1.GET("/upstream/health", systemHandler.CheckUpstream)
		v1.GET("/proposals", proposalHandler.GetProposals)
		v1.GET("/proposals/:id", proposalHandler.GetProposal)
		v1.GET("/logs", proposalHandler.GetLogs)

		// Mutating routes change the system of record upstream
		authed := v1.Group("")
		authed.Use(middleware.Auth(jwtManager))
		{
			authed.POST("/proposals/:id/decision",
				middleware.DecisionRateLimit(redisClient, cfg.RateLimit.DecisionRequestsPerMinute),
				proposalHandler.SubmitDecision)
			authed.POST("/proposals/clear", proposalHandler.ClearProposals)
			authed.POST("/connection/reconnect", systemHandler.Reconnect)
			authed.POST("/connection/disconnect", systemHandler.Disconnect)
		}
	}

	// Bring the upstream stream up; dial failures are retried by the
	// reconnect machinery, not here.
	if err := syncService.Start(); err != nil {
		log.Fatal("Failed to start sync service", err)
	}
	log.Info("✓ Sync service started")

	// Create HTTP server
	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Infof("Gateway listening on %s", cfg.Server.Address())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", err)
		}
	}()

	log.Info("✓ Gateway started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down gateway...")

	// Graceful shutdown with 5 second timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown", err)
	}

	syncService.Stop()
	log.Info("Gateway exited")
}
