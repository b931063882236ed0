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
	"tradeassist/gateway/internal/hub"
	"tradeassist/gateway/internal/stub"
	"tradeassist/gateway/pkg/logger"
	"tradeassist/gateway/pkg/redis"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
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

	log.Info("Starting assistant stub server...")

	// Redis is optional here: without it events go straight to
	// connected clients instead of through pub/sub.
	var redisClient *redis.Client
	var rawRedis *goredis.Client
	if rc, err := redis.New(redis.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}); err != nil {
		log.Warnf("Redis unavailable, continuing without pub/sub: %v", err)
	} else {
		redisClient = rc
		rawRedis = rc.GetClient()
		defer redisClient.Close()
		log.Info("✓ Redis connected")
	}

	// Pick the storage backend
	var store stub.Store
	if cfg.Stub.SQLitePath != "" {
		sqliteStore, err := stub.NewSQLiteStore(cfg.Stub.SQLitePath)
		if err != nil {
			log.Fatal("Failed to open SQLite store", err)
		}
		store = sqliteStore
		log.Infof("✓ SQLite store ready: %s", cfg.Stub.SQLitePath)
	} else {
		store = stub.NewMemoryStore()
		log.Info("✓ In-memory store ready")
	}
	defer store.Close()

	// Pick the executor
	var exec stub.Executor
	if cfg.Stub.Alpaca.Enabled() {
		exec = stub.NewAlpacaExecutor(cfg.Stub.Alpaca)
		log.Infof("✓ Alpaca executor ready: %s", cfg.Stub.Alpaca.BaseURL)
	} else {
		exec = stub.NewSimExecutor(cfg.Stub.SimFailureRate)
		log.Infof("✓ Simulated executor ready (failure rate %.2f)", cfg.Stub.SimFailureRate)
	}

	// Set Gin mode
	if cfg.Server.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Fan-out hub for connected gateways
	h := hub.New(rawRedis)
	go h.Run()

	server, err := stub.New(cfg, store, exec, h, redisClient)
	if err != nil {
		log.Fatal("Failed to build stub server", err)
	}

	server.Start()
	defer server.Stop()

	// Create HTTP server
	srv := &http.Server{
		Addr:         cfg.Stub.Address(),
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Infof("Stub server listening on %s", cfg.Stub.Address())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", err)
		}
	}()

	log.Info("✓ Stub server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down stub server...")

	// Graceful shutdown with 5 second timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown", err)
	}

	log.Info("Stub server exited")
}
