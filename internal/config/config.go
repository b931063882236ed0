package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Upstream  UpstreamConfig
	Sync      SyncConfig
	Stub      StubConfig
	Redis     RedisConfig
	JWT       JWTConfig
	CORS      CORSConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

// ServerConfig holds the local gateway API configuration
type ServerConfig struct {
	Host string
	Port string
	Env  string
}

// UpstreamConfig holds the assistant backend endpoints and credential.
// WSURL is optional; when empty the streaming endpoint is derived from
// APIURL by switching the scheme and appending /ws.
type UpstreamConfig struct {
	APIURL string
	WSURL  string
	Token  string
}

// SyncConfig holds connection supervision and replication tuning
type SyncConfig struct {
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	PongTimeout          time.Duration
	BackoffBase          time.Duration
	BackoffGrowth        float64
	BackoffCap           time.Duration
	BackoffJitter        time.Duration
	LogBufferSize        int
}

// StubConfig holds the stand-in assistant server configuration
type StubConfig struct {
	Host           string
	Port           string
	SQLitePath     string
	ProposalTTL    time.Duration
	ExpirySchedule string
	SimFailureRate float64
	Alpaca         AlpacaConfig
}

// AlpacaConfig holds broker credentials for the stub's live executor
type AlpacaConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// JWTConfig holds JWT token configuration
type JWTConfig struct {
	Secret            string
	AccessTokenExpire time.Duration
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute         int
	DecisionRequestsPerMinute int
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnv("SERVER_PORT", "8080"),
			Env:  getEnv("SERVER_ENV", "development"),
		},
		Upstream: UpstreamConfig{
			APIURL: getEnv("UPSTREAM_API_URL", "http://localhost:9000"),
			WSURL:  getEnv("UPSTREAM_WS_URL", ""),
			Token:  getEnv("UPSTREAM_TOKEN", ""),
		},
		Sync: SyncConfig{
			MaxReconnectAttempts: getEnvAsInt("SYNC_MAX_RECONNECT_ATTEMPTS", 10),
			HeartbeatInterval:    time.Duration(getEnvAsInt("SYNC_HEARTBEAT_SECONDS", 30)) * time.Second,
			PongTimeout:          time.Duration(getEnvAsInt("SYNC_PONG_TIMEOUT_SECONDS", 10)) * time.Second,
			BackoffBase:          time.Duration(getEnvAsInt("SYNC_BACKOFF_BASE_MS", 2000)) * time.Millisecond,
			BackoffGrowth:        getEnvAsFloat("SYNC_BACKOFF_GROWTH", 2.0),
			BackoffCap:           time.Duration(getEnvAsInt("SYNC_BACKOFF_CAP_SECONDS", 30)) * time.Second,
			BackoffJitter:        time.Duration(getEnvAsInt("SYNC_BACKOFF_JITTER_MS", 1000)) * time.Millisecond,
			LogBufferSize:        getEnvAsInt("SYNC_LOG_BUFFER", 500),
		},
		Stub: StubConfig{
			Host:           getEnv("STUB_HOST", "0.0.0.0"),
			Port:           getEnv("STUB_PORT", "9000"),
			SQLitePath:     getEnv("STUB_SQLITE_PATH", ""),
			ProposalTTL:    time.Duration(getEnvAsInt("STUB_PROPOSAL_TTL_MINUTES", 15)) * time.Minute,
			ExpirySchedule: getEnv("STUB_EXPIRY_SCHEDULE", "@every 1m"),
			SimFailureRate: getEnvAsFloat("STUB_SIM_FAILURE_RATE", 0),
			Alpaca: AlpacaConfig{
				APIKey:    getEnv("ALPACA_API_KEY", ""),
				APISecret: getEnv("ALPACA_API_SECRET", ""),
				BaseURL:   getEnv("ALPACA_BASE_URL", "https://paper-api.alpaca.markets"),
			},
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:            getEnv("JWT_SECRET", ""),
			AccessTokenExpire: time.Duration(getEnvAsInt("JWT_ACCESS_TOKEN_EXPIRE_MINUTES", 60)) * time.Minute,
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}, ","),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute:         getEnvAsInt("RATE_LIMIT_REQUESTS_PER_MINUTE", 120),
			DecisionRequestsPerMinute: getEnvAsInt("RATE_LIMIT_DECISION_REQUESTS_PER_MINUTE", 30),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	// Validate required fields
	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	if cfg.Upstream.APIURL == "" {
		return nil, fmt.Errorf("UPSTREAM_API_URL is required")
	}

	if cfg.Sync.MaxReconnectAttempts < 1 {
		return nil, fmt.Errorf("SYNC_MAX_RECONNECT_ATTEMPTS must be at least 1")
	}

	if cfg.Sync.BackoffGrowth < 1 {
		return nil, fmt.Errorf("SYNC_BACKOFF_GROWTH must be at least 1")
	}

	if cfg.Stub.SimFailureRate < 0 || cfg.Stub.SimFailureRate > 1 {
		return nil, fmt.Errorf("STUB_SIM_FAILURE_RATE must be between 0 and 1")
	}

	return cfg, nil
}

// Address returns the full server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// Address returns the full Redis address
func (c *RedisConfig) Address() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// Address returns the full stub server address
func (c *StubConfig) Address() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// Enabled reports whether broker credentials are configured
func (c *AlpacaConfig) Enabled() bool {
	return c.APIKey != "" && c.APISecret != ""
}

// IsDevelopment returns true if running in development mode
func (c *ServerConfig) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *ServerConfig) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string, separator string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	return strings.Split(valueStr, separator)
}
