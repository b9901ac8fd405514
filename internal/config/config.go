// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port               string
	GRPCPort           string
	FrontendURL        string
	DBPath             string
	MaxRequestBodySize int64
	KeepaliveInterval  time.Duration
	IndexingEnabled    bool
	Orchestrator       OrchestratorConfig
	Pricing            PricingConfig
	RateLimit          RateLimitConfig
	FaviconCacheSize   int

	// MaxLiveConversations caps the in-memory conversation registry.
	MaxLiveConversations int
}

// RateLimitConfig bounds chat turns per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// OrchestratorConfig describes the upstream streaming endpoint.
type OrchestratorConfig struct {
	URL            string
	StreamPath     string
	IdentityHeader string
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
}

// PricingConfig selects the negotiation specialist and its plan catalogue.
type PricingConfig struct {
	Specialist string
	// PlansFile is optional; the built-in catalogue is used when empty.
	PlansFile string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cacheSize := getEnvInt("FAVICON_CACHE_SIZE", 512)
	if cacheSize <= 0 {
		cacheSize = 512
	}

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		GRPCPort:           getEnv("GRPC_PORT", "9090"),
		FrontendURL:        getEnv("FRONTEND_URL", ""),
		DBPath:             getEnv("DB_PATH", "./data/geist.db"),
		MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
		IndexingEnabled:    getEnvBool("INDEXING_ENABLED", true),
		Orchestrator: OrchestratorConfig{
			URL:            getEnv("ORCHESTRATOR_URL", "http://localhost:8000"),
			StreamPath:     getEnv("ORCHESTRATOR_STREAM_PATH", "/api/stream"),
			IdentityHeader: getEnv("IDENTITY_HEADER", "X-User-ID"),
			IdleTimeout:    getEnvDuration("STREAM_IDLE_TIMEOUT", 60*time.Second),
			ConnectTimeout: getEnvDuration("STREAM_CONNECT_TIMEOUT", 15*time.Second),
		},
		Pricing: PricingConfig{
			Specialist: getEnv("PRICING_SPECIALIST", "pricing_agent"),
			PlansFile:  getEnv("PRICING_PLANS_FILE", ""),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		FaviconCacheSize:     cacheSize,
		MaxLiveConversations: getEnvInt("MAX_LIVE_CONVERSATIONS", 1000),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	u, err := url.Parse(c.Orchestrator.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("ORCHESTRATOR_URL must be an absolute URL, got %q", c.Orchestrator.URL)
	}
	if !strings.HasPrefix(c.Orchestrator.StreamPath, "/") {
		return fmt.Errorf("ORCHESTRATOR_STREAM_PATH must start with /")
	}
	if c.Orchestrator.IdentityHeader == "" {
		return fmt.Errorf("IDENTITY_HEADER cannot be empty")
	}
	if c.Orchestrator.IdleTimeout <= 0 {
		return fmt.Errorf("STREAM_IDLE_TIMEOUT must be > 0")
	}
	if c.Orchestrator.ConnectTimeout <= 0 {
		return fmt.Errorf("STREAM_CONNECT_TIMEOUT must be > 0")
	}
	if c.Pricing.Specialist == "" {
		return fmt.Errorf("PRICING_SPECIALIST cannot be empty")
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.KeepaliveInterval <= 0 {
		return fmt.Errorf("SSE_KEEPALIVE_INTERVAL must be > 0")
	}
	if c.MaxLiveConversations <= 0 {
		return fmt.Errorf("MAX_LIVE_CONVERSATIONS must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s") or a plain number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
