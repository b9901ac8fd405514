package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FAVICON_CACHE_SIZE", "0")
	t.Setenv("INDEXING_ENABLED", "maybe")
	t.Setenv("FRONTEND_URL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, cfg.Orchestrator.IdleTimeout)
	assert.Equal(t, "pricing_agent", cfg.Pricing.Specialist)
	assert.Equal(t, 512, cfg.FaviconCacheSize)
	assert.Equal(t, 10, cfg.RateLimit.RequestsPerWindow)
	assert.Equal(t, 1000, cfg.MaxLiveConversations)
	assert.True(t, cfg.IndexingEnabled)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("FRONTEND_URL", "https://geist.example")
	t.Setenv("STREAM_IDLE_TIMEOUT", "90")
	t.Setenv("STREAM_CONNECT_TIMEOUT", "2s")
	t.Setenv("IDENTITY_HEADER", "X-Geist-User")
	t.Setenv("INDEXING_ENABLED", "off")
	t.Setenv("PRICING_PLANS_FILE", "/etc/geist/plans.yaml")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Orchestrator.IdleTimeout)
	assert.Equal(t, 2*time.Second, cfg.Orchestrator.ConnectTimeout)
	assert.Equal(t, "X-Geist-User", cfg.Orchestrator.IdentityHeader)
	assert.False(t, cfg.IndexingEnabled)
	assert.Equal(t, "/etc/geist/plans.yaml", cfg.Pricing.PlansFile)
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, []string{"https://geist.example"}, cfg.AllowedOrigins())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Port:               "8080",
			DBPath:             "db",
			MaxRequestBodySize: 1,
			KeepaliveInterval:  time.Second,
			Orchestrator: OrchestratorConfig{
				URL:            "http://localhost:8000",
				StreamPath:     "/api/stream",
				IdentityHeader: "X-User-ID",
				IdleTimeout:    time.Second,
				ConnectTimeout: time.Second,
			},
			Pricing:              PricingConfig{Specialist: "pricing_agent"},
			RateLimit:            RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Second},
			MaxLiveConversations: 1,
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty port", func(c *Config) { c.Port = "" }, "PORT"},
		{"relative url", func(c *Config) { c.Orchestrator.URL = "localhost" }, "ORCHESTRATOR_URL"},
		{"stream path", func(c *Config) { c.Orchestrator.StreamPath = "api" }, "ORCHESTRATOR_STREAM_PATH"},
		{"idle timeout", func(c *Config) { c.Orchestrator.IdleTimeout = 0 }, "STREAM_IDLE_TIMEOUT"},
		{"specialist", func(c *Config) { c.Pricing.Specialist = "" }, "PRICING_SPECIALIST"},
		{"rate limit", func(c *Config) { c.RateLimit.RequestsPerWindow = 0 }, "RATE_LIMIT_REQUESTS"},
		{"body size", func(c *Config) { c.MaxRequestBodySize = 0 }, "MAX_REQUEST_BODY_SIZE"},
		{"live conversations", func(c *Config) { c.MaxLiveConversations = 0 }, "MAX_LIVE_CONVERSATIONS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
