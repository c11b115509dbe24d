package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.Equal(t, DefaultRateMaxRequests, cfg.Limits.RateMaxRequests)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen: ":9999"
limits:
  rate_max_requests: 7
  identity_cost_limit: 2.5
engine:
  model: gpt-4o
session:
  cancel_grace: 5s
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Listen)
	assert.Equal(t, 7, cfg.Limits.RateMaxRequests)
	assert.Equal(t, 2.5, cfg.Limits.IdentityCostLimit)
	assert.Equal(t, "gpt-4o", cfg.Engine.Model)
	assert.Equal(t, 5*time.Second, cfg.Session.CancelGrace)

	// Untouched keys keep their defaults.
	assert.Equal(t, DefaultGlobalCostLimit, cfg.Limits.GlobalCostLimit)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen: \":9999\"\n"), 0o644))

	t.Setenv("CHATGW_LISTEN", ":7777")
	t.Setenv("CHATGW_ENGINE_API_KEY", "sk-test")
	t.Setenv("CHATGW_ENGINE_MODEL", "gpt-4.1-mini")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Server.Listen)
	assert.Equal(t, "sk-test", cfg.Engine.APIKey)
	assert.Equal(t, "gpt-4.1-mini", cfg.Engine.Model)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing listen",
			mutate:  func(c *Config) { c.Server.Listen = "" },
			wantErr: "server.listen",
		},
		{
			name:    "zero max query bytes",
			mutate:  func(c *Config) { c.Server.MaxQueryBytes = 0 },
			wantErr: "max_query_bytes",
		},
		{
			name:    "missing redis url",
			mutate:  func(c *Config) { c.Redis.URL = "" },
			wantErr: "redis.url",
		},
		{
			name:    "zero rate max",
			mutate:  func(c *Config) { c.Limits.RateMaxRequests = 0 },
			wantErr: "rate_max_requests",
		},
		{
			name:    "negative identity cost limit",
			mutate:  func(c *Config) { c.Limits.IdentityCostLimit = -1 },
			wantErr: "identity_cost_limit",
		},
		{
			name:    "zero reservation ttl",
			mutate:  func(c *Config) { c.Limits.ReservationTTL = 0 },
			wantErr: "reservation_ttl",
		},
		{
			name:    "missing engine model",
			mutate:  func(c *Config) { c.Engine.Model = "" },
			wantErr: "engine.model",
		},
		{
			name:    "zero cancel grace",
			mutate:  func(c *Config) { c.Session.CancelGrace = 0 },
			wantErr: "cancel_grace",
		},
		{
			name:    "transcripts enabled without path",
			mutate:  func(c *Config) { c.Transcript.DBPath = "" },
			wantErr: "db_path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
