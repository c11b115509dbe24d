// Package config loads and validates chat-gateway configuration.
//
// DESIGN: YAML file first, then environment overrides for the values that
// differ between deployments (listen address, Redis URL, engine credentials).
// Everything enforceable at runtime has a Validate check so a bad config
// fails at startup, not mid-turn.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all chat-gateway configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Redis      RedisConfig      `yaml:"redis"`
	Limits     LimitsConfig     `yaml:"limits"`
	Engine     EngineConfig     `yaml:"engine"`
	Session    SessionConfig    `yaml:"session"`
	Transcript TranscriptConfig `yaml:"transcript"`
	LogLevel   string           `yaml:"log_level"`
}

// ServerConfig controls the client-facing WebSocket server.
type ServerConfig struct {
	Listen        string        `yaml:"listen"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	MaxQueryBytes int           `yaml:"max_query_bytes"`
}

// RedisConfig controls the shared budget store connection.
type RedisConfig struct {
	URL       string        `yaml:"url"`
	KeyPrefix string        `yaml:"key_prefix"`
	OpTimeout time.Duration `yaml:"op_timeout"`
}

// LimitsConfig holds every admission limit. Zero rate maximums and zero cost
// limits are invalid; limiting is the point of this service.
type LimitsConfig struct {
	RateMaxRequests       int           `yaml:"rate_max_requests"`
	RateWindow            time.Duration `yaml:"rate_window"`
	GlobalRateMaxRequests int           `yaml:"global_rate_max_requests"`
	GlobalRateWindow      time.Duration `yaml:"global_rate_window"`
	IdentityCostLimit     float64       `yaml:"identity_cost_limit"`
	IdentityCostPeriod    time.Duration `yaml:"identity_cost_period"`
	GlobalCostLimit       float64       `yaml:"global_cost_limit"`
	GlobalCostPeriod      time.Duration `yaml:"global_cost_period"`
	ReservationTTL        time.Duration `yaml:"reservation_ttl"`
	SettleRetries         int           `yaml:"settle_retries"`
}

// EngineConfig points at the reasoning engine's OpenAI-compatible endpoint.
type EngineConfig struct {
	BaseURL         string        `yaml:"base_url"`
	APIKey          string        `yaml:"api_key"`
	Model           string        `yaml:"model"`
	MaxOutputTokens int           `yaml:"max_output_tokens"`
	Timeout         time.Duration `yaml:"timeout"`
	SystemPrompt    string        `yaml:"system_prompt"`
}

// SessionConfig controls turn orchestration.
type SessionConfig struct {
	ContextTurns int           `yaml:"context_turns"`
	CancelGrace  time.Duration `yaml:"cancel_grace"`
}

// TranscriptConfig controls transcript persistence.
type TranscriptConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:        DefaultListen,
			ReadTimeout:   DefaultServerReadTimeout,
			WriteTimeout:  DefaultServerWriteTimeout,
			MaxQueryBytes: DefaultMaxQueryBytes,
		},
		Redis: RedisConfig{
			URL:       "redis://localhost:6379/0",
			KeyPrefix: "chatgw:",
			OpTimeout: DefaultStoreTimeout,
		},
		Limits: LimitsConfig{
			RateMaxRequests:       DefaultRateMaxRequests,
			RateWindow:            DefaultRateWindow,
			GlobalRateMaxRequests: DefaultGlobalRateMaxRequests,
			GlobalRateWindow:      DefaultGlobalRateWindow,
			IdentityCostLimit:     DefaultIdentityCostLimit,
			IdentityCostPeriod:    DefaultIdentityCostPeriod,
			GlobalCostLimit:       DefaultGlobalCostLimit,
			GlobalCostPeriod:      DefaultGlobalCostPeriod,
			ReservationTTL:        DefaultReservationTTL,
			SettleRetries:         DefaultSettleRetries,
		},
		Engine: EngineConfig{
			BaseURL:         "https://api.openai.com/v1",
			Model:           "gpt-4o-mini",
			MaxOutputTokens: DefaultMaxOutputTokens,
			Timeout:         DefaultEngineTimeout,
			SystemPrompt: "You are a helpful assistant for LedgerLens, a ledger explorer. " +
				"You help users understand on-chain data, accounts, and transactions " +
				"in simple, human-readable terms.",
		},
		Session: SessionConfig{
			ContextTurns: DefaultContextTurns,
			CancelGrace:  DefaultCancelGrace,
		},
		Transcript: TranscriptConfig{
			Enabled: true,
			DBPath:  "chatgw.db",
		},
		LogLevel: "info",
	}
}

// Load reads a YAML config file, applies env overrides, and validates.
// An empty path skips the file and uses defaults plus env.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays deployment-scoped environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("CHATGW_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("CHATGW_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("CHATGW_ENGINE_BASE_URL"); v != "" {
		c.Engine.BaseURL = v
	}
	if v := os.Getenv("CHATGW_ENGINE_API_KEY"); v != "" {
		c.Engine.APIKey = v
	}
	if v := os.Getenv("CHATGW_ENGINE_MODEL"); v != "" {
		c.Engine.Model = v
	}
	if v := os.Getenv("CHATGW_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks the full configuration.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Server.MaxQueryBytes <= 0 {
		return fmt.Errorf("server.max_query_bytes must be > 0, got %d", c.Server.MaxQueryBytes)
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if c.Redis.OpTimeout <= 0 {
		return fmt.Errorf("redis.op_timeout must be > 0, got %s", c.Redis.OpTimeout)
	}
	if err := c.Limits.Validate(); err != nil {
		return err
	}
	if c.Engine.BaseURL == "" {
		return fmt.Errorf("engine.base_url is required")
	}
	if c.Engine.Model == "" {
		return fmt.Errorf("engine.model is required")
	}
	if c.Engine.MaxOutputTokens <= 0 {
		return fmt.Errorf("engine.max_output_tokens must be > 0, got %d", c.Engine.MaxOutputTokens)
	}
	if c.Session.ContextTurns < 0 {
		return fmt.Errorf("session.context_turns must be >= 0, got %d", c.Session.ContextTurns)
	}
	if c.Session.CancelGrace <= 0 {
		return fmt.Errorf("session.cancel_grace must be > 0, got %s", c.Session.CancelGrace)
	}
	if c.Transcript.Enabled && c.Transcript.DBPath == "" {
		return fmt.Errorf("transcript.db_path is required when transcript.enabled")
	}
	return nil
}

// Validate checks admission limit configuration.
func (l *LimitsConfig) Validate() error {
	if l.RateMaxRequests <= 0 {
		return fmt.Errorf("limits.rate_max_requests must be > 0, got %d", l.RateMaxRequests)
	}
	if l.RateWindow <= 0 {
		return fmt.Errorf("limits.rate_window must be > 0, got %s", l.RateWindow)
	}
	if l.GlobalRateMaxRequests <= 0 {
		return fmt.Errorf("limits.global_rate_max_requests must be > 0, got %d", l.GlobalRateMaxRequests)
	}
	if l.GlobalRateWindow <= 0 {
		return fmt.Errorf("limits.global_rate_window must be > 0, got %s", l.GlobalRateWindow)
	}
	if l.IdentityCostLimit <= 0 {
		return fmt.Errorf("limits.identity_cost_limit must be > 0, got %f", l.IdentityCostLimit)
	}
	if l.IdentityCostPeriod <= 0 {
		return fmt.Errorf("limits.identity_cost_period must be > 0, got %s", l.IdentityCostPeriod)
	}
	if l.GlobalCostLimit <= 0 {
		return fmt.Errorf("limits.global_cost_limit must be > 0, got %f", l.GlobalCostLimit)
	}
	if l.GlobalCostPeriod <= 0 {
		return fmt.Errorf("limits.global_cost_period must be > 0, got %s", l.GlobalCostPeriod)
	}
	if l.ReservationTTL <= 0 {
		return fmt.Errorf("limits.reservation_ttl must be > 0, got %s", l.ReservationTTL)
	}
	if l.SettleRetries < 0 {
		return fmt.Errorf("limits.settle_retries must be >= 0, got %d", l.SettleRetries)
	}
	return nil
}
