package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config is the main configuration structure for goalchat.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Cache         CacheConfig         `yaml:"cache"`
	Chat          ChatConfig          `yaml:"chat"`
	WebSocket     WebSocketConfig     `yaml:"websocket"`
	LLM           LLMConfig           `yaml:"llm"`
	Tools         ToolsConfig         `yaml:"tools"`
	Auth          AuthConfig          `yaml:"auth"`
	Janitor       JanitorConfig       `yaml:"janitor"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// DatabaseConfig selects the history store. An empty URL keeps everything
// in memory.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CacheConfig configures the bounded history cache.
type CacheConfig struct {
	// Backend is "memory" or "redis".
	Backend     string        `yaml:"backend"`
	RedisURL    string        `yaml:"redis_url"`
	MaxMessages int           `yaml:"max_messages"`
	TTL         time.Duration `yaml:"ttl"`
	KeyPrefix   string        `yaml:"key_prefix"`
}

// ChatConfig controls how much history is sent to the model.
type ChatConfig struct {
	HistoryLimit int    `yaml:"history_limit"`
	DemoTitle    string `yaml:"demo_title"`
}

// WebSocketConfig holds session liveness policy.
type WebSocketConfig struct {
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	IdleCheckInterval time.Duration `yaml:"idle_check_interval"`
	DemoLifetime      time.Duration `yaml:"demo_lifetime"`
	DemoCheckInterval time.Duration `yaml:"demo_check_interval"`
	MaxPayloadBytes   int64         `yaml:"max_payload_bytes"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

type LLMConfig struct {
	// Provider is "openai" or "anthropic".
	Provider     string        `yaml:"provider"`
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	Model        string        `yaml:"model"`
	MaxTokens    int           `yaml:"max_tokens"`
	Temperature  float64       `yaml:"temperature"`
	SystemPrompt string        `yaml:"system_prompt"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

type ToolsConfig struct {
	// Timeout bounds a single tool execution. Zero waits indefinitely.
	Timeout time.Duration `yaml:"timeout"`
}

type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

// JanitorConfig schedules the sweep of ephemeral owners left behind by
// sessions that never reached cleanup.
type JanitorConfig struct {
	Enabled  *bool         `yaml:"enabled"`
	Schedule string        `yaml:"schedule"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// IsEnabled defaults to true when unset.
func (c JanitorConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
	Environment  string  `yaml:"environment"`
}

// Load reads, expands, parses, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied, as used when
// no config file is present.
func Default() *Config {
	cfg := &Config{}
	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" && cfg.Database.URL == "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" && cfg.Cache.RedisURL == "" {
		cfg.Cache.RedisURL = v
	}
	if v := os.Getenv("GOALCHAT_JWT_SECRET"); v != "" && cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = v
	}
	if cfg.LLM.APIKey == "" {
		switch strings.ToLower(cfg.LLM.Provider) {
		case "anthropic":
			cfg.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		default:
			cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Cache.Backend == "" {
		if cfg.Cache.RedisURL != "" {
			cfg.Cache.Backend = "redis"
		} else {
			cfg.Cache.Backend = "memory"
		}
	}
	if cfg.Cache.MaxMessages == 0 {
		cfg.Cache.MaxMessages = 50
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 24 * time.Hour
	}
	if cfg.Cache.KeyPrefix == "" {
		cfg.Cache.KeyPrefix = "chat"
	}
	if cfg.Chat.HistoryLimit == 0 {
		cfg.Chat.HistoryLimit = 15
	}
	if cfg.Chat.DemoTitle == "" {
		cfg.Chat.DemoTitle = "Demo Chat"
	}
	if cfg.WebSocket.IdleTimeout == 0 {
		cfg.WebSocket.IdleTimeout = 300 * time.Second
	}
	if cfg.WebSocket.IdleCheckInterval == 0 {
		cfg.WebSocket.IdleCheckInterval = 30 * time.Second
	}
	if cfg.WebSocket.DemoLifetime == 0 {
		cfg.WebSocket.DemoLifetime = 120 * time.Second
	}
	if cfg.WebSocket.DemoCheckInterval == 0 {
		cfg.WebSocket.DemoCheckInterval = 10 * time.Second
	}
	if cfg.WebSocket.MaxPayloadBytes == 0 {
		cfg.WebSocket.MaxPayloadBytes = 1 << 20
	}
	if cfg.WebSocket.WriteTimeout == 0 {
		cfg.WebSocket.WriteTimeout = 10 * time.Second
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.Model == "" {
		switch cfg.LLM.Provider {
		case "anthropic":
			cfg.LLM.Model = "claude-sonnet-4-20250514"
		default:
			cfg.LLM.Model = "gpt-4o-mini"
		}
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 2000
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = 0.7
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 3
	}
	if cfg.LLM.RetryDelay == 0 {
		cfg.LLM.RetryDelay = time.Second
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Janitor.Schedule == "" {
		cfg.Janitor.Schedule = "@every 10m"
	}
	if cfg.Janitor.MaxAge == 0 {
		cfg.Janitor.MaxAge = 2 * cfg.WebSocket.DemoLifetime
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate reports every invalid setting in one error.
func (c *Config) Validate() error {
	var issues []string

	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		issues = append(issues, "server.http_port must be between 0 and 65535")
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Cache.RedisURL) == "" {
			issues = append(issues, "cache.redis_url is required for the redis backend")
		}
	default:
		issues = append(issues, fmt.Sprintf("cache.backend %q must be memory or redis", c.Cache.Backend))
	}
	if c.Cache.MaxMessages < 0 {
		issues = append(issues, "cache.max_messages must be positive")
	}
	if c.Chat.HistoryLimit < 0 {
		issues = append(issues, "chat.history_limit must be positive")
	}
	if c.WebSocket.IdleCheckInterval < 0 || c.WebSocket.DemoCheckInterval < 0 {
		issues = append(issues, "websocket check intervals must be positive")
	}
	if c.WebSocket.IdleTimeout < 0 || c.WebSocket.DemoLifetime < 0 {
		issues = append(issues, "websocket.idle_timeout and websocket.demo_lifetime must be positive")
	}
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		issues = append(issues, fmt.Sprintf("llm.provider %q must be openai or anthropic", c.LLM.Provider))
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		issues = append(issues, "llm.temperature must be between 0 and 2")
	}
	if c.Tools.Timeout < 0 {
		issues = append(issues, "tools.timeout must not be negative")
	}
	if c.Janitor.MaxAge < 0 {
		issues = append(issues, "janitor.max_age must not be negative")
	}
	if rate := c.Observability.Tracing.SamplingRate; rate < 0 || rate > 1 {
		issues = append(issues, "observability.tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(issues, "; "))
	}
	return nil
}
