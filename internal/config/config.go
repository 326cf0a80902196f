// Package config provides application configuration.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/ashureev/supportchat/internal/backend"
	"github.com/ashureev/supportchat/internal/domain"
	"github.com/ashureev/supportchat/internal/engine"
	"github.com/ashureev/supportchat/internal/transcript"
	"github.com/ashureev/supportchat/internal/transport"
)

// Config holds all application configuration.
type Config struct {
	Backend    BackendConfig
	Identity   IdentityConfig
	Engine     EngineConfig
	Transcript TranscriptConfig

	DBPath    string        `env:"DB_PATH" envDefault:"./data/chatclient.db"`
	HandleTTL time.Duration `env:"HANDLE_TTL" envDefault:"72h"`
	// PruneInterval is how often stale resume handles are swept.
	PruneInterval time.Duration `env:"HANDLE_PRUNE_INTERVAL" envDefault:"1h"`
	// HostAPIAddr enables the host API when set, e.g. ":8080".
	HostAPIAddr string `env:"HOST_API_ADDR"`
	FrontendURL string `env:"FRONTEND_URL"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// BackendConfig locates the chat backend.
type BackendConfig struct {
	ChatServerURL  string        `env:"CHAT_SERVER_URL" envDefault:"https://chatserver.alo-tech.com"`
	APIURL         string        `env:"API_URL" envDefault:"https://api.alo-tech.com"`
	SocketURL      string        `env:"SOCKET_URL" envDefault:"wss://chatserver.alo-tech.com/ws"`
	Tenant         string        `env:"TENANT"`
	ClientID       string        `env:"CLIENT_ID"`
	ClientSecret   string        `env:"CLIENT_SECRET"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
}

// IdentityConfig is the caller sent when creating a conversation.
type IdentityConfig struct {
	Email         string `env:"CHAT_EMAIL"`
	Name          string `env:"CHAT_NAME"`
	CWID          string `env:"CHAT_CWID"`
	Namespace     string `env:"CHAT_NAMESPACE"`
	Phone         string `env:"CHAT_PHONE"`
	SecurityToken string `env:"CHAT_SECURITY_TOKEN"`
	// CustomData is a JSON document forwarded with the create request.
	CustomData string `env:"CHAT_CUSTOM_DATA"`
}

// EngineConfig tunes reconnects, typing and the synthetic notices.
type EngineConfig struct {
	ReconnectDelay      time.Duration `env:"RECONNECT_DELAY" envDefault:"3s"`
	ReconnectMaxDelay   time.Duration `env:"RECONNECT_MAX_DELAY" envDefault:"30s"`
	ReconnectMultiplier float64       `env:"RECONNECT_MULTIPLIER" envDefault:"1"`
	TypingWindow        time.Duration `env:"TYPING_WINDOW" envDefault:"3s"`
	ConnectFailedText   string        `env:"CONNECT_FAILED_TEXT" envDefault:"Connection could not be established. Please try again."`
	EndedText           string        `env:"ENDED_TEXT" envDefault:"The conversation has ended."`
}

// TranscriptConfig controls NDJSON conversation transcripts.
type TranscriptConfig struct {
	Enabled   bool   `env:"TRANSCRIPT_ENABLED" envDefault:"false"`
	Dir       string `env:"TRANSCRIPT_DIR" envDefault:"./data/transcripts"`
	QueueSize int    `env:"TRANSCRIPT_QUEUE_SIZE" envDefault:"256"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{
		"CHAT_SERVER_URL": c.Backend.ChatServerURL,
		"API_URL":         c.Backend.APIURL,
		"SOCKET_URL":      c.Backend.SocketURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL", name)
		}
	}
	if c.Backend.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be > 0")
	}
	if strings.TrimSpace(c.Identity.Email) == "" {
		return fmt.Errorf("CHAT_EMAIL cannot be empty")
	}
	if strings.TrimSpace(c.Identity.Namespace) == "" {
		return fmt.Errorf("CHAT_NAMESPACE cannot be empty")
	}
	if c.Identity.CustomData != "" && !json.Valid([]byte(c.Identity.CustomData)) {
		return fmt.Errorf("CHAT_CUSTOM_DATA must be valid JSON")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.HandleTTL <= 0 {
		return fmt.Errorf("HANDLE_TTL must be > 0")
	}
	if c.PruneInterval <= 0 {
		return fmt.Errorf("HANDLE_PRUNE_INTERVAL must be > 0")
	}
	if c.Engine.ReconnectDelay <= 0 {
		return fmt.Errorf("RECONNECT_DELAY must be > 0")
	}
	if c.Engine.ReconnectMaxDelay < c.Engine.ReconnectDelay {
		return fmt.Errorf("RECONNECT_MAX_DELAY must be >= RECONNECT_DELAY")
	}
	if c.Engine.ReconnectMultiplier < 1 {
		return fmt.Errorf("RECONNECT_MULTIPLIER must be >= 1")
	}
	if c.Engine.TypingWindow <= 0 {
		return fmt.Errorf("TYPING_WINDOW must be > 0")
	}
	if c.Transcript.Enabled && c.Transcript.Dir == "" {
		return fmt.Errorf("TRANSCRIPT_DIR cannot be empty")
	}
	if c.Transcript.QueueSize <= 0 {
		return fmt.Errorf("TRANSCRIPT_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// BackendClientConfig converts to the backend client's settings.
func (c *Config) BackendClientConfig() backend.Config {
	return backend.Config{
		ChatServerURL:  c.Backend.ChatServerURL,
		APIURL:         c.Backend.APIURL,
		SocketURL:      c.Backend.SocketURL,
		Tenant:         c.Backend.Tenant,
		ClientID:       c.Backend.ClientID,
		ClientSecret:   c.Backend.ClientSecret,
		RequestTimeout: c.Backend.RequestTimeout,
	}
}

// EngineSettings converts to the engine's settings.
func (c *Config) EngineSettings() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.ConnectFailedText = c.Engine.ConnectFailedText
	cfg.EndedText = c.Engine.EndedText
	cfg.TypingWindow = c.Engine.TypingWindow
	cfg.Reconnect = transport.ReconnectPolicy{
		InitialDelay: c.Engine.ReconnectDelay,
		MaxDelay:     c.Engine.ReconnectMaxDelay,
		Multiplier:   c.Engine.ReconnectMultiplier,
	}
	return cfg
}

// TranscriptSettings converts to the transcript logger's settings.
func (c *Config) TranscriptSettings() transcript.Config {
	return transcript.Config{
		Enabled:   c.Transcript.Enabled,
		Dir:       c.Transcript.Dir,
		QueueSize: c.Transcript.QueueSize,
	}
}

// ChatIdentity builds the caller identity, decoding the custom payload.
func (c *Config) ChatIdentity() (domain.Identity, error) {
	id := domain.Identity{
		Email:         c.Identity.Email,
		Name:          c.Identity.Name,
		CWID:          c.Identity.CWID,
		Namespace:     c.Identity.Namespace,
		Phone:         c.Identity.Phone,
		SecurityToken: c.Identity.SecurityToken,
	}
	if c.Identity.CustomData != "" {
		if err := json.Unmarshal([]byte(c.Identity.CustomData), &id.CustomData); err != nil {
			return domain.Identity{}, fmt.Errorf("decode CHAT_CUSTOM_DATA: %w", err)
		}
	}
	return id, nil
}
