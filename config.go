package chatsync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Environment variables that override the file config.
const (
	EnvBaseURL  = "CHATSYNC_BASE_URL"
	EnvLogLevel = "CHATSYNC_LOG_LEVEL"
	EnvDataDir  = "CHATSYNC_DATA_DIR"
)

// Duration is a time.Duration that reads and writes as "5m", "10s" in TOML.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// ============================================================================
// Config types
// ============================================================================

// Config is the client configuration, usually read from config.toml.
type Config struct {
	BaseURL  string `toml:"base_url"`
	DataDir  string `toml:"data_dir"`
	LogLevel string `toml:"log_level"`

	Session  SessionConfig  `toml:"session"`
	Realtime RealtimeTuning `toml:"realtime"`
	Chat     ChatConfig     `toml:"chat"`
}

// SessionConfig holds the refresh policy.
type SessionConfig struct {
	RefreshMargin  Duration `toml:"refresh_margin"`
	RefreshTimeout Duration `toml:"refresh_timeout"`
}

// RealtimeTuning holds socket settings.
type RealtimeTuning struct {
	Heartbeat            Duration `toml:"heartbeat"`
	ReconnectBaseDelay   Duration `toml:"reconnect_base_delay"`
	ReconnectMaxDelay    Duration `toml:"reconnect_max_delay"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	ForegroundDebounce   Duration `toml:"foreground_debounce"`
}

// ChatConfig holds per-conversation settings.
type ChatConfig struct {
	PageSize          int      `toml:"page_size"`
	GroupingThreshold Duration `toml:"grouping_threshold"`
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.defaults()
	return cfg
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".chatsync", "data")
		}
	}
	if c.Session.RefreshMargin == 0 {
		c.Session.RefreshMargin = Duration(DefaultRefreshMargin)
	}
	if c.Session.RefreshTimeout == 0 {
		c.Session.RefreshTimeout = Duration(DefaultRefreshTimeout)
	}
	if c.Realtime.Heartbeat == 0 {
		c.Realtime.Heartbeat = Duration(25 * time.Second)
	}
	if c.Realtime.ReconnectBaseDelay == 0 {
		c.Realtime.ReconnectBaseDelay = Duration(time.Second)
	}
	if c.Realtime.ReconnectMaxDelay == 0 {
		c.Realtime.ReconnectMaxDelay = Duration(30 * time.Second)
	}
	if c.Realtime.MaxReconnectAttempts == 0 {
		c.Realtime.MaxReconnectAttempts = -1
	}
	if c.Realtime.ForegroundDebounce == 0 {
		c.Realtime.ForegroundDebounce = Duration(2 * time.Second)
	}
	if c.Chat.PageSize == 0 {
		c.Chat.PageSize = 50
	}
	if c.Chat.GroupingThreshold == 0 {
		c.Chat.GroupingThreshold = Duration(5 * time.Minute)
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvBaseURL); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
}

// Validate rejects values the client cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Chat.PageSize < 0 {
		errs = append(errs, fmt.Errorf("chat.page_size must be positive, got %d", c.Chat.PageSize))
	}
	if c.Session.RefreshMargin < 0 {
		errs = append(errs, errors.New("session.refresh_margin must not be negative"))
	}
	if c.Realtime.ReconnectMaxDelay < c.Realtime.ReconnectBaseDelay {
		errs = append(errs, errors.New("realtime.reconnect_max_delay is below reconnect_base_delay"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseConfig decodes TOML, applies environment overrides and defaults, and
// validates the result.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	cfg.applyEnv()
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig reads path. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("cannot read config: %w", err)
		}
		data = nil
	}
	return ParseConfig(data)
}

// Save writes the config back as TOML.
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// SessionOptions builds the SessionManager options for this config.
func (c *Config) SessionOptions() SessionOptions {
	return SessionOptions{
		RefreshMargin:  c.Session.RefreshMargin.D(),
		RefreshTimeout: c.Session.RefreshTimeout.D(),
	}
}

// RealtimeConfig builds the socket config for this config.
func (c *Config) RealtimeConfig() RealtimeConfig {
	return RealtimeConfig{
		AutoReconnect:        true,
		MaxReconnectAttempts: c.Realtime.MaxReconnectAttempts,
		ReconnectBaseDelay:   c.Realtime.ReconnectBaseDelay.D(),
		ReconnectMaxDelay:    c.Realtime.ReconnectMaxDelay.D(),
		HeartbeatInterval:    c.Realtime.Heartbeat.D(),
	}
}
