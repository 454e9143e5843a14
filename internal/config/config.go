// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-relay/internal/followup"
	"github.com/2389/coven-relay/internal/reply"
	"github.com/2389/coven-relay/internal/typing"
)

// Config represents the complete coven-relay configuration
type Config struct {
	Matrix   MatrixConfig   `yaml:"matrix" toml:"matrix"`
	Gateway  GatewayConfig  `yaml:"gateway" toml:"gateway"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Dispatch DispatchConfig `yaml:"dispatch" toml:"dispatch"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// MatrixConfig holds the Matrix account the relay speaks through
type MatrixConfig struct {
	Homeserver string `yaml:"homeserver" toml:"homeserver"`
	// Username and Password log in; AccessToken with UserID skips login.
	Username    string `yaml:"username" toml:"username"`
	Password    string `yaml:"password" toml:"password"`
	UserID      string `yaml:"user_id" toml:"user_id"`
	AccessToken string `yaml:"access_token" toml:"access_token"`
	RecoveryKey string `yaml:"recovery_key" toml:"recovery_key"`

	// Account names this login in conversation keys.
	Account       string   `yaml:"account" toml:"account"`
	AllowedRooms  []string `yaml:"allowed_rooms" toml:"allowed_rooms"`
	AllowedUsers  []string `yaml:"allowed_users" toml:"allowed_users"`
	CommandPrefix string   `yaml:"command_prefix" toml:"command_prefix"`
}

// GatewayConfig holds the coven-gateway connection
type GatewayConfig struct {
	URL     string `yaml:"url" toml:"url"`
	AgentID string `yaml:"agent_id" toml:"agent_id"`

	// Token is a pre-issued bearer token. JWTSecret mints tokens for
	// Principal instead.
	Token     string `yaml:"token" toml:"token"`
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	Principal string `yaml:"principal" toml:"principal"`

	TokenTTL    time.Duration `yaml:"-" toml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl" toml:"token_ttl"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// DispatchConfig tunes reply streaming for every conversation
type DispatchConfig struct {
	Typing   TypingConfig   `yaml:"typing" toml:"typing"`
	Coalesce CoalesceConfig `yaml:"coalesce" toml:"coalesce"`
	Queue    QueueConfig    `yaml:"queue" toml:"queue"`
	Reply    ReplyConfig    `yaml:"reply" toml:"reply"`

	// StopWords abort the conversation's run when sent on their own.
	StopWords []string `yaml:"stop_words" toml:"stop_words"`
	// ErrorReplies posts a short notice when a run fails.
	ErrorReplies bool `yaml:"error_replies" toml:"error_replies"`

	BlockInterval time.Duration `yaml:"-" toml:"-"`
	RunTimeout    time.Duration `yaml:"-" toml:"-"`
	DedupeWindow  time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	BlockIntervalRaw string `yaml:"block_interval" toml:"block_interval"`
	RunTimeoutRaw    string `yaml:"run_timeout" toml:"run_timeout"`
	DedupeWindowRaw  string `yaml:"dedupe_window" toml:"dedupe_window"`
}

// TypingConfig configures the typing indicator
type TypingConfig struct {
	Mode        string `yaml:"mode" toml:"mode"`
	SilentToken string `yaml:"silent_token" toml:"silent_token"`

	Interval    time.Duration `yaml:"-" toml:"-"`
	TTL         time.Duration `yaml:"-" toml:"-"`
	IntervalRaw string        `yaml:"interval" toml:"interval"`
	TTLRaw      string        `yaml:"ttl" toml:"ttl"`
}

// CoalesceConfig configures outbound block sizes
type CoalesceConfig struct {
	MinChars       int    `yaml:"min_chars" toml:"min_chars"`
	MaxChars       int    `yaml:"max_chars" toml:"max_chars"`
	Joiner         string `yaml:"joiner" toml:"joiner"`
	FlushOnEnqueue bool   `yaml:"flush_on_enqueue" toml:"flush_on_enqueue"`

	Idle    time.Duration `yaml:"-" toml:"-"`
	IdleRaw string        `yaml:"idle" toml:"idle"`
}

// QueueConfig configures followup queueing
type QueueConfig struct {
	Mode string `yaml:"mode" toml:"mode"`
	Cap  int    `yaml:"cap" toml:"cap"`
	Drop string `yaml:"drop" toml:"drop"`

	Debounce    time.Duration `yaml:"-" toml:"-"`
	DebounceRaw string        `yaml:"debounce" toml:"debounce"`
}

// ReplyConfig configures reply threading
type ReplyConfig struct {
	Mode string `yaml:"mode" toml:"mode"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Defaults for settings left unset.
const (
	DefaultTypingInterval = typing.DefaultInterval
	DefaultTypingTTL      = typing.DefaultTTL
	DefaultMinChars       = 200
	DefaultMaxChars       = reply.DefaultMaxChars
	DefaultIdle           = 1500 * time.Millisecond
	DefaultQueueCap       = followup.DefaultCap
	DefaultDebounce       = time.Second
	DefaultDedupeWindow   = 10 * time.Minute
	DefaultTokenTTL       = time.Hour
)

// DefaultStopWords abort a run when sent on their own.
var DefaultStopWords = []string{"/stop", "stop"}

func (c *Config) applyDefaults() {
	d := &c.Dispatch
	if d.Typing.Interval == 0 {
		d.Typing.Interval = DefaultTypingInterval
	}
	if d.Typing.TTL == 0 {
		d.Typing.TTL = DefaultTypingTTL
	}
	if d.Coalesce.MaxChars == 0 {
		d.Coalesce.MaxChars = DefaultMaxChars
	}
	if d.Coalesce.MinChars == 0 {
		d.Coalesce.MinChars = DefaultMinChars
	}
	if d.Coalesce.IdleRaw == "" {
		d.Coalesce.Idle = DefaultIdle
	}
	if d.Queue.Mode == "" {
		d.Queue.Mode = string(followup.ModeFollowup)
	}
	if d.Queue.Cap == 0 {
		d.Queue.Cap = DefaultQueueCap
	}
	if d.Queue.DebounceRaw == "" {
		d.Queue.Debounce = DefaultDebounce
	}
	if d.Reply.Mode == "" {
		d.Reply.Mode = string(reply.ModeFirst)
	}
	if d.StopWords == nil {
		d.StopWords = append([]string(nil), DefaultStopWords...)
	}
	if d.DedupeWindowRaw == "" {
		d.DedupeWindow = DefaultDedupeWindow
	}
	if c.Gateway.TokenTTL == 0 {
		c.Gateway.TokenTTL = DefaultTokenTTL
	}
	if c.Matrix.Account == "" {
		c.Matrix.Account = "default"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	if _, err := url.Parse(c.Matrix.Homeserver); err != nil {
		return fmt.Errorf("matrix.homeserver is not a valid URL: %w", err)
	}
	hasLogin := c.Matrix.Username != "" && c.Matrix.Password != ""
	hasToken := c.Matrix.UserID != "" && c.Matrix.AccessToken != ""
	if !hasLogin && !hasToken {
		return fmt.Errorf("matrix.username and matrix.password (or matrix.user_id and matrix.access_token) are required")
	}

	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("gateway.url must use http or https scheme")
	}
	if c.Gateway.JWTSecret != "" && c.Gateway.Principal == "" {
		return fmt.Errorf("gateway.principal is required when gateway.jwt_secret is set")
	}

	d := c.Dispatch
	if _, err := typing.ParseMode(d.Typing.Mode); err != nil {
		return fmt.Errorf("dispatch.typing.mode: %w", err)
	}
	if _, err := followup.ParseMode(d.Queue.Mode); err != nil {
		return fmt.Errorf("dispatch.queue.mode: %w", err)
	}
	if _, err := followup.ParseDropPolicy(d.Queue.Drop); err != nil {
		return fmt.Errorf("dispatch.queue.drop: %w", err)
	}
	if _, err := reply.ParseMode(d.Reply.Mode); err != nil {
		return fmt.Errorf("dispatch.reply.mode: %w", err)
	}
	if d.Queue.Cap < 0 {
		return fmt.Errorf("dispatch.queue.cap must not be negative")
	}
	if d.Coalesce.MinChars < 0 || d.Coalesce.MaxChars < 0 {
		return fmt.Errorf("dispatch.coalesce.min_chars and max_chars must not be negative")
	}
	if d.Coalesce.MinChars > d.Coalesce.MaxChars {
		return fmt.Errorf("dispatch.coalesce.min_chars (%d) exceeds max_chars (%d)", d.Coalesce.MinChars, d.Coalesce.MaxChars)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"gateway.token_ttl", cfg.Gateway.TokenTTLRaw, &cfg.Gateway.TokenTTL},
		{"dispatch.block_interval", cfg.Dispatch.BlockIntervalRaw, &cfg.Dispatch.BlockInterval},
		{"dispatch.run_timeout", cfg.Dispatch.RunTimeoutRaw, &cfg.Dispatch.RunTimeout},
		{"dispatch.dedupe_window", cfg.Dispatch.DedupeWindowRaw, &cfg.Dispatch.DedupeWindow},
		{"dispatch.typing.interval", cfg.Dispatch.Typing.IntervalRaw, &cfg.Dispatch.Typing.Interval},
		{"dispatch.typing.ttl", cfg.Dispatch.Typing.TTLRaw, &cfg.Dispatch.Typing.TTL},
		{"dispatch.coalesce.idle", cfg.Dispatch.Coalesce.IdleRaw, &cfg.Dispatch.Coalesce.Idle},
		{"dispatch.queue.debounce", cfg.Dispatch.Queue.DebounceRaw, &cfg.Dispatch.Queue.Debounce},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
