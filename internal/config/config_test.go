// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

const minimalYAML = `
matrix:
  homeserver: "https://matrix.example.org"
  username: "relay"
  password: "secret"
gateway:
  url: "http://localhost:8080"
`

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "relay.yaml", `
matrix:
  homeserver: "https://matrix.example.org"
  username: "relay"
  password: "secret"
  account: "work"
  allowed_rooms:
    - "!room1:example.org"
  command_prefix: "!coven "

gateway:
  url: "https://gateway.example.org"
  agent_id: "helper"
  jwt_secret: "s3cret"
  principal: "relay:matrix"
  token_ttl: "30m"

database:
  path: "./relay.db"

dispatch:
  block_interval: "500ms"
  run_timeout: "10m"
  stop_words: ["/stop", "halt"]
  error_replies: true
  typing:
    mode: "thinking"
    interval: "4s"
    ttl: "1m"
  coalesce:
    min_chars: 100
    max_chars: 2000
    idle: "2s"
  queue:
    mode: "collect"
    cap: 5
    drop: "old"
    debounce: "3s"
  reply:
    mode: "all"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Matrix.Account != "work" {
		t.Errorf("Matrix.Account = %q, want %q", cfg.Matrix.Account, "work")
	}
	if len(cfg.Matrix.AllowedRooms) != 1 || cfg.Matrix.AllowedRooms[0] != "!room1:example.org" {
		t.Errorf("Matrix.AllowedRooms = %v", cfg.Matrix.AllowedRooms)
	}
	if cfg.Gateway.TokenTTL != 30*time.Minute {
		t.Errorf("Gateway.TokenTTL = %v, want 30m", cfg.Gateway.TokenTTL)
	}
	if cfg.Database.Path != "./relay.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}

	d := cfg.Dispatch
	if d.BlockInterval != 500*time.Millisecond {
		t.Errorf("BlockInterval = %v", d.BlockInterval)
	}
	if d.RunTimeout != 10*time.Minute {
		t.Errorf("RunTimeout = %v", d.RunTimeout)
	}
	if strings.Join(d.StopWords, ",") != "/stop,halt" {
		t.Errorf("StopWords = %v", d.StopWords)
	}
	if !d.ErrorReplies {
		t.Error("ErrorReplies = false, want true")
	}
	if d.Typing.Mode != "thinking" || d.Typing.Interval != 4*time.Second || d.Typing.TTL != time.Minute {
		t.Errorf("Typing = %+v", d.Typing)
	}
	if d.Coalesce.MinChars != 100 || d.Coalesce.MaxChars != 2000 || d.Coalesce.Idle != 2*time.Second {
		t.Errorf("Coalesce = %+v", d.Coalesce)
	}
	if d.Queue.Mode != "collect" || d.Queue.Cap != 5 || d.Queue.Drop != "old" || d.Queue.Debounce != 3*time.Second {
		t.Errorf("Queue = %+v", d.Queue)
	}
	if d.Reply.Mode != "all" {
		t.Errorf("Reply.Mode = %q", d.Reply.Mode)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "relay.toml", `
[matrix]
homeserver = "https://matrix.example.org"
user_id = "@relay:example.org"
access_token = "syt_token"

[gateway]
url = "http://localhost:8080"
token = "static-token"

[dispatch]
run_timeout = "5m"

[dispatch.typing]
mode = "message"

[dispatch.queue]
mode = "replace"
debounce = "0s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Matrix.UserID != "@relay:example.org" {
		t.Errorf("Matrix.UserID = %q", cfg.Matrix.UserID)
	}
	if cfg.Gateway.Token != "static-token" {
		t.Errorf("Gateway.Token = %q", cfg.Gateway.Token)
	}
	if cfg.Dispatch.RunTimeout != 5*time.Minute {
		t.Errorf("RunTimeout = %v", cfg.Dispatch.RunTimeout)
	}
	if cfg.Dispatch.Typing.Mode != "message" {
		t.Errorf("Typing.Mode = %q", cfg.Dispatch.Typing.Mode)
	}
	if cfg.Dispatch.Queue.Mode != "replace" {
		t.Errorf("Queue.Mode = %q", cfg.Dispatch.Queue.Mode)
	}
	if cfg.Dispatch.Queue.Debounce != 0 {
		t.Errorf("explicit zero debounce was replaced: %v", cfg.Dispatch.Queue.Debounce)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "relay.yaml", minimalYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	d := cfg.Dispatch
	checks := []struct {
		name string
		got  any
		want any
	}{
		{"typing interval", d.Typing.Interval, DefaultTypingInterval},
		{"typing ttl", d.Typing.TTL, DefaultTypingTTL},
		{"max chars", d.Coalesce.MaxChars, DefaultMaxChars},
		{"min chars", d.Coalesce.MinChars, DefaultMinChars},
		{"idle", d.Coalesce.Idle, DefaultIdle},
		{"queue mode", d.Queue.Mode, "followup"},
		{"queue cap", d.Queue.Cap, DefaultQueueCap},
		{"debounce", d.Queue.Debounce, DefaultDebounce},
		{"reply mode", d.Reply.Mode, "first"},
		{"dedupe window", d.DedupeWindow, DefaultDedupeWindow},
		{"token ttl", cfg.Gateway.TokenTTL, DefaultTokenTTL},
		{"account", cfg.Matrix.Account, "default"},
		{"log level", cfg.Logging.Level, "info"},
		{"log format", cfg.Logging.Format, "text"},
		{"run timeout", d.RunTimeout, time.Duration(0)},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if strings.Join(d.StopWords, ",") != "/stop,stop" {
		t.Errorf("StopWords = %v", d.StopWords)
	}
}

func TestLoad_EmptyStopWordsDisables(t *testing.T) {
	cfg, err := Load(writeConfig(t, "relay.yaml", minimalYAML+`
dispatch:
  stop_words: []
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Dispatch.StopWords) != 0 {
		t.Errorf("StopWords = %v, want none", cfg.Dispatch.StopWords)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_RELAY_PASSWORD", "from-env")
	t.Setenv("TEST_RELAY_SECRET", "jwt-from-env")

	path := writeConfig(t, "relay.yaml", `
matrix:
  homeserver: "https://matrix.example.org"
  username: "relay"
  password: "${TEST_RELAY_PASSWORD}"
gateway:
  url: "http://localhost:8080"
  jwt_secret: "${TEST_RELAY_SECRET}"
  principal: "relay"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Matrix.Password != "from-env" {
		t.Errorf("Matrix.Password = %q, want %q", cfg.Matrix.Password, "from-env")
	}
	if cfg.Gateway.JWTSecret != "jwt-from-env" {
		t.Errorf("Gateway.JWTSecret = %q, want %q", cfg.Gateway.JWTSecret, "jwt-from-env")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/relay.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidSyntax(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"yaml", "relay.yaml", "matrix:\n  homeserver: [unclosed\n"},
		{"toml", "relay.toml", "[matrix\nhomeserver = 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			if err == nil || !strings.Contains(err.Error(), "parsing config file") {
				t.Errorf("Load() error = %v, want parse error", err)
			}
		})
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	tests := []struct {
		name    string
		extra   string
		errPart string
	}{
		{"bad run timeout", "dispatch:\n  run_timeout: \"soon\"\n", "dispatch.run_timeout"},
		{"bad idle", "dispatch:\n  coalesce:\n    idle: \"1x\"\n", "dispatch.coalesce.idle"},
		{"negative debounce", "dispatch:\n  queue:\n    debounce: \"-1s\"\n", "must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "relay.yaml", minimalYAML+tt.extra))
			if err == nil || !strings.Contains(err.Error(), tt.errPart) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.errPart)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := &Config{
			Matrix:  MatrixConfig{Homeserver: "https://matrix.example.org", Username: "relay", Password: "pw"},
			Gateway: GatewayConfig{URL: "http://localhost:8080"},
		}
		c.applyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		errPart string
	}{
		{"valid", func(*Config) {}, ""},
		{"token login", func(c *Config) {
			c.Matrix.Username, c.Matrix.Password = "", ""
			c.Matrix.UserID, c.Matrix.AccessToken = "@relay:example.org", "tok"
		}, ""},
		{"missing homeserver", func(c *Config) { c.Matrix.Homeserver = "" }, "matrix.homeserver"},
		{"missing credentials", func(c *Config) { c.Matrix.Password = "" }, "matrix.username"},
		{"missing gateway", func(c *Config) { c.Gateway.URL = "" }, "gateway.url is required"},
		{"gateway scheme", func(c *Config) { c.Gateway.URL = "ftp://gw" }, "http or https"},
		{"secret without principal", func(c *Config) { c.Gateway.JWTSecret = "s" }, "gateway.principal"},
		{"typing mode", func(c *Config) { c.Dispatch.Typing.Mode = "always" }, "dispatch.typing.mode"},
		{"queue mode", func(c *Config) { c.Dispatch.Queue.Mode = "steer" }, "dispatch.queue.mode"},
		{"drop policy", func(c *Config) { c.Dispatch.Queue.Drop = "random" }, "dispatch.queue.drop"},
		{"reply mode", func(c *Config) { c.Dispatch.Reply.Mode = "some" }, "dispatch.reply.mode"},
		{"min over max", func(c *Config) { c.Dispatch.Coalesce.MinChars = 5000 }, "exceeds max_chars"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.errPart == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errPart) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.errPart)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_EXPAND_A", "alpha")

	tests := []struct {
		input string
		want  string
	}{
		{"plain", "plain"},
		{"${TEST_EXPAND_A}", "alpha"},
		{"x-${TEST_EXPAND_A}-y", "x-alpha-y"},
		{"${TEST_EXPAND_UNSET_VAR}", ""},
		{"$TEST_EXPAND_A", "$TEST_EXPAND_A"},
	}
	for _, tt := range tests {
		if got := expandEnvVars(tt.input); got != tt.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
