// ABOUTME: Entry point for coven-relay
// ABOUTME: Streams coven agent replies into Matrix rooms through the dispatch engine

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/config"
)

const banner = `
   ___ _____   _____ _ __        _ __ ___| | __ _ _   _
  / __/ _ \ \ / / _ \ '_ \ _____| '__/ _ \ |/ _' | | | |
 | (_| (_) \ V /  __/ | | |_____| | |  __/ | (_| | |_| |
  \___\___/ \_/ \___|_| |_|     |_|  \___|_|\__,_|\__, |
                                                  |___/
`

// getConfigPath returns the path to the relay config file.
// Priority: COVEN_RELAY_CONFIG env var > XDG_CONFIG_HOME/coven/relay.toml > ~/.config/coven/relay.toml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.toml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "relay.toml")
}

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		if err := runInit(os.Stdin, getConfigPath()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	configPath := getConfigPath()
	dataPath := getDataPath()

	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	logger := setupLogger(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Homeserver: %s\n", cfg.Matrix.Homeserver)
	green.Print("    ▶ ")
	fmt.Printf("Account:    %s\n", cfg.Matrix.Account)
	green.Print("    ▶ ")
	fmt.Printf("Gateway:    %s\n", cfg.Gateway.URL)
	green.Print("    ▶ ")
	fmt.Printf("Reply mode: %s, queue mode: %s\n", cfg.Dispatch.Reply.Mode, cfg.Dispatch.Queue.Mode)
	if cfg.Matrix.RecoveryKey != "" {
		green.Print("    ▶ ")
		fmt.Println("Encryption: enabled")
	}
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bridge, err := NewBridge(cfg, dataPath, logger)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	if err := bridge.Login(ctx); err != nil {
		return fmt.Errorf("matrix login: %w", err)
	}

	if cfg.Matrix.RecoveryKey != "" {
		cryptoMgr, err := SetupCrypto(ctx, bridge.matrix, bridge.UserID(), cfg.Matrix.RecoveryKey, dataPath, logger)
		if err != nil {
			return fmt.Errorf("setting up encryption: %w", err)
		}
		defer cryptoMgr.Close()
	} else {
		logger.Info("encryption disabled (no recovery key)")
	}

	return bridge.Run(ctx)
}

func setupLogger(w io.Writer, level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// initAnswers holds what runInit asks for.
type initAnswers struct {
	Homeserver  string
	Username    string
	Password    string
	RecoveryKey string
	GatewayURL  string
	AgentID     string
	Prefix      string
}

func runInit(in io.Reader, configPath string) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println("    Interactive Setup")
	fmt.Println("    -----------------")
	fmt.Println()

	reader := bufio.NewReader(in)
	ask := func(prompt, fallback string) string {
		green.Print("    ▶ ")
		fmt.Print(prompt)
		answer, _ := reader.ReadString('\n')
		answer = strings.TrimSpace(answer)
		if answer == "" {
			return fallback
		}
		return answer
	}

	if _, err := os.Stat(configPath); err == nil {
		yellow.Printf("    Config already exists at %s\n", configPath)
		fmt.Print("    Overwrite? [y/N]: ")
		answer, _ := reader.ReadString('\n')
		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			fmt.Println("    Aborted.")
			return nil
		}
		fmt.Println()
	}

	a := initAnswers{
		Homeserver:  ask("Matrix homeserver URL [https://matrix.org]: ", "https://matrix.org"),
		Username:    ask("Matrix username: ", ""),
		Password:    ask("Matrix password: ", ""),
		RecoveryKey: ask("Matrix recovery key (optional, for E2EE): ", ""),
		GatewayURL:  ask("Gateway URL [http://localhost:8080]: ", "http://localhost:8080"),
		AgentID:     ask("Agent ID (optional): ", ""),
		Prefix:      ask("Command prefix (optional, e.g. '!coven '): ", ""),
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(starterConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Println()
	green.Printf("    ✓ Config written to %s\n", configPath)
	fmt.Println()
	fmt.Println("    Next steps:")
	fmt.Println("    1. Run: coven-relay")
	fmt.Println()

	return nil
}

// starterConfig renders a relay.toml with every dispatch setting spelled
// out at its default.
func starterConfig(a initAnswers) string {
	var b strings.Builder
	fmt.Fprintf(&b, `# coven-relay configuration
# Generated by coven-relay init

[matrix]
homeserver = %q
username = %q
password = %q
`, a.Homeserver, a.Username, a.Password)
	if a.RecoveryKey != "" {
		fmt.Fprintf(&b, "recovery_key = %q\n", a.RecoveryKey)
	}
	fmt.Fprintf(&b, `# Only respond in these rooms (empty = all joined rooms)
allowed_rooms = []
# Require messages start with this prefix (empty = respond to all)
command_prefix = %q

[gateway]
url = %q
agent_id = %q

[dispatch]
stop_words = ["/stop", "stop"]
error_replies = false
block_interval = "0s"
run_timeout = "0s"

[dispatch.typing]
# instant | message | thinking | never (empty = pick per room)
mode = ""
interval = %q
ttl = %q

[dispatch.coalesce]
min_chars = %d
max_chars = %d
idle = %q

[dispatch.queue]
# followup | collect | replace
mode = "followup"
cap = %d
# summarize | old | new
drop = "summarize"
debounce = %q

[dispatch.reply]
# off | first | all
mode = "first"

[logging]
level = "info"
format = "text"
`,
		a.Prefix, a.GatewayURL, a.AgentID,
		config.DefaultTypingInterval.String(), config.DefaultTypingTTL.String(),
		config.DefaultMinChars, config.DefaultMaxChars, config.DefaultIdle.String(),
		config.DefaultQueueCap, config.DefaultDebounce.String(),
	)
	return b.String()
}
