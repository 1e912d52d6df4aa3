// ABOUTME: Entry point for the sigil-gateway control-plane server
// ABOUTME: Serves the framed websocket protocol and manages durable state

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/sigil-gateway/internal/auth"
	"github.com/2389/sigil-gateway/internal/config"
	"github.com/2389/sigil-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
     _       _ _
 ___(_) __ _(_) |       __ _  __ _| |_ _____      ____ _ _   _
/ __| |/ _' | | |_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
\__ \ | (_| | | |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|___/_|\__, |_|_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
       |___/           |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: SIGIL_CONFIG env var > XDG_CONFIG_HOME/sigil/gateway.yaml > ~/.config/sigil/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("SIGIL_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "sigil", "gateway.yaml")
}

// getDataPath returns the path to the sigil data directory.
// Priority: XDG_DATA_HOME/sigil > ~/.local/share/sigil
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "sigil")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: sigil-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                    Start the gateway server")
		fmt.Println("  init                     Create a new config file")
		fmt.Println("  bootstrap --device NAME  Create config with auth and mint a device token")
		fmt.Println("  health                   Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "bootstrap":
		err = runBootstrap()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Listen:   %s\n", cfg.Server.ListenAddr)
	green.Print("    ▶ ")
	fmt.Printf("State:    %s\n", cfg.State.Dir)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! auth disabled: no jwt_secret configured")
	}
	fmt.Println()

	logger.Info("starting sigil-gateway",
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"state_dir", cfg.State.Dir,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.ListenAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runInit writes a starter config without auth. bootstrap is the path that
// sets up a secret and a first device token.
func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	if err := writeConfig(configPath, ""); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Print("  ✓ ")
	fmt.Printf("Created %s\n", configPath)
	fmt.Println("  Edit it, then run: sigil-gateway serve")
	return nil
}

// runBootstrap performs first-time setup: a config with a random JWT
// secret, plus a long-lived token for the named device.
func runBootstrap() error {
	deviceName, err := parseDeviceFlag(os.Args[2:])
	if err != nil {
		return err
	}

	configPath := getConfigPath()

	var secret string
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		secret = base64.StdEncoding.EncodeToString(secretBytes)
		if err := writeConfig(configPath, secret); err != nil {
			return err
		}
	} else {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading existing config: %w", err)
		}
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("config at %s has no jwt_secret; remove it and rerun bootstrap", configPath)
		}
		secret = cfg.Auth.JWTSecret
	}

	token, err := auth.NewJWTVerifier([]byte(secret)).Generate(deviceName, 365*24*time.Hour)
	if err != nil {
		return fmt.Errorf("generating device token: %w", err)
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	green.Print("  ✓ ")
	fmt.Printf("Config:       %s\n", configPath)
	green.Print("  ✓ ")
	fmt.Printf("Device:       %s\n", deviceName)
	green.Print("  ✓ ")
	fmt.Print("Device token: ")
	cyan.Println(token)
	fmt.Println()
	fmt.Println("  Store the token somewhere safe; it is not persisted by the gateway.")
	return nil
}

func parseDeviceFlag(args []string) (string, error) {
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--device" || args[i] == "-d":
			if i+1 >= len(args) {
				return "", fmt.Errorf("--device requires a value")
			}
			return args[i+1], nil
		case len(args[i]) > 9 && args[i][:9] == "--device=":
			return args[i][9:], nil
		}
	}
	return "", fmt.Errorf("--device flag is required")
}

func writeConfig(path, jwtSecret string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	dataPath := getDataPath()
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	content := fmt.Sprintf(`server:
  listen_addr: "127.0.0.1:4242"

state:
  dir: %q

auth:
  jwt_secret: %q
  token_ttl: "720h"

approvals:
  sweep_schedule: "@every 30s"
  default_timeout: "15m"

logging:
  level: "info"
  format: "text"

# tailscale:
#   enabled: true
#   hostname: "sigil-gateway"
#   auth_key: "${TS_AUTHKEY}"
`, dataPath, jwtSecret)

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
