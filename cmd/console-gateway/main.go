// ABOUTME: Entry point for the console-gateway web console backend
// ABOUTME: Subcommands cover serving, first-run setup, and health checks

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
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/console-gateway/internal/auth"
	"github.com/2389/console-gateway/internal/config"
	"github.com/2389/console-gateway/internal/server"
	"github.com/2389/console-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 ___ ___  _ __  ___  ___ | | ___       __ _  __ _| |_ _____      ____ _ _   _
/ __/ _ \| '_ \/ __|/ _ \| |/ _ \_____/ _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| (_| (_) | | | \__ \ (_) | |  __/_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
\___\___/|_| |_|___/\___/|_|\___|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                       |___/                             |___/
`

// getConfigPath returns the path to the console config file.
// Priority: CONSOLE_CONFIG env var > XDG_CONFIG_HOME/console/gateway.yaml > ~/.config/console/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CONSOLE_CONFIG"); envPath != "" {
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

	return filepath.Join(configDir, "console", "gateway.yaml")
}

// getDataPath returns the path to the console data directory.
// Priority: XDG_DATA_HOME/console > ~/.local/share/console
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "console")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: console-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                  Start the console backend")
		fmt.Println("  init                   Create a config file with a fresh secret")
		fmt.Println("  bootstrap --user NAME  Create the initial admin user")
		fmt.Println("  health                 Check backend health")
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
		err = runBootstrap(ctx)
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

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
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
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	if !cfg.Setup.Complete {
		yellow.Println("    ! setup not complete: most endpoints will refuse requests")
	}

	fmt.Println()

	logger.Info("starting console-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	srv, err := server.New(cfg, server.Options{}, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// runInit writes a fresh config file with a random JWT secret and a local
// provider enabled. Refuses to overwrite an existing file.
func runInit() error {
	configPath := getConfigPath()
	dataPath := getDataPath()
	dbPath := filepath.Join(dataPath, "console.db")

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	configContent := fmt.Sprintf(`# console-gateway configuration
# Generated by console-gateway init

server:
  http_addr: "localhost:8080"

database:
  path: "%s"

auth:
  jwt_secret: "%s"
  providers:
    - id: "local"
      type: "local"

setup:
  complete: false

logging:
  level: "info"
  format: "text"
`, dbPath, jwtSecret)

	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println("  Run 'console-gateway bootstrap --user NAME' to create the first admin.")
	return nil
}

// runBootstrap creates the initial admin user with a local password
// credential and flips setup.complete in the config file.
func runBootstrap(ctx context.Context) error {
	var username, password string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--user" || arg == "-u":
			if i+1 >= len(args) {
				return fmt.Errorf("--user requires a value")
			}
			username = args[i+1]
			i++
		case strings.HasPrefix(arg, "--user="):
			username = strings.TrimPrefix(arg, "--user=")
		case arg == "--password" || arg == "-p":
			if i+1 >= len(args) {
				return fmt.Errorf("--password requires a value")
			}
			password = args[i+1]
			i++
		case strings.HasPrefix(arg, "--password="):
			password = strings.TrimPrefix(arg, "--password=")
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("--user flag is required")
	}
	if password == "" {
		return fmt.Errorf("--password flag is required")
	}
	if len(username) > 100 {
		return fmt.Errorf("username exceeds maximum length of 100 characters")
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	localID := ""
	for _, pc := range cfg.Auth.Providers {
		if pc.Type == "local" {
			localID = pc.ID
			break
		}
	}
	if localID == "" {
		return fmt.Errorf("no local provider configured in %s", configPath)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Database: %s\n", cfg.Database.Path)

	if existing, err := s.GetUserByUsername(ctx, username); err == nil && existing != nil {
		return fmt.Errorf("user %q already exists", username)
	}

	user := &store.User{
		ID:          uuid.New().String(),
		Username:    username,
		DisplayName: username,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.CreateUser(ctx, user); err != nil {
		return fmt.Errorf("creating user: %w", err)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	if err := s.SetCredential(ctx, &store.Credential{
		ProviderID:   localID,
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}

	for _, perm := range []string{store.PermissionAdmin, store.PermissionOpenWorkspace, store.PermissionRunQueries} {
		if err := s.GrantPermission(ctx, user.ID, perm); err != nil {
			return fmt.Errorf("granting %s: %w", perm, err)
		}
	}

	green.Printf("  ✓ Created admin user: %s\n", username)

	if !cfg.Setup.Complete {
		if err := markSetupComplete(configPath); err != nil {
			return fmt.Errorf("updating config: %w", err)
		}
		green.Printf("  ✓ Marked setup complete in %s\n", configPath)
	}

	return nil
}

// markSetupComplete rewrites setup.complete in place, preserving the rest of
// the file as the operator wrote it.
func markSetupComplete(configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}
	content := string(data)
	if strings.Contains(content, "complete: false") {
		content = strings.Replace(content, "complete: false", "complete: true", 1)
	} else if !strings.Contains(content, "setup:") {
		content += "\nsetup:\n  complete: true\n"
	}
	return os.WriteFile(configPath, []byte(content), 0600)
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/healthz", cfg.Server.HTTPAddr)
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
