// ABOUTME: Entry point for the procure-gateway orchestration server
// ABOUTME: Serves the JSON-RPC dispatch API and the goal orchestration loop

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/procure-gateway/internal/auth"
	"github.com/2389/procure-gateway/internal/config"
	"github.com/2389/procure-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                       _
 _ __  _ __ ___   ___ _   _ _ __ ___        __ _  __ _| |_ _____      ____ _ _   _
| '_ \| '__/ _ \ / __| | | | '__/ _ \_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| |_) | | | (_) | (__| |_| | | |  __/_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
| .__/|_|  \___/ \___|\__,_|_|  \___|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
|_|                                        |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: PROCURE_CONFIG env var > XDG_CONFIG_HOME/procure/gateway.yaml > ~/.config/procure/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("PROCURE_CONFIG"); envPath != "" {
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

	return filepath.Join(configDir, "procure", "gateway.yaml")
}

// getDataPath returns the path to the procure data directory.
// Priority: XDG_DATA_HOME/procure > ~/.local/share/procure
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "procure")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: procure-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                    Start the gateway server")
		fmt.Println("  init                     Create a config file and seed file interactively")
		fmt.Println("  token [--subject NAME]   Mint an admin JWT from the configured secret")
		fmt.Println("  health                   Check gateway health")
		fmt.Println("  version                  Print the version")
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
	case "token":
		err = runToken()
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Println(version)
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

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)

	green.Print("    ▶ ")
	fmt.Printf("Database:  ")
	if cfg.Database.URL != "" {
		fmt.Println("configured")
	} else {
		gray.Println("not configured (degraded mode)")
	}

	green.Print("    ▶ ")
	fmt.Printf("Planner:   ")
	if cfg.Planner.Model != "" {
		cyan.Println(cfg.Planner.Model)
	} else {
		gray.Println("disabled")
	}

	// Tailscale status
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting procure-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"planner_model", cfg.Planner.Model,
	)

	// Create and run gateway
	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
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
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}

	// Make HTTP request to health endpoint with context
	url := fmt.Sprintf("http://%s/health", addr)
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

	var health struct {
		Status   string `json:"status"`
		Database string `json:"database"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	fmt.Printf("%s (database: %s)\n", health.Status, health.Database)
	return nil
}

// runToken mints an admin JWT from the configured secret and saves it next to
// the config file, where procure-admin picks it up.
func runToken() error {
	// Parse args with explicit error handling
	// Supports both "--subject value" and "--subject=value" formats
	subject := "admin"
	var ttlArg string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--subject" || arg == "-s":
			if i+1 >= len(args) {
				return fmt.Errorf("--subject requires a value")
			}
			subject = args[i+1]
			i++
		case strings.HasPrefix(arg, "--subject="):
			subject = strings.TrimPrefix(arg, "--subject=")
		case arg == "--ttl":
			if i+1 >= len(args) {
				return fmt.Errorf("--ttl requires a value")
			}
			ttlArg = args[i+1]
			i++
		case strings.HasPrefix(arg, "--ttl="):
			ttlArg = strings.TrimPrefix(arg, "--ttl=")
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	subject = strings.TrimSpace(subject)
	if subject == "" {
		return fmt.Errorf("subject cannot be empty or whitespace only")
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s (run procure-gateway init)", configPath)
	}

	ttl := cfg.Auth.AdminTokenTTL
	if ttlArg != "" {
		ttl, err = time.ParseDuration(ttlArg)
		if err != nil {
			return fmt.Errorf("parsing --ttl %q: %w", ttlArg, err)
		}
	}
	if ttl <= 0 {
		return fmt.Errorf("token ttl must be positive")
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	expiresAt := time.Now().Add(ttl).UTC()

	token, err := verifier.Generate(subject, auth.RoleAdmin, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	// Save token to file for CLI tools to read
	tokenPath := filepath.Join(filepath.Dir(configPath), "token")
	if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}

	green.Printf("  ✓ Minted admin token for %q\n", subject)
	green.Printf("  ✓ Saved token: %s\n", tokenPath)

	fmt.Println()
	cyan.Println("  Admin Token")
	cyan.Println("  -----------")
	fmt.Printf("  Subject:  %s\n", subject)
	fmt.Printf("  Role:     admin\n")
	fmt.Printf("  Expires:  %s\n", expiresAt.Format("Jan 02, 2006"))
	fmt.Printf("  Token:    %s\n", tokenPath)
	fmt.Println()

	yellow.Println("  Ready to go:")
	fmt.Println("    procure-admin reload     # push catalog and ACL from the database")
	fmt.Println("    procure-admin goals      # list recent goal runs")
	fmt.Println()

	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("procure-gateway configuration setup")
	fmt.Println("===================================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultJournalPath := filepath.Join(defaultDataPath, "runs.db")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", ":8020")

	// Database
	fmt.Println("\n--- Database Configuration ---")
	dbURL := prompt(reader, "PostgreSQL URL (empty runs without a database)", "")

	// Planner
	fmt.Println("\n--- Planner Configuration ---")
	plannerURL := prompt(reader, "Planner base URL (empty disables goal endpoints)", "")
	var plannerModel string
	if plannerURL != "" {
		plannerModel = prompt(reader, "Planner model", "gpt-4o")
	}

	// Journal
	fmt.Println("\n--- Journal Configuration ---")
	journalPath := prompt(reader, "Goal journal path (empty disables run history)", defaultJournalPath)

	// Seed file
	fmt.Println("\n--- Seed Configuration ---")
	defaultSeedPath := filepath.Join(filepath.Dir(outputFile), "seed.toml")
	seedPath := prompt(reader, "Seed file path (empty skips the seed file)", defaultSeedPath)

	// Tailscale
	fmt.Println("\n--- Tailscale Configuration ---")
	enableTailscale := prompt(reader, "Enable Tailscale?", "no")
	tailscaleEnabled := strings.ToLower(enableTailscale) == "yes" || strings.ToLower(enableTailscale) == "y"

	var tsHostname, tsAuthKey string
	var tsEphemeral bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "procure-gateway")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for interactive)", "")
		ephemeralStr := prompt(reader, "Ephemeral node?", "no")
		tsEphemeral = strings.ToLower(ephemeralStr) == "yes" || strings.ToLower(ephemeralStr) == "y"
	}

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Admin endpoints need a signing secret; generate one rather than asking
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# procure-gateway configuration\n")
	cfg.WriteString("# Generated by procure-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  url: \"%s\"\n", dbURL))
	cfg.WriteString("\n")

	cfg.WriteString("planner:\n")
	cfg.WriteString(fmt.Sprintf("  base_url: \"%s\"\n", plannerURL))
	if plannerURL != "" {
		cfg.WriteString(fmt.Sprintf("  model: \"%s\"\n", plannerModel))
		cfg.WriteString("  api_key: \"${PROCURE_PLANNER_API_KEY}\"\n")
	}
	cfg.WriteString("\n")

	cfg.WriteString("journal:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", journalPath))
	cfg.WriteString("\n")

	if seedPath != "" {
		cfg.WriteString("seed:\n")
		cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", seedPath))
		cfg.WriteString("\n")
	}

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: \"%s\"\n", jwtSecret))
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: \"%s\"\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: \"%s\"\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  path: \"/metrics/prometheus\"\n")

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Config carries the JWT secret, keep it private
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure journal directory exists
	if journalPath != "" {
		journalDir := filepath.Dir(journalPath)
		if err := os.MkdirAll(journalDir, 0755); err != nil {
			return fmt.Errorf("creating journal directory: %w", err)
		}
	}

	// Write a starter seed file unless one is already there
	if seedPath != "" {
		if _, err := os.Stat(seedPath); os.IsNotExist(err) {
			if err := os.WriteFile(seedPath, []byte(starterSeed), 0644); err != nil {
				return fmt.Errorf("writing seed file: %w", err)
			}
			fmt.Printf("\nSeed file written to %s\n", seedPath)
		} else {
			fmt.Printf("\nKeeping existing seed file %s\n", seedPath)
		}
	}

	fmt.Printf("Config written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  procure-gateway serve\n")
	fmt.Println("\nTo mint an admin token for procure-admin:")
	fmt.Printf("  procure-gateway token --subject ops\n")

	return nil
}

// starterSeed documents the seed format; everything is commented out so the
// built-in catalog and ACL defaults apply until an operator edits it.
const starterSeed = `# procure-gateway seed file
# Methods merge over the built-in catalog, grants merge over the built-in ACL.
# The gateway reads this file once at startup.

# [[method]]
# service = "varsling"
# function = "send_epost"
# kind = "http_endpoint"
# target = "https://varsling.example.internal/api/send"
# description = "Sender epostvarsel til innkjopsansvarlig"

# [[grant]]
# caller = "varsling_agent"
# methods = ["varsling.send_epost"]
`

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
