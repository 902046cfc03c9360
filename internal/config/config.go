// ABOUTME: Configuration loading and parsing for procure-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete procure-gateway configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Tailscale    TailscaleConfig    `yaml:"tailscale"`
	Database     DatabaseConfig     `yaml:"database"`
	Limits       LimitsConfig       `yaml:"limits"`
	Endpoints    EndpointsConfig    `yaml:"endpoints"`
	Planner      PlannerConfig      `yaml:"planner"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Journal      JournalConfig      `yaml:"journal"`
	Auth         AuthConfig         `yaml:"auth"`
	Seed         SeedConfig         `yaml:"seed"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds the procedural database connection settings. URL may
// be empty, in which case the gateway runs degraded: the catalog and ACL use
// their built-in defaults and procedure calls answer SERVICE_UNAVAILABLE.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`

	ConnMaxIdleTime time.Duration `yaml:"-"`
	AcquireTimeout  time.Duration `yaml:"-"`
	CallTimeout     time.Duration `yaml:"-"`
	CloseTimeout    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ConnMaxIdleTimeRaw string `yaml:"conn_max_idle_time"`
	AcquireTimeoutRaw  string `yaml:"acquire_timeout"`
	CallTimeoutRaw     string `yaml:"call_timeout"`
	CloseTimeoutRaw    string `yaml:"close_timeout"`
}

// LimitsConfig holds rate limiting configuration
type LimitsConfig struct {
	Default   int            `yaml:"default"`
	PerCaller map[string]int `yaml:"per_caller"`

	Window time.Duration `yaml:"-"`

	WindowRaw string `yaml:"window"`
}

// EndpointsConfig holds settings for outbound http_endpoint targets
type EndpointsConfig struct {
	CallTimeout time.Duration `yaml:"-"`

	CallTimeoutRaw string `yaml:"call_timeout"`
}

// PlannerConfig holds the upstream reasoning service configuration
type PlannerConfig struct {
	BaseURL           string  `yaml:"base_url"`
	APIKey            string  `yaml:"api_key"`
	Model             string  `yaml:"model"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	Timeout time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

// OrchestratorConfig holds goal loop configuration
type OrchestratorConfig struct {
	MaxIterations int `yaml:"max_iterations"`
}

// JournalConfig holds the local goal-run journal configuration. An empty
// path disables run persistence.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds admin authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`

	AdminTokenTTL time.Duration `yaml:"-"`

	AdminTokenTTLRaw string `yaml:"admin_token_ttl"`
}

// SeedConfig points at an optional TOML seed file for catalog and ACL
// entries, merged over the built-in defaults at startup.
type SeedConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds Prometheus exposition configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a configuration with the stock limits and timeouts
// installed. Load applies a file over it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{HTTPAddr: ":8020"},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			ConnMaxIdleTime: 300 * time.Second,
			AcquireTimeout:  10 * time.Second,
			CallTimeout:     60 * time.Second,
			CloseTimeout:    5 * time.Second,
		},
		Limits: LimitsConfig{
			Default: 60,
			Window:  time.Minute,
			PerCaller: map[string]int{
				"reasoning_orchestrator": 120,
				"triage_agent":           60,
				"oslomodell_agent":       30,
			},
		},
		Endpoints:    EndpointsConfig{CallTimeout: 30 * time.Second},
		Planner:      PlannerConfig{Timeout: 45 * time.Second, RequestsPerSecond: 2},
		Orchestrator: OrchestratorConfig{MaxIterations: 10},
		Auth:         AuthConfig{AdminTokenTTL: 30 * 24 * time.Hour},
		Logging:      LoggingConfig{Level: "info", Format: "json"},
		Metrics:      MetricsConfig{Enabled: true, Path: "/metrics/prometheus"},
	}
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} or ${VAR_NAME:-fallback}
// are expanded. Duration strings are parsed into time.Duration values. Fields
// absent from the file keep the Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string,
// or with the fallback when the ${VAR_NAME:-fallback} form is used.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} and ${VAR_NAME:-fallback} patterns
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		expr := re.FindStringSubmatch(match)[1]
		varName, fallback, hasFallback := strings.Cut(expr, ":-")
		if v := os.Getenv(varName); v != "" {
			return v
		}
		if hasFallback {
			return fallback
		}
		return ""
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// A listen address is required unless Tailscale provides one
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Limits.Default <= 0 {
		return fmt.Errorf("limits.default must be positive")
	}
	for caller, limit := range c.Limits.PerCaller {
		if limit < 0 {
			return fmt.Errorf("limits.per_caller.%s must not be negative", caller)
		}
	}

	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}

	if c.Orchestrator.MaxIterations <= 0 {
		return fmt.Errorf("orchestrator.max_iterations must be positive")
	}

	if c.Planner.BaseURL != "" && c.Planner.RequestsPerSecond <= 0 {
		return fmt.Errorf("planner.requests_per_second must be positive when planner is configured")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Database.ConnMaxIdleTimeRaw, &cfg.Database.ConnMaxIdleTime, "database.conn_max_idle_time"},
		{cfg.Database.AcquireTimeoutRaw, &cfg.Database.AcquireTimeout, "database.acquire_timeout"},
		{cfg.Database.CallTimeoutRaw, &cfg.Database.CallTimeout, "database.call_timeout"},
		{cfg.Database.CloseTimeoutRaw, &cfg.Database.CloseTimeout, "database.close_timeout"},
		{cfg.Limits.WindowRaw, &cfg.Limits.Window, "limits.window"},
		{cfg.Endpoints.CallTimeoutRaw, &cfg.Endpoints.CallTimeout, "endpoints.call_timeout"},
		{cfg.Planner.TimeoutRaw, &cfg.Planner.Timeout, "planner.timeout"},
		{cfg.Auth.AdminTokenTTLRaw, &cfg.Auth.AdminTokenTTL, "auth.admin_token_ttl"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
