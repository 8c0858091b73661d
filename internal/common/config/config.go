// Package config provides configuration management for Kiln.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Kiln.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Orchestra  OrchestraConfig  `mapstructure:"orchestrator"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Git        GitConfig        `mapstructure:"git"`
	BranchName BranchNameConfig `mapstructure:"branchname"`
	MCP        MCPConfig        `mapstructure:"mcp"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver selects the backend: "sqlite" (default) or "postgres".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration for the local container
// sandbox provider.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	Image          string `mapstructure:"image"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
}

// SandboxProviderConfig holds per-provider API credentials and limits.
type SandboxProviderConfig struct {
	APIURL   string `mapstructure:"apiUrl"`
	APIToken string `mapstructure:"apiToken"`
	TeamID   string `mapstructure:"teamId"`
}

// SandboxConfig holds configuration common to all sandbox providers plus
// the per-provider sections.
type SandboxConfig struct {
	// DefaultProvider is used when a task does not name one.
	DefaultProvider string `mapstructure:"defaultProvider"`
	// MaxDuration caps task maxDuration regardless of provider (minutes).
	MaxDurationMinutes int `mapstructure:"maxDurationMinutes"`
	// SweepInterval is how often the orphan sweeper runs (minutes).
	SweepIntervalMinutes int `mapstructure:"sweepIntervalMinutes"`
	// Runtime hint passed to cloud providers (e.g. "node22").
	Runtime string `mapstructure:"runtime"`
	VCPUs   int    `mapstructure:"vcpus"`

	Vercel  SandboxProviderConfig `mapstructure:"vercel"`
	E2B     SandboxProviderConfig `mapstructure:"e2b"`
	Daytona SandboxProviderConfig `mapstructure:"daytona"`
}

// OrchestraConfig bounds the executor worker pool.
type OrchestraConfig struct {
	// MaxWorkers is the number of tasks executed in parallel.
	MaxWorkers int `mapstructure:"maxWorkers"`
}

// RateLimitConfig holds the per-user daily task quota settings.
type RateLimitConfig struct {
	DailyLimit      int      `mapstructure:"dailyLimit"`
	AdminDailyLimit int      `mapstructure:"adminDailyLimit"`
	AdminDomains    []string `mapstructure:"adminDomains"`
}

// GitConfig holds the committer identity used inside sandboxes.
type GitConfig struct {
	CommitterName  string `mapstructure:"committerName"`
	CommitterEmail string `mapstructure:"committerEmail"`
}

// BranchNameConfig holds the text-generation gateway settings for branch
// name synthesis.
type BranchNameConfig struct {
	BaseURL        string `mapstructure:"baseUrl"`
	APIKey         string `mapstructure:"apiKey"`
	Model          string `mapstructure:"model"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
}

// MCPConfig holds the embedded MCP server settings. PublicURL is the base
// URL sandboxes use to reach the server; when empty, agents run without the
// engine's own MCP entry.
type MCPConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Port      int    `mapstructure:"port"`
	PublicURL string `mapstructure:"publicUrl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// MaxDuration returns the provider-wide wall-clock ceiling.
func (s *SandboxConfig) MaxDuration() time.Duration {
	return time.Duration(s.MaxDurationMinutes) * time.Minute
}

// SweepInterval returns the orphan sweep cadence.
func (s *SandboxConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalMinutes) * time.Minute
}

// Timeout returns the gateway timeout for branch name synthesis.
func (b *BranchNameConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("KILN_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "~/.kiln/kiln.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "kiln")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "kiln")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "kiln")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.image", "kiln/sandbox:latest")
	v.SetDefault("docker.defaultNetwork", "bridge")

	// Sandbox defaults
	v.SetDefault("sandbox.defaultProvider", "docker")
	v.SetDefault("sandbox.maxDurationMinutes", 30)
	v.SetDefault("sandbox.sweepIntervalMinutes", 10)
	v.SetDefault("sandbox.runtime", "node22")
	v.SetDefault("sandbox.vcpus", 4)
	v.SetDefault("sandbox.vercel.apiUrl", "https://api.vercel.com")
	v.SetDefault("sandbox.e2b.apiUrl", "https://api.e2b.dev")
	v.SetDefault("sandbox.daytona.apiUrl", "https://app.daytona.io/api")

	// Orchestrator defaults
	v.SetDefault("orchestrator.maxWorkers", 8)

	// Rate limit defaults
	v.SetDefault("ratelimit.dailyLimit", 20)
	v.SetDefault("ratelimit.adminDailyLimit", 100)
	v.SetDefault("ratelimit.adminDomains", []string{})

	// Git identity defaults
	v.SetDefault("git.committerName", "Kiln Agent")
	v.SetDefault("git.committerEmail", "agent@kiln.dev")

	// Branch name synthesis defaults
	v.SetDefault("branchname.baseUrl", "")
	v.SetDefault("branchname.apiKey", "")
	v.SetDefault("branchname.model", "gpt-4o-mini")
	v.SetDefault("branchname.timeoutSeconds", 5)

	// Embedded MCP server defaults
	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.port", 9090)
	v.SetDefault("mcp.publicUrl", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix KILN_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/kiln/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("KILN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("sandbox.vercel.apiToken", "KILN_SANDBOX_VERCEL_API_TOKEN", "VERCEL_TOKEN")
	_ = v.BindEnv("sandbox.e2b.apiToken", "KILN_SANDBOX_E2B_API_TOKEN", "E2B_API_KEY")
	_ = v.BindEnv("sandbox.daytona.apiToken", "KILN_SANDBOX_DAYTONA_API_TOKEN", "DAYTONA_API_KEY")
	_ = v.BindEnv("branchname.apiKey", "KILN_BRANCHNAME_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("database.driver", "KILN_DATABASE_DRIVER")
	_ = v.BindEnv("database.path", "KILN_DATABASE_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/kiln/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown database driver: %q", cfg.Database.Driver)
	}
	if cfg.Sandbox.MaxDurationMinutes <= 0 {
		return fmt.Errorf("sandbox.maxDurationMinutes must be positive")
	}
	if cfg.Orchestra.MaxWorkers <= 0 {
		return fmt.Errorf("orchestrator.maxWorkers must be positive")
	}
	return nil
}
