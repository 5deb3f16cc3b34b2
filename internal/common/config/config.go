// Package config provides configuration management for sessiond.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for sessiond.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Lease    LeaseConfig    `mapstructure:"lease"`
	Events   EventsConfig   `mapstructure:"events"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DispatchConfig bounds the execution dispatcher.
type DispatchConfig struct {
	// Workers is the number of executions processed concurrently.
	Workers int `mapstructure:"workers"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver selects the backend: "sqlite" (default, Path) or "postgres"
// (Host/Port/User/DBName via pgx).
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
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LeaseConfig holds execution-lease timing configuration.
type LeaseConfig struct {
	TTL               int `mapstructure:"ttl"`               // in seconds
	HeartbeatInterval int `mapstructure:"heartbeatInterval"` // in seconds
	SweepInterval     int `mapstructure:"sweepInterval"`     // in seconds
}

// EventsConfig holds event-log retention configuration.
// RetentionDays 0 keeps events forever.
type EventsConfig struct {
	RetentionDays int `mapstructure:"retentionDays"`
	SweepInterval int `mapstructure:"sweepInterval"` // in seconds
}

// AgentConfig holds agent CLI invocation configuration.
type AgentConfig struct {
	// Profile names the default agent profile used when a request does not
	// select one.
	Profile string `mapstructure:"profile"`

	// ProfilesPath points at the YAML profile definitions. Empty uses the
	// built-in default profile only.
	ProfilesPath string `mapstructure:"profilesPath"`

	// CLITimeout bounds one agent invocation, in seconds. The stream
	// deadline is this plus DeadlineBuffer.
	CLITimeout int `mapstructure:"cliTimeout"`

	// DeadlineBuffer is the safety margin added on top of CLITimeout
	// before the stream is forcibly ended, in seconds.
	DeadlineBuffer int `mapstructure:"deadlineBuffer"`

	// InterruptPollInterval is how often the interrupt flag is polled
	// during streaming, in seconds.
	InterruptPollInterval int `mapstructure:"interruptPollInterval"`

	// TerminalEventTypes lists parsed agent event types that end the
	// stream as an unrecoverable failure.
	TerminalEventTypes []string `mapstructure:"terminalEventTypes"`
}

// WorkerConfig holds session-worker process configuration.
type WorkerConfig struct {
	// Command is the worker binary spawned inside the sandbox.
	Command string `mapstructure:"command"`

	// PortMin/PortMax bound the worker port range. The preferred port for
	// a session is derived deterministically into this range.
	PortMin int `mapstructure:"portMin"`
	PortMax int `mapstructure:"portMax"`

	// StartupTimeout bounds the health probe wait after spawn, in seconds.
	StartupTimeout int `mapstructure:"startupTimeout"`

	// HealthPath is the HTTP path probed on the worker port.
	HealthPath string `mapstructure:"healthPath"`

	// BindRetries caps respawn attempts after a port bind conflict.
	BindRetries int `mapstructure:"bindRetries"`
}

// SandboxConfig selects and configures the sandbox backend.
type SandboxConfig struct {
	// Mode is one of: local, sprites, docker.
	Mode    string        `mapstructure:"mode"`
	Sprites SpritesConfig `mapstructure:"sprites"`
	Docker  DockerConfig  `mapstructure:"docker"`
}

// SpritesConfig holds Sprites sandbox configuration.
type SpritesConfig struct {
	Token string `mapstructure:"token"`
	Name  string `mapstructure:"name"`
}

// DockerConfig holds Docker sandbox configuration.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`

	// Image is the container image processes run in. The worker binary
	// must be present on its PATH.
	Image string `mapstructure:"image"`

	// NetworkMode defaults to host networking so worker ports bind on
	// the same port space the allocator manages.
	NetworkMode string `mapstructure:"networkMode"`
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

// TTLDuration returns the lease TTL as a time.Duration.
func (l *LeaseConfig) TTLDuration() time.Duration {
	return time.Duration(l.TTL) * time.Second
}

// HeartbeatDuration returns the heartbeat interval as a time.Duration.
func (l *LeaseConfig) HeartbeatDuration() time.Duration {
	return time.Duration(l.HeartbeatInterval) * time.Second
}

// SweepDuration returns the lease sweep interval as a time.Duration.
func (l *LeaseConfig) SweepDuration() time.Duration {
	return time.Duration(l.SweepInterval) * time.Second
}

// Retention returns the event retention window; zero means keep forever.
func (e *EventsConfig) Retention() time.Duration {
	return time.Duration(e.RetentionDays) * 24 * time.Hour
}

// SweepDuration returns the retention sweep interval as a time.Duration.
func (e *EventsConfig) SweepDuration() time.Duration {
	return time.Duration(e.SweepInterval) * time.Second
}

// CLITimeoutDuration returns the CLI timeout as a time.Duration.
func (a *AgentConfig) CLITimeoutDuration() time.Duration {
	return time.Duration(a.CLITimeout) * time.Second
}

// DeadlineBufferDuration returns the deadline safety buffer as a time.Duration.
func (a *AgentConfig) DeadlineBufferDuration() time.Duration {
	return time.Duration(a.DeadlineBuffer) * time.Second
}

// InterruptPollDuration returns the interrupt poll interval as a time.Duration.
func (a *AgentConfig) InterruptPollDuration() time.Duration {
	return time.Duration(a.InterruptPollInterval) * time.Second
}

// StartupTimeoutDuration returns the worker startup timeout as a time.Duration.
func (w *WorkerConfig) StartupTimeoutDuration() time.Duration {
	return time.Duration(w.StartupTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("SESSIOND_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite file in the working directory
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "sessiond.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "sessiond")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "sessiond")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Lease defaults
	v.SetDefault("lease.ttl", 120)
	v.SetDefault("lease.heartbeatInterval", 30)
	v.SetDefault("lease.sweepInterval", 60)

	// Event retention defaults - keep forever, sweep hourly when enabled
	v.SetDefault("events.retentionDays", 0)
	v.SetDefault("events.sweepInterval", 3600)

	// Agent defaults
	v.SetDefault("agent.profile", "claude")
	v.SetDefault("agent.profilesPath", "")
	v.SetDefault("agent.cliTimeout", 1800)
	v.SetDefault("agent.deadlineBuffer", 30)
	v.SetDefault("agent.interruptPollInterval", 2)
	v.SetDefault("agent.terminalEventTypes", []string{"error"})

	// Worker defaults
	v.SetDefault("worker.command", "sessiond-worker")
	v.SetDefault("worker.portMin", 39100)
	v.SetDefault("worker.portMax", 39999)
	v.SetDefault("worker.startupTimeout", 45)
	v.SetDefault("worker.healthPath", "/health")
	v.SetDefault("worker.bindRetries", 3)

	// Sandbox defaults
	v.SetDefault("sandbox.mode", "local")
	v.SetDefault("sandbox.sprites.token", "")
	v.SetDefault("sandbox.sprites.name", "")
	v.SetDefault("sandbox.docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("sandbox.docker.apiVersion", "")
	v.SetDefault("sandbox.docker.image", "sessiond-agent:latest")
	v.SetDefault("sandbox.docker.networkMode", "host")

	// Dispatch defaults
	v.SetDefault("dispatch.workers", 8)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SESSIOND_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/sessiond/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("SESSIOND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("sandbox.sprites.token", "SPRITES_TOKEN", "SESSIOND_SANDBOX_SPRITES_TOKEN")
	_ = v.BindEnv("agent.cliTimeout", "SESSIOND_AGENT_CLI_TIMEOUT")
	_ = v.BindEnv("worker.portMin", "SESSIOND_WORKER_PORT_MIN")
	_ = v.BindEnv("worker.portMax", "SESSIOND_WORKER_PORT_MAX")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sessiond/")

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

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation
	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	// Lease validation - heartbeats must land well inside the TTL window
	if cfg.Lease.TTL <= 0 {
		errs = append(errs, "lease.ttl must be positive")
	}
	if cfg.Lease.HeartbeatInterval <= 0 {
		errs = append(errs, "lease.heartbeatInterval must be positive")
	}
	if cfg.Lease.HeartbeatInterval >= cfg.Lease.TTL {
		errs = append(errs, "lease.heartbeatInterval must be less than lease.ttl")
	}

	// Agent validation
	if cfg.Agent.CLITimeout <= 0 {
		errs = append(errs, "agent.cliTimeout must be positive")
	}
	if cfg.Agent.InterruptPollInterval <= 0 {
		errs = append(errs, "agent.interruptPollInterval must be positive")
	}

	// Worker validation
	if cfg.Worker.Command == "" {
		errs = append(errs, "worker.command is required")
	}
	if cfg.Worker.PortMin <= 0 || cfg.Worker.PortMin > 65535 ||
		cfg.Worker.PortMax <= 0 || cfg.Worker.PortMax > 65535 {
		errs = append(errs, "worker ports must be between 1 and 65535")
	}
	if cfg.Worker.PortMin >= cfg.Worker.PortMax {
		errs = append(errs, "worker.portMin must be less than worker.portMax")
	}
	if cfg.Worker.BindRetries < 0 {
		errs = append(errs, "worker.bindRetries must not be negative")
	}

	// Sandbox validation
	switch cfg.Sandbox.Mode {
	case "local":
	case "sprites":
		if cfg.Sandbox.Sprites.Token == "" {
			errs = append(errs, "sandbox.sprites.token is required for sprites mode")
		}
		if cfg.Sandbox.Sprites.Name == "" {
			errs = append(errs, "sandbox.sprites.name is required for sprites mode")
		}
	case "docker":
		if cfg.Sandbox.Docker.Image == "" {
			errs = append(errs, "sandbox.docker.image is required for docker mode")
		}
	default:
		errs = append(errs, "sandbox.mode must be one of: local, sprites, docker")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
