// Package config provides configuration management for the flock fleet node.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for a fleet node.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Node      NodeConfig      `mapstructure:"node"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Lease     LeaseConfig     `mapstructure:"lease"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds gateway HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NodeConfig identifies this node in the fleet and locates agent workspaces.
type NodeConfig struct {
	NodeID       string `mapstructure:"nodeId"`
	Endpoint     string `mapstructure:"endpoint"`
	WorkspaceDir string `mapstructure:"workspaceDir"`
}

// StorageConfig selects the storage backend.
type StorageConfig struct {
	// Backend is one of "memory", "sqlite", or "postgres".
	Backend string `mapstructure:"backend"`
	// DataDir holds the embedded database files for the sqlite backend.
	DataDir string `mapstructure:"dataDir"`
}

// DatabaseConfig holds PostgreSQL connection configuration, used only when
// storage.backend is "postgres".
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-process event bus and the loopback A2A client.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
	RequestMs     int    `mapstructure:"requestMs"` // A2A request timeout
}

// SchedulerConfig holds work-loop tuning knobs.
type SchedulerConfig struct {
	TickIntervalMs       int `mapstructure:"tickIntervalMs"`
	InterDispatchDelayMs int `mapstructure:"interDispatchDelayMs"`
	StaleLockMaxAgeSec   int `mapstructure:"staleLockMaxAgeSec"`
}

// LeaseConfig bounds home lease durations.
type LeaseConfig struct {
	MinMs     int64 `mapstructure:"minMs"`
	MaxMs     int64 `mapstructure:"maxMs"`
	DefaultMs int64 `mapstructure:"defaultMs"`
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

// TickInterval returns the base tick interval as a time.Duration.
func (s *SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(s.TickIntervalMs) * time.Millisecond
}

// RequestTimeout returns the A2A request timeout as a time.Duration.
func (n *NATSConfig) RequestTimeout() time.Duration {
	return time.Duration(n.RequestMs) * time.Millisecond
}

// SQLitePath returns the path of the embedded database file under DataDir.
func (s *StorageConfig) SQLitePath() string {
	return filepath.Join(s.DataDir, "fleet.db")
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("FLOCK_ENV"); env == "production" || env == "prod" {
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

	// Node defaults
	v.SetDefault("node.nodeId", defaultNodeID())
	v.SetDefault("node.endpoint", "")
	v.SetDefault("node.workspaceDir", "~/.flock/agents")

	// Storage defaults
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.dataDir", "~/.flock/data")

	// Database defaults (postgres backend only)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "flock")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "flock")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means in-process bus + loopback A2A
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "flock-node")
	v.SetDefault("nats.maxReconnects", 10)
	v.SetDefault("nats.requestMs", 120000)

	// Scheduler defaults
	v.SetDefault("scheduler.tickIntervalMs", 60000)
	v.SetDefault("scheduler.interDispatchDelayMs", 3000)
	v.SetDefault("scheduler.staleLockMaxAgeSec", 60)

	// Lease defaults
	v.SetDefault("lease.minMs", 60_000)
	v.SetDefault("lease.maxMs", 24*60*60*1000)
	v.SetDefault("lease.defaultMs", 60*60*1000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "node-local"
	}
	return host
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix FLOCK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/flock/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("FLOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("node.nodeId", "FLOCK_NODE_ID")
	_ = v.BindEnv("node.workspaceDir", "FLOCK_WORKSPACE_DIR")
	_ = v.BindEnv("storage.dataDir", "FLOCK_DATA_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/flock/")

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

	expandHome(&cfg.Node.WorkspaceDir)
	expandHome(&cfg.Storage.DataDir)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// expandHome rewrites a leading "~/" to the user's home directory.
func expandHome(path *string) {
	if path == nil || !strings.HasPrefix(*path, "~/") {
		return
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	*path = filepath.Join(home, (*path)[2:])
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Node.NodeID == "" {
		errs = append(errs, "node.nodeId is required")
	}

	switch cfg.Storage.Backend {
	case "memory":
	case "sqlite":
		if cfg.Storage.DataDir == "" {
			errs = append(errs, "storage.dataDir is required for the sqlite backend")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres backend")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres backend")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres backend")
		}
	default:
		errs = append(errs, "storage.backend must be one of: memory, sqlite, postgres")
	}

	if cfg.Scheduler.TickIntervalMs <= 0 {
		errs = append(errs, "scheduler.tickIntervalMs must be positive")
	}

	if cfg.Lease.MinMs <= 0 || cfg.Lease.MaxMs < cfg.Lease.MinMs {
		errs = append(errs, "lease.minMs must be positive and not exceed lease.maxMs")
	}
	if cfg.Lease.DefaultMs < cfg.Lease.MinMs || cfg.Lease.DefaultMs > cfg.Lease.MaxMs {
		errs = append(errs, "lease.defaultMs must lie within [lease.minMs, lease.maxMs]")
	}

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
