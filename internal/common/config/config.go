// Package config provides configuration management for agentbridge.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentbridge.
type Config struct {
	Agent    AgentConfig    `mapstructure:"agent"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Storage  StorageConfig  `mapstructure:"storage"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// AgentConfig holds subprocess launch configuration.
type AgentConfig struct {
	// Command is the agent executable (default: "codex").
	Command string `mapstructure:"command"`

	// Args are extra argv entries appended after the subcommand.
	Args []string `mapstructure:"args"`

	// WorkDir is the working directory the subprocess is spawned in.
	WorkDir string `mapstructure:"workDir"`

	// Env holds extra environment variables for the subprocess.
	Env map[string]string `mapstructure:"env"`

	// Profile selects a named launch profile from ProfilesPath; empty means
	// use Command/Args as configured.
	Profile string `mapstructure:"profile"`

	// ProfilesPath points at the optional profiles.yaml file.
	ProfilesPath string `mapstructure:"profilesPath"`

	// ApprovalPolicy is passed on thread start: "untrusted", "on-failure",
	// "on-request", "never".
	ApprovalPolicy string `mapstructure:"approvalPolicy"`

	// AutoApprove accepts approval requests the agent escalates instead of
	// declining them. Off by default: the bridge fails closed.
	AutoApprove bool `mapstructure:"autoApprove"`

	// InitializeTimeout bounds the initialize handshake, in seconds. A
	// handshake that never completes is fatal to the connection.
	InitializeTimeout int `mapstructure:"initializeTimeout"`
}

// PipelineConfig bounds the partitioned event pipeline.
type PipelineConfig struct {
	// MaxConcurrency caps how many partitions may process units at once.
	MaxConcurrency int `mapstructure:"maxConcurrency"`

	// QueueDepth is the per-partition backlog; enqueue blocks when full,
	// providing backpressure against a fast subprocess.
	QueueDepth int `mapstructure:"queueDepth"`

	// RequestTTL bounds how long un-acknowledged correlated requests stay
	// in the request map, in seconds.
	RequestTTL int `mapstructure:"requestTtl"`
}

// StorageConfig selects the interaction store backend.
type StorageConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `mapstructure:"driver"`

	// Path is the sqlite database file (sqlite driver only).
	Path string `mapstructure:"path"`
}

// NATSConfig holds notification bus configuration. An empty URL selects the
// in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// InitializeTimeoutDuration returns the handshake timeout as a time.Duration.
func (a *AgentConfig) InitializeTimeoutDuration() time.Duration {
	return time.Duration(a.InitializeTimeout) * time.Second
}

// RequestTTLDuration returns the request-map TTL as a time.Duration.
func (p *PipelineConfig) RequestTTLDuration() time.Duration {
	return time.Duration(p.RequestTTL) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.command", "codex")
	v.SetDefault("agent.args", []string{})
	v.SetDefault("agent.workDir", "")
	v.SetDefault("agent.profile", "")
	v.SetDefault("agent.profilesPath", "profiles.yaml")
	v.SetDefault("agent.approvalPolicy", "untrusted")
	v.SetDefault("agent.autoApprove", false)
	v.SetDefault("agent.initializeTimeout", 30)

	v.SetDefault("pipeline.maxConcurrency", 8)
	v.SetDefault("pipeline.queueDepth", 256)
	v.SetDefault("pipeline.requestTtl", 300)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "agentbridge.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentbridge")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix AGENTBRIDGE_ with
// underscore-separated naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentbridge/")

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

	if cfg.Agent.Command == "" {
		errs = append(errs, "agent.command is required")
	}
	if cfg.Agent.InitializeTimeout <= 0 {
		errs = append(errs, "agent.initializeTimeout must be positive")
	}

	if cfg.Pipeline.MaxConcurrency <= 0 {
		errs = append(errs, "pipeline.maxConcurrency must be positive")
	}
	if cfg.Pipeline.QueueDepth <= 0 {
		errs = append(errs, "pipeline.queueDepth must be positive")
	}

	switch cfg.Storage.Driver {
	case "memory":
	case "sqlite":
		if cfg.Storage.Path == "" {
			errs = append(errs, "storage.path is required for the sqlite driver")
		}
	default:
		errs = append(errs, "storage.driver must be one of: memory, sqlite")
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
