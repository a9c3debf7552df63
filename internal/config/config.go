// ABOUTME: Configuration loading and parsing for rig-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete rig-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Queue     QueueConfig     `yaml:"queue"`
	Session   SessionConfig   `yaml:"session"`
	Liveness  LivenessConfig  `yaml:"liveness"`
	Commands  CommandsConfig  `yaml:"commands"`
	Signaling SignalingConfig `yaml:"signaling"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"` // gRPC health endpoint; empty disables it
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// QueueConfig holds admission queue settings
type QueueConfig struct {
	SessionCost     int           `yaml:"session_cost"`
	StartingCredits int           `yaml:"starting_credits"`
	HeadTimeout     time.Duration `yaml:"-"`

	HeadTimeoutRaw string `yaml:"head_timeout"`
}

// SessionConfig holds session lifecycle settings
type SessionConfig struct {
	DurationSeconds  int           `yaml:"duration_seconds"`
	MovementSpeedKMH float64       `yaml:"movement_speed_kmh"`
	MovementTimeout  time.Duration `yaml:"-"`
	LapGrace         time.Duration `yaml:"-"`

	MovementTimeoutRaw string `yaml:"movement_timeout"`
	LapGraceRaw        string `yaml:"lap_grace"`
}

// LivenessConfig holds the two heartbeat recency thresholds
type LivenessConfig struct {
	LiveWindow     time.Duration `yaml:"-"`
	PresenceWindow time.Duration `yaml:"-"`

	LiveWindowRaw     string `yaml:"live_window"`
	PresenceWindowRaw string `yaml:"presence_window"`
}

// CommandsConfig holds the command mailbox retention policy
type CommandsConfig struct {
	MaxPendingPerDevice int           `yaml:"max_pending_per_device"`
	PendingTTL          time.Duration `yaml:"-"`
	Retention           time.Duration `yaml:"-"`

	PendingTTLRaw string `yaml:"pending_ttl"`
	RetentionRaw  string `yaml:"retention"`
}

// SignalingConfig holds the viewer signaling settings
type SignalingConfig struct {
	STUNURLs      []string      `yaml:"stun_urls"`
	AnswerTimeout time.Duration `yaml:"-"`

	AnswerTimeoutRaw string `yaml:"answer_timeout"`
}

// SweeperConfig holds the background sweep cadence
type SweeperConfig struct {
	Interval time.Duration `yaml:"-"`

	IntervalRaw string `yaml:"interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every tunable at its default value.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{HTTPAddr: "0.0.0.0:8080"},
		Database: DatabaseConfig{Path: "rig-gateway.db"},
		Queue: QueueConfig{
			SessionCost:     100,
			StartingCredits: 0,
			HeadTimeout:     60 * time.Second,
		},
		Session: SessionConfig{
			DurationSeconds:  300,
			MovementSpeedKMH: 5,
			MovementTimeout:  2 * time.Minute,
			LapGrace:         90 * time.Second,
		},
		Liveness: LivenessConfig{
			LiveWindow:     30 * time.Second,
			PresenceWindow: 60 * time.Second,
		},
		Commands: CommandsConfig{
			MaxPendingPerDevice: 64,
			PendingTTL:          10 * time.Minute,
			Retention:           30 * 24 * time.Hour,
		},
		Signaling: SignalingConfig{
			STUNURLs:      []string{"stun:stun.l.google.com:19302"},
			AnswerTimeout: 15 * time.Second,
		},
		Sweeper: SweeperConfig{Interval: 5 * time.Second},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values; anything left unset keeps
// its Default value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration content.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR_NAME}
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Queue.SessionCost < 0 {
		return fmt.Errorf("queue.session_cost must not be negative")
	}

	if c.Session.DurationSeconds <= 0 {
		return fmt.Errorf("session.duration_seconds must be positive")
	}

	if c.Liveness.LiveWindow <= 0 || c.Liveness.PresenceWindow <= 0 {
		return fmt.Errorf("liveness windows must be positive")
	}

	if c.Liveness.PresenceWindow < c.Liveness.LiveWindow {
		return fmt.Errorf("liveness.presence_window (%s) must not be shorter than liveness.live_window (%s)",
			c.Liveness.PresenceWindow, c.Liveness.LiveWindow)
	}

	if c.Commands.MaxPendingPerDevice <= 0 {
		return fmt.Errorf("commands.max_pending_per_device must be positive")
	}

	if c.Sweeper.Interval <= 0 {
		return fmt.Errorf("sweeper.interval must be positive")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"queue.head_timeout", cfg.Queue.HeadTimeoutRaw, &cfg.Queue.HeadTimeout},
		{"session.movement_timeout", cfg.Session.MovementTimeoutRaw, &cfg.Session.MovementTimeout},
		{"session.lap_grace", cfg.Session.LapGraceRaw, &cfg.Session.LapGrace},
		{"liveness.live_window", cfg.Liveness.LiveWindowRaw, &cfg.Liveness.LiveWindow},
		{"liveness.presence_window", cfg.Liveness.PresenceWindowRaw, &cfg.Liveness.PresenceWindow},
		{"commands.pending_ttl", cfg.Commands.PendingTTLRaw, &cfg.Commands.PendingTTL},
		{"commands.retention", cfg.Commands.RetentionRaw, &cfg.Commands.Retention},
		{"signaling.answer_timeout", cfg.Signaling.AnswerTimeoutRaw, &cfg.Signaling.AnswerTimeout},
		{"sweeper.interval", cfg.Sweeper.IntervalRaw, &cfg.Sweeper.Interval},
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
