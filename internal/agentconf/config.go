// ABOUTME: Configuration loading for rig-agent
// ABOUTME: TOML config with .env loading, ${VAR} expansion and duration parsing

package agentconf

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config is the rig agent's configuration.
type Config struct {
	Gateway GatewayConfig `toml:"gateway"`
	Device  DeviceConfig  `toml:"device"`
	Agent   AgentConfig   `toml:"agent"`
	Hold    HoldConfig    `toml:"hold"`
	Rig     RigConfig     `toml:"rig"`
	WebRTC  WebRTCConfig  `toml:"webrtc"`
	Logging LoggingConfig `toml:"logging"`
}

type GatewayConfig struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

type DeviceConfig struct {
	// Fingerprint identifies the hardware. Defaults to the machine id or hostname.
	Fingerprint string `toml:"fingerprint"`
	Name        string `toml:"name"`
}

type AgentConfig struct {
	PollIntervalRaw      string        `toml:"poll_interval"`
	PollInterval         time.Duration `toml:"-"`
	HeartbeatIntervalRaw string        `toml:"heartbeat_interval"`
	HeartbeatInterval    time.Duration `toml:"-"`
	TelemetryIntervalRaw string        `toml:"telemetry_interval"`
	TelemetryInterval    time.Duration `toml:"-"`
	StopSpeedKMH         float64       `toml:"stop_speed_kmh"`
}

// HoldConfig bounds hold-until-status-change actions.
type HoldConfig struct {
	IntervalRaw string        `toml:"interval"`
	Interval    time.Duration `toml:"-"`
	CeilingRaw  string        `toml:"ceiling"`
	Ceiling     time.Duration `toml:"-"`
}

type RigConfig struct {
	Driver string `toml:"driver"`
}

type WebRTCConfig struct {
	Enabled          bool          `toml:"enabled"`
	GatherTimeoutRaw string        `toml:"gather_timeout"`
	GatherTimeout    time.Duration `toml:"-"`
	IncludeLoopback  bool          `toml:"include_loopback"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// Default returns the configuration used for anything the file leaves out.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			PollInterval:      time.Second,
			HeartbeatInterval: 10 * time.Second,
			TelemetryInterval: 2 * time.Second,
			StopSpeedKMH:      1,
		},
		Hold: HoldConfig{
			Interval: 100 * time.Millisecond,
			Ceiling:  5 * time.Second,
		},
		Rig:     RigConfig{Driver: "sim"},
		WebRTC:  WebRTCConfig{Enabled: true, GatherTimeout: 10 * time.Second},
		Logging: LoggingConfig{Level: "info"},
	}
}

// DefaultPath returns the config location: RIG_AGENT_CONFIG, then
// $XDG_CONFIG_HOME/rig/agent.toml, then ~/.config/rig/agent.toml.
func DefaultPath() string {
	if p := os.Getenv("RIG_AGENT_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "rig", "agent.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "agent.toml"
	}
	return filepath.Join(home, ".config", "rig", "agent.toml")
}

// LoadEnv loads KEY=value pairs from a .env file into the process
// environment without overriding variables already set. A missing file is
// not an error.
func LoadEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Load reads config from the given path, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(string(data))
}

// Parse decodes TOML config text over the defaults.
func Parse(data string) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(expandEnvVars(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := parseDurations(cfg); err != nil {
		return nil, err
	}
	if cfg.Device.Fingerprint == "" {
		cfg.Device.Fingerprint = machineFingerprint()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"agent.poll_interval", cfg.Agent.PollIntervalRaw, &cfg.Agent.PollInterval},
		{"agent.heartbeat_interval", cfg.Agent.HeartbeatIntervalRaw, &cfg.Agent.HeartbeatInterval},
		{"agent.telemetry_interval", cfg.Agent.TelemetryIntervalRaw, &cfg.Agent.TelemetryInterval},
		{"hold.interval", cfg.Hold.IntervalRaw, &cfg.Hold.Interval},
		{"hold.ceiling", cfg.Hold.CeilingRaw, &cfg.Hold.Ceiling},
		{"webrtc.gather_timeout", cfg.WebRTC.GatherTimeoutRaw, &cfg.WebRTC.GatherTimeout},
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

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("gateway.url must use http or https scheme")
	}
	if c.Gateway.Token == "" {
		return fmt.Errorf("gateway.token is required")
	}
	if c.Device.Fingerprint == "" {
		return fmt.Errorf("device.fingerprint is required")
	}
	if c.Hold.Interval <= 0 || c.Hold.Ceiling <= 0 {
		return fmt.Errorf("hold.interval and hold.ceiling must be positive")
	}
	if c.Hold.Interval > c.Hold.Ceiling {
		return fmt.Errorf("hold.interval (%s) exceeds hold.ceiling (%s)", c.Hold.Interval, c.Hold.Ceiling)
	}
	for name, d := range map[string]time.Duration{
		"agent.poll_interval":      c.Agent.PollInterval,
		"agent.heartbeat_interval": c.Agent.HeartbeatInterval,
		"agent.telemetry_interval": c.Agent.TelemetryInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Rig.Driver != "sim" {
		return fmt.Errorf("rig.driver %q is not supported", c.Rig.Driver)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be debug, info, warn or error", c.Logging.Level)
	}
	return nil
}

// machineFingerprint reads a stable host identifier.
func machineFingerprint() string {
	for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(p); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	host, _ := os.Hostname()
	return host
}
