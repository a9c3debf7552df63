// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, defaults, env var expansion, duration parsing and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "127.0.0.1:9090"
  grpc_addr: "127.0.0.1:50051"

database:
  path: "./test.db"

auth:
  jwt_secret: "0123456789abcdef0123456789abcdef"

queue:
  session_cost: 50
  starting_credits: 200
  head_timeout: "45s"

session:
  duration_seconds: 600
  movement_speed_kmh: 8.5
  movement_timeout: "3m"
  lap_grace: "1m"

liveness:
  live_window: "20s"
  presence_window: "90s"

commands:
  max_pending_per_device: 16
  pending_ttl: "5m"
  retention: "168h"

signaling:
  answer_timeout: "10s"
  stun_urls:
    - "stun:stun.example.org:3478"

sweeper:
  interval: "2s"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9090" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:9090")
	}
	if cfg.Server.GRPCAddr != "127.0.0.1:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "127.0.0.1:50051")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}

	if cfg.Queue.SessionCost != 50 {
		t.Errorf("Queue.SessionCost = %d, want 50", cfg.Queue.SessionCost)
	}
	if cfg.Queue.StartingCredits != 200 {
		t.Errorf("Queue.StartingCredits = %d, want 200", cfg.Queue.StartingCredits)
	}
	if cfg.Queue.HeadTimeout != 45*time.Second {
		t.Errorf("Queue.HeadTimeout = %v, want %v", cfg.Queue.HeadTimeout, 45*time.Second)
	}

	if cfg.Session.DurationSeconds != 600 {
		t.Errorf("Session.DurationSeconds = %d, want 600", cfg.Session.DurationSeconds)
	}
	if cfg.Session.MovementSpeedKMH != 8.5 {
		t.Errorf("Session.MovementSpeedKMH = %v, want 8.5", cfg.Session.MovementSpeedKMH)
	}
	if cfg.Session.MovementTimeout != 3*time.Minute {
		t.Errorf("Session.MovementTimeout = %v, want %v", cfg.Session.MovementTimeout, 3*time.Minute)
	}
	if cfg.Session.LapGrace != time.Minute {
		t.Errorf("Session.LapGrace = %v, want %v", cfg.Session.LapGrace, time.Minute)
	}

	if cfg.Liveness.LiveWindow != 20*time.Second {
		t.Errorf("Liveness.LiveWindow = %v, want %v", cfg.Liveness.LiveWindow, 20*time.Second)
	}
	if cfg.Liveness.PresenceWindow != 90*time.Second {
		t.Errorf("Liveness.PresenceWindow = %v, want %v", cfg.Liveness.PresenceWindow, 90*time.Second)
	}

	if cfg.Commands.MaxPendingPerDevice != 16 {
		t.Errorf("Commands.MaxPendingPerDevice = %d, want 16", cfg.Commands.MaxPendingPerDevice)
	}
	if cfg.Commands.PendingTTL != 5*time.Minute {
		t.Errorf("Commands.PendingTTL = %v, want %v", cfg.Commands.PendingTTL, 5*time.Minute)
	}
	if cfg.Commands.Retention != 168*time.Hour {
		t.Errorf("Commands.Retention = %v, want %v", cfg.Commands.Retention, 168*time.Hour)
	}

	if cfg.Signaling.AnswerTimeout != 10*time.Second {
		t.Errorf("Signaling.AnswerTimeout = %v, want %v", cfg.Signaling.AnswerTimeout, 10*time.Second)
	}
	if len(cfg.Signaling.STUNURLs) != 1 || cfg.Signaling.STUNURLs[0] != "stun:stun.example.org:3478" {
		t.Errorf("Signaling.STUNURLs = %v, want [stun:stun.example.org:3478]", cfg.Signaling.STUNURLs)
	}

	if cfg.Sweeper.Interval != 2*time.Second {
		t.Errorf("Sweeper.Interval = %v, want %v", cfg.Sweeper.Interval, 2*time.Second)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoad_DefaultsForMissingSections(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./rigs.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	def := Default()
	if cfg.Server.HTTPAddr != def.Server.HTTPAddr {
		t.Errorf("Server.HTTPAddr = %q, want default %q", cfg.Server.HTTPAddr, def.Server.HTTPAddr)
	}
	if cfg.Queue.HeadTimeout != 60*time.Second {
		t.Errorf("Queue.HeadTimeout = %v, want 60s", cfg.Queue.HeadTimeout)
	}
	if cfg.Queue.SessionCost != 100 {
		t.Errorf("Queue.SessionCost = %d, want 100", cfg.Queue.SessionCost)
	}
	if cfg.Liveness.LiveWindow != 30*time.Second {
		t.Errorf("Liveness.LiveWindow = %v, want 30s", cfg.Liveness.LiveWindow)
	}
	if cfg.Liveness.PresenceWindow != 60*time.Second {
		t.Errorf("Liveness.PresenceWindow = %v, want 60s", cfg.Liveness.PresenceWindow)
	}
	if cfg.Commands.MaxPendingPerDevice != 64 {
		t.Errorf("Commands.MaxPendingPerDevice = %d, want 64", cfg.Commands.MaxPendingPerDevice)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_RIG_JWT_SECRET", "secret-from-env-secret-from-env!")
	t.Setenv("TEST_RIG_DB", "/var/lib/rig/gateway.db")

	configPath := writeConfig(t, `
database:
  path: "${TEST_RIG_DB}"
auth:
  jwt_secret: "${TEST_RIG_JWT_SECRET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.JWTSecret != "secret-from-env-secret-from-env!" {
		t.Errorf("Auth.JWTSecret = %q, want value from env", cfg.Auth.JWTSecret)
	}
	if cfg.Database.Path != "/var/lib/rig/gateway.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/var/lib/rig/gateway.db")
	}
}

func TestLoad_EnvVarExpansion_UnsetVar(t *testing.T) {
	os.Unsetenv("TEST_RIG_UNSET_SECRET")

	configPath := writeConfig(t, `
database:
  path: "./test.db"
auth:
  jwt_secret: "${TEST_RIG_UNSET_SECRET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.JWTSecret != "" {
		t.Errorf("Auth.JWTSecret = %q, want empty string for unset var", cfg.Auth.JWTSecret)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/gateway.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"
  invalid yaml here
    - broken
`)

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	tests := []struct {
		name    string
		content string
		field   string
	}{
		{
			name:    "invalid head timeout",
			content: "queue:\n  head_timeout: \"soon\"\n",
			field:   "queue.head_timeout",
		},
		{
			name:    "invalid live window",
			content: "liveness:\n  live_window: \"30 seconds\"\n",
			field:   "liveness.live_window",
		},
		{
			name:    "invalid pending ttl",
			content: "commands:\n  pending_ttl: \"abc\"\n",
			field:   "commands.pending_ttl",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load() expected error for invalid duration, got nil")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not name field %q", err.Error(), tt.field)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "missing http addr",
			mutate:  func(c *Config) { c.Server.HTTPAddr = "" },
			wantErr: "server.http_addr",
		},
		{
			name: "tailscale replaces http addr",
			mutate: func(c *Config) {
				c.Server.HTTPAddr = ""
				c.Tailscale.Enabled = true
				c.Tailscale.Hostname = "rig-gateway"
			},
		},
		{
			name:    "tailscale without hostname",
			mutate:  func(c *Config) { c.Tailscale.Enabled = true },
			wantErr: "tailscale.hostname",
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "negative session cost",
			mutate:  func(c *Config) { c.Queue.SessionCost = -1 },
			wantErr: "queue.session_cost",
		},
		{
			name:    "zero session duration",
			mutate:  func(c *Config) { c.Session.DurationSeconds = 0 },
			wantErr: "session.duration_seconds",
		},
		{
			name: "presence shorter than live",
			mutate: func(c *Config) {
				c.Liveness.LiveWindow = time.Minute
				c.Liveness.PresenceWindow = 30 * time.Second
			},
			wantErr: "liveness.presence_window",
		},
		{
			name:    "zero mailbox depth",
			mutate:  func(c *Config) { c.Commands.MaxPendingPerDevice = 0 },
			wantErr: "commands.max_pending_per_device",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR1", "value1")
	t.Setenv("TEST_VAR2", "value2")

	tests := []struct {
		input string
		want  string
	}{
		{"${TEST_VAR1}", "value1"},
		{"prefix-${TEST_VAR1}-suffix", "prefix-value1-suffix"},
		{"${TEST_VAR1}${TEST_VAR2}", "value1value2"},
		{"no vars here", "no vars here"},
		{"${UNSET_RIG_VAR_XYZ}", ""},
		{"$TEST_VAR1", "$TEST_VAR1"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := expandEnvVars(tt.input); got != tt.want {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
