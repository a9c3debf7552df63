// ABOUTME: Tests for rig-agent config loading
// ABOUTME: Covers TOML parsing, defaults, env expansion, .env loading and validation

package agentconf

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
[gateway]
url = "http://coordinator:8080"
token = "tok"

[device]
fingerprint = "fp-1"
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(minimal)
	require.NoError(t, err)

	assert.Equal(t, "http://coordinator:8080", cfg.Gateway.URL)
	assert.Equal(t, "fp-1", cfg.Device.Fingerprint)
	assert.Equal(t, time.Second, cfg.Agent.PollInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.Hold.Interval)
	assert.Equal(t, 5*time.Second, cfg.Hold.Ceiling)
	assert.Equal(t, "sim", cfg.Rig.Driver)
	assert.True(t, cfg.WebRTC.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestParse_FullConfig(t *testing.T) {
	t.Setenv("RIG_TEST_TOKEN", "secret-jwt")

	cfg, err := Parse(minimal + `
[agent]
poll_interval = "500ms"
heartbeat_interval = "5s"
telemetry_interval = "1s"
stop_speed_kmh = 2.5

[hold]
interval = "50ms"
ceiling = "3s"

[webrtc]
enabled = false
gather_timeout = "4s"

[logging]
level = "debug"
`)
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.Agent.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.Agent.HeartbeatInterval)
	assert.Equal(t, 2.5, cfg.Agent.StopSpeedKMH)
	assert.Equal(t, 50*time.Millisecond, cfg.Hold.Interval)
	assert.Equal(t, 3*time.Second, cfg.Hold.Ceiling)
	assert.False(t, cfg.WebRTC.Enabled)
	assert.Equal(t, 4*time.Second, cfg.WebRTC.GatherTimeout)

	cfg, err = Parse(strings.Replace(minimal, `"tok"`, `"${RIG_TEST_TOKEN}"`, 1))
	require.NoError(t, err)
	assert.Equal(t, "secret-jwt", cfg.Gateway.Token)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		extra   string
		replace [2]string
		wantErr string
	}{
		{name: "bad duration", extra: "[hold]\ninterval = \"fast\"\n", wantErr: "hold.interval"},
		{name: "interval over ceiling", extra: "[hold]\ninterval = \"10s\"\nceiling = \"1s\"\n", wantErr: "exceeds hold.ceiling"},
		{name: "unknown driver", extra: "[rig]\ndriver = \"serial\"\n", wantErr: "rig.driver"},
		{name: "bad level", extra: "[logging]\nlevel = \"loud\"\n", wantErr: "logging.level"},
		{name: "missing url", replace: [2]string{`url = "http://coordinator:8080"`, ""}, wantErr: "gateway.url is required"},
		{name: "bad scheme", replace: [2]string{"http://", "ftp://"}, wantErr: "http or https"},
		{name: "missing token", replace: [2]string{`token = "tok"`, ""}, wantErr: "gateway.token"},
		{name: "invalid toml", extra: "[agent\n", wantErr: "parsing config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := minimal
			if tt.replace[0] != "" {
				data = strings.Replace(data, tt.replace[0], tt.replace[1], 1)
			}
			_, err := Parse(data + tt.extra)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParse_FingerprintFallback(t *testing.T) {
	cfg, err := Parse(strings.Replace(minimal, `fingerprint = "fp-1"`, "", 1))
	if err != nil {
		// Hosts with neither a machine id nor a hostname cannot derive one.
		assert.Contains(t, err.Error(), "device.fingerprint")
		return
	}
	assert.NotEmpty(t, cfg.Device.Fingerprint)
}

func TestLoad_WithEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("RIG_ENVFILE_TOKEN=from-dotenv\n"), 0o600))
	cfgPath := filepath.Join(dir, "agent.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(strings.Replace(minimal, `"tok"`, `"${RIG_ENVFILE_TOKEN}"`, 1)), 0o600))

	t.Cleanup(func() { os.Unsetenv("RIG_ENVFILE_TOKEN") })
	require.NoError(t, LoadEnv(envPath))
	require.NoError(t, LoadEnv(filepath.Join(dir, "missing.env")), "missing .env is fine")

	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Gateway.Token)

	_, err = Load(filepath.Join(dir, "nope.toml"))
	require.Error(t, err)
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("RIG_AGENT_CONFIG", "/etc/rig/agent.toml")
	assert.Equal(t, "/etc/rig/agent.toml", DefaultPath())

	t.Setenv("RIG_AGENT_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "rig", "agent.toml"), DefaultPath())
}
