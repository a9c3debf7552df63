// ABOUTME: Renders the gateway YAML config written by init and bootstrap
// ABOUTME: Every section is spelled out so operators can see the tunables

package main

import (
	"fmt"
	"strings"
)

type configValues struct {
	HTTPAddr  string
	GRPCAddr  string
	DBPath    string
	JWTSecret string

	SessionCost     string
	StartingCredits string
	DurationSeconds string

	Tailscale   bool
	TSHostname  string
	TSAuthKey   string
	TSEphemeral bool

	LogLevel  string
	LogFormat string
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func renderConfig(v configValues) string {
	var b strings.Builder
	b.WriteString("# rig-gateway configuration\n\n")

	b.WriteString("server:\n")
	fmt.Fprintf(&b, "  http_addr: %q\n", v.HTTPAddr)
	fmt.Fprintf(&b, "  grpc_addr: %q\n\n", v.GRPCAddr)

	b.WriteString("database:\n")
	fmt.Fprintf(&b, "  path: %q\n\n", v.DBPath)

	b.WriteString("auth:\n")
	fmt.Fprintf(&b, "  jwt_secret: %q\n\n", v.JWTSecret)

	b.WriteString("tailscale:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", v.Tailscale)
	if v.Tailscale {
		fmt.Fprintf(&b, "  hostname: %q\n", v.TSHostname)
		if v.TSAuthKey != "" {
			fmt.Fprintf(&b, "  auth_key: %q\n", v.TSAuthKey)
		}
		fmt.Fprintf(&b, "  ephemeral: %t\n", v.TSEphemeral)
	}
	b.WriteString("\n")

	b.WriteString("queue:\n")
	fmt.Fprintf(&b, "  session_cost: %s\n", orDefault(v.SessionCost, "100"))
	fmt.Fprintf(&b, "  starting_credits: %s\n", orDefault(v.StartingCredits, "0"))
	b.WriteString("  head_timeout: \"60s\"\n\n")

	b.WriteString("session:\n")
	fmt.Fprintf(&b, "  duration_seconds: %s\n", orDefault(v.DurationSeconds, "300"))
	b.WriteString("  movement_speed_kmh: 5\n")
	b.WriteString("  movement_timeout: \"2m\"\n")
	b.WriteString("  lap_grace: \"90s\"\n\n")

	b.WriteString("liveness:\n")
	b.WriteString("  live_window: \"30s\"\n")
	b.WriteString("  presence_window: \"60s\"\n\n")

	b.WriteString("commands:\n")
	b.WriteString("  max_pending_per_device: 64\n")
	b.WriteString("  pending_ttl: \"10m\"\n")
	b.WriteString("  retention: \"720h\"\n\n")

	b.WriteString("signaling:\n")
	b.WriteString("  stun_urls:\n")
	b.WriteString("    - \"stun:stun.l.google.com:19302\"\n")
	b.WriteString("  answer_timeout: \"15s\"\n\n")

	b.WriteString("sweeper:\n")
	b.WriteString("  interval: \"5s\"\n\n")

	b.WriteString("logging:\n")
	fmt.Fprintf(&b, "  level: %q\n", orDefault(v.LogLevel, "info"))
	fmt.Fprintf(&b, "  format: %q\n", orDefault(v.LogFormat, "text"))
	return b.String()
}
