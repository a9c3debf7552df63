// Package config handles configuration loading for rig-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// Every tunable has a default (see [Default]); a file only needs to name what
// it changes.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from RIG_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/rig/gateway.yaml
//  3. ~/.config/rig/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${RIG_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	queue:
//	  head_timeout: "60s"
//	liveness:
//	  live_window: "30s"
//	  presence_window: "60s"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # API for users and agents
//	  grpc_addr: "0.0.0.0:50051"  # grpc.health.v1 probe endpoint (optional)
//
//	database:
//	  path: "/var/lib/rig/gateway.db"
//
//	queue:
//	  session_cost: 100
//	  starting_credits: 0
//	  head_timeout: "60s"
//
//	session:
//	  duration_seconds: 300
//	  movement_speed_kmh: 5
//	  movement_timeout: "2m"
//	  lap_grace: "90s"
//
//	commands:
//	  max_pending_per_device: 64
//	  pending_ttl: "10m"     # pending commands older than this are dead-lettered
//	  retention: "720h"      # finished commands older than this are pruned
//
//	signaling:
//	  answer_timeout: "15s"
//	  stun_urls: ["stun:stun.l.google.com:19302"]
//
//	sweeper:
//	  interval: "5s"
//
//	tailscale:
//	  enabled: false
//	  hostname: "rig-gateway"
//	  auth_key: "${TS_AUTHKEY}"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load validates that listeners and the database path are present, that
// durations parse, that the presence window is not shorter than the live
// window, and that the command mailbox depth is positive.
package config
