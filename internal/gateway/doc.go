// Package gateway is the request boundary of rig-gateway.
//
// # Overview
//
// The Gateway owns the store and every coordination service (liveness,
// registry, accounts, queue, command channel, signaling, sessions) and
// exposes them over an HTTP API. It holds no per-request state of its own:
// all cross-request coordination happens inside store transactions.
//
// # HTTP API
//
// Routes live in routes.go. Every /api route needs a bearer JWT; the role
// decides what it may call:
//
//   - agent: register, heartbeat, telemetry, poll/start/complete commands
//   - user: device status, join/leave, activate/cancel, signaling, /api/me
//   - admin: claim/release/deactivate, enqueue, users, credits, audit
//
// Errors are returned as {"error":{"kind":"...","message":"..."}}. Domain
// errors carry their kind (AlreadyQueued, DeviceOffline, NotAtHead, ...) and
// map to a fitting status in respond.go.
//
// # Sweeper
//
// One background loop applies every time-driven rule: session timers and
// movement/lap fallbacks, head-of-queue eviction, and command expiry and
// pruning. It also refreshes the gRPC health status.
//
// # Listeners
//
// HTTP listens on server.http_addr and the gRPC health service on
// server.grpc_addr. With tailscale.enabled the gateway joins the tailnet via
// tsnet and serves HTTP on :80 and gRPC health on :50051 instead.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks; shuts down when ctx is canceled
package gateway
