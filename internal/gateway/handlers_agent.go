// ABOUTME: Agent-facing handlers: registration, heartbeats, telemetry and the command mailbox
// ABOUTME: Agents poll FIFO, mark commands processing with start, and report terminal results

package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/2389/rig-gateway/internal/auth"
	"github.com/2389/rig-gateway/internal/store"
)

// Poll limits.
const (
	defaultPollLimit = 16
	maxPollLimit     = 100
)

// RegisterDeviceRequest is the JSON body for POST /api/devices/register.
type RegisterDeviceRequest struct {
	Fingerprint string `json:"fingerprint"`
	Name        string `json:"name"`
}

// HeartbeatRequest is the JSON body for POST /api/devices/{id}/heartbeat.
type HeartbeatRequest struct {
	AppReachable bool `json:"app_reachable"`
}

// CompleteCommandRequest is the JSON body for POST /api/commands/{cid}/complete.
type CompleteCommandRequest struct {
	Status store.CommandStatus `json:"status"`
	Result json.RawMessage     `json:"result,omitempty"`
}

func (g *Gateway) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req RegisterDeviceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}

	dev, err := g.registry.Register(r.Context(), req.Fingerprint, req.Name, auth.MustFromContext(r.Context()).PrincipalID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceResponse(dev))
}

func (g *Gateway) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}

	dev, err := g.liveness.Heartbeat(r.Context(), mux.Vars(r)["id"], req.AppReachable)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": dev.ID,
		"last_seen": dev.LastSeen,
	})
}

func (g *Gateway) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	var tm store.Telemetry
	if err := decodeJSON(w, r, &tm); err != nil {
		badRequest(w, "%v", err)
		return
	}
	// received_at is stamped by the coordinator, never trusted from the rig.
	tm.ReceivedAt = g.now().UTC()

	if err := g.sessions.HandleTelemetry(r.Context(), mux.Vars(r)["id"], tm); err != nil {
		g.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handlePollCommands(w http.ResponseWriter, r *http.Request) {
	limit := defaultPollLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxPollLimit)
	}

	cmds, err := g.channel.Poll(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	out := make([]CommandResponse, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, commandResponse(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": out, "server_time": g.now().UTC()})
}

func (g *Gateway) handleStartCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := g.channel.Start(r.Context(), mux.Vars(r)["cid"])
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse(cmd))
}

func (g *Gateway) handleCompleteCommand(w http.ResponseWriter, r *http.Request) {
	var req CompleteCommandRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}

	cmd, err := g.channel.Complete(r.Context(), mux.Vars(r)["cid"], req.Status, req.Result)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse(cmd))
}
