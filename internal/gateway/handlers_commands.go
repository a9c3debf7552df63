// ABOUTME: Command dispatch, command status and the viewer signaling handlers
// ABOUTME: Offers and ICE candidates ride the command channel; viewers poll answers by correlation id

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pion/webrtc/v4"

	"github.com/2389/rig-gateway/internal/auth"
	"github.com/2389/rig-gateway/internal/commands"
	"github.com/2389/rig-gateway/internal/store"
)

// EnqueueCommandRequest is the JSON body for POST /api/devices/{id}/commands.
type EnqueueCommandRequest struct {
	Type   string          `json:"type"`
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

// CreateOfferRequest is the JSON body for POST /api/devices/{id}/signaling/offer.
type CreateOfferRequest struct {
	Type string `json:"type,omitempty"` // browsers send "offer"; anything else is rejected
	SDP  string `json:"sdp"`
}

// handleEnqueueCommand lets an admin dispatch a control or maintenance
// command outside any session. Signaling goes through its own endpoints.
func (g *Gateway) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	var req EnqueueCommandRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	if req.Type == "" {
		req.Type = commands.TypeMaintenance
	}
	if req.Type != commands.TypeControl && req.Type != commands.TypeMaintenance {
		badRequest(w, "type must be %q or %q", commands.TypeControl, commands.TypeMaintenance)
		return
	}

	creq := commands.Request{
		DeviceID: mux.Vars(r)["id"],
		Type:     req.Type,
		Action:   req.Action,
	}
	if len(req.Params) > 0 {
		creq.Params = req.Params
	}

	cmd, err := g.channel.Enqueue(r.Context(), creq)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, commandResponse(cmd))
}

// handleGetCommand returns a command's status. Users only see commands
// issued for their own sessions.
func (g *Gateway) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())
	cmd, err := g.channel.Get(r.Context(), mux.Vars(r)["cid"])
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	if !caller.IsAdmin() {
		ok, err := g.ownsCommand(r, cmd, caller.PrincipalID)
		if err != nil {
			g.writeError(w, r, err)
			return
		}
		if !ok {
			g.writeError(w, r, store.ErrNotFound)
			return
		}
	}
	writeJSON(w, http.StatusOK, commandResponse(cmd))
}

func (g *Gateway) ownsCommand(r *http.Request, cmd *store.Command, userID string) (bool, error) {
	if cmd.QueueEntryID == "" {
		return false, nil
	}
	var owner string
	err := g.store.View(r.Context(), func(tx *store.Tx) error {
		entry, err := tx.GetQueueEntry(cmd.QueueEntryID)
		if err != nil {
			return err
		}
		owner = entry.UserID
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return owner == userID, nil
}

func (g *Gateway) handleCreateOffer(w http.ResponseWriter, r *http.Request) {
	var req CreateOfferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	if req.Type != "" && req.Type != webrtc.SDPTypeOffer.String() {
		badRequest(w, "session description type must be offer, got %q", req.Type)
		return
	}

	caller := auth.MustFromContext(r.Context())
	corr, err := g.signaling.CreateOffer(r.Context(), mux.Vars(r)["id"], caller.PrincipalID, req.SDP)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"correlation_id": corr,
		"ice_servers":    g.signaling.ICEServers(),
	})
}

// viewerScope returns the viewer id signaling lookups are restricted to.
// Admins see every offer.
func viewerScope(caller *auth.AuthContext) string {
	if caller.IsAdmin() {
		return ""
	}
	return caller.PrincipalID
}

func (g *Gateway) handleAnswerStatus(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())
	st, err := g.signaling.AnswerStatus(r.Context(), mux.Vars(r)["corr"], viewerScope(caller))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (g *Gateway) handleAddICECandidate(w http.ResponseWriter, r *http.Request) {
	var candidate webrtc.ICECandidateInit
	if err := decodeJSON(w, r, &candidate); err != nil {
		badRequest(w, "%v", err)
		return
	}

	caller := auth.MustFromContext(r.Context())
	cmd, err := g.signaling.AddICECandidate(r.Context(), mux.Vars(r)["corr"], viewerScope(caller), candidate)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"command_id": cmd.ID})
}
