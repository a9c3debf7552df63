// ABOUTME: Queue and session handlers: join, leave, activate, cancel and status projections
// ABOUTME: The caller is always the authenticated user; admins may cancel any session

package gateway

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/2389/rig-gateway/internal/auth"
	"github.com/2389/rig-gateway/internal/session"
)

func (g *Gateway) handleJoinQueue(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())
	entry, err := g.queue.Join(r.Context(), mux.Vars(r)["id"], caller.PrincipalID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, queueEntryResponse(entry))
}

// handleLeaveQueue leaves a waiting entry with a refund, or cancels the
// caller's active session without one.
func (g *Gateway) handleLeaveQueue(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())
	entry, err := g.sessions.Leave(r.Context(), mux.Vars(r)["id"], caller.PrincipalID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queueEntryResponse(entry))
}

func (g *Gateway) handleListQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := g.queue.List(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_cost": g.queue.SessionCost(),
		"entries":      queueEntryResponses(entries),
	})
}

func (g *Gateway) handleActivateSession(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]
	caller := auth.MustFromContext(r.Context())
	if _, err := g.sessions.Activate(r.Context(), deviceID, caller.PrincipalID); err != nil {
		g.writeError(w, r, err)
		return
	}

	view, err := g.sessions.Get(r.Context(), deviceID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (g *Gateway) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())
	sess, err := g.sessions.Cancel(r.Context(), mux.Vars(r)["id"], session.Actor{
		ID:    caller.PrincipalID,
		Admin: caller.IsAdmin(),
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":      sess.DeviceID,
		"queue_entry_id": sess.QueueEntryID,
		"user_id":        sess.UserID,
		"phase":          sess.Phase,
		"cancelled":      true,
	})
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := g.sessions.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
