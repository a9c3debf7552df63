// ABOUTME: User handlers: own balance and entries, admin user creation, credit grants, audit log
// ABOUTME: Audit listing accepts action, actor_id, target_id, since and limit filters

package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/2389/rig-gateway/internal/auth"
	"github.com/2389/rig-gateway/internal/store"
)

// CreateUserRequest is the JSON body for POST /api/users.
type CreateUserRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Admin       bool   `json:"admin,omitempty"`
}

// GrantCreditsRequest is the JSON body for POST /api/users/{id}/credits.
type GrantCreditsRequest struct {
	Amount int `json:"amount"`
}

// MeResponse is the JSON response for GET /api/me.
type MeResponse struct {
	UserResponse
	Entries []QueueEntryResponse `json:"entries"`
}

func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustFromContext(r.Context())
	u, err := g.accounts.Get(r.Context(), caller.PrincipalID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	entries, err := g.queue.UserEntries(r.Context(), caller.PrincipalID, 20)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MeResponse{
		UserResponse: userResponse(u),
		Entries:      queueEntryResponses(entries),
	})
}

func (g *Gateway) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	u, err := g.accounts.CreateUser(r.Context(), req.ID, req.DisplayName, req.Admin)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, userResponse(u))
}

func (g *Gateway) handleGrantCredits(w http.ResponseWriter, r *http.Request) {
	var req GrantCreditsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	caller := auth.MustFromContext(r.Context())
	u, err := g.accounts.Grant(r.Context(), mux.Vars(r)["id"], req.Amount, caller.PrincipalID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse(u))
}

func (g *Gateway) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.AuditFilter

	if v := q.Get("action"); v != "" {
		action := store.AuditAction(v)
		f.Action = &action
	}
	if v := q.Get("actor_id"); v != "" {
		f.ActorID = &v
	}
	if v := q.Get("target_type"); v != "" {
		f.TargetType = &v
	}
	if v := q.Get("target_id"); v != "" {
		f.TargetID = &v
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(w, "since must be RFC3339: %v", err)
			return
		}
		f.Since = &since
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	var entries []store.AuditEntry
	err := g.store.View(r.Context(), func(tx *store.Tx) error {
		var err error
		entries, err = tx.ListAudit(f)
		return err
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	out := make([]AuditEntryResponse, 0, len(entries))
	for i := range entries {
		out = append(out, auditEntryResponse(&entries[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}
