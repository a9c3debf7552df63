// ABOUTME: Device handlers: status listing and the admin claim/release/deactivate operations
// ABOUTME: Listings carry liveness, queue length and the active session phase

package gateway

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/2389/rig-gateway/internal/auth"
	"github.com/2389/rig-gateway/internal/registry"
	"github.com/2389/rig-gateway/internal/store"
)

// ClaimDeviceRequest is the JSON body for POST /api/devices/{id}/claim.
type ClaimDeviceRequest struct {
	OwnerID string `json:"owner_id"`
}

func (g *Gateway) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := g.registry.List(r.Context())
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	if devices == nil {
		devices = []*registry.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (g *Gateway) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	sum, err := g.registry.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (g *Gateway) handleClaimDevice(w http.ResponseWriter, r *http.Request) {
	var req ClaimDeviceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	g.respondDevice(w, r, func(id, actor string) (*store.Device, error) {
		return g.registry.Claim(r.Context(), id, req.OwnerID, actor)
	})
}

func (g *Gateway) handleReleaseDevice(w http.ResponseWriter, r *http.Request) {
	g.respondDevice(w, r, func(id, actor string) (*store.Device, error) {
		return g.registry.Release(r.Context(), id, actor)
	})
}

func (g *Gateway) handleDeactivateDevice(w http.ResponseWriter, r *http.Request) {
	g.respondDevice(w, r, func(id, actor string) (*store.Device, error) {
		return g.registry.Deactivate(r.Context(), id, actor)
	})
}

// respondDevice runs an admin device mutation and writes the updated record.
func (g *Gateway) respondDevice(w http.ResponseWriter, r *http.Request, fn func(deviceID, actorID string) (*store.Device, error)) {
	dev, err := fn(mux.Vars(r)["id"], auth.MustFromContext(r.Context()).PrincipalID)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceResponse(dev))
}
