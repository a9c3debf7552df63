// ABOUTME: JSON projections of store records returned by the HTTP API
// ABOUTME: Keeps wire names snake_case and independent of the storage structs

package gateway

import (
	"encoding/json"
	"time"

	"github.com/2389/rig-gateway/internal/store"
)

// DeviceResponse is the JSON form of a device record.
type DeviceResponse struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Claimed      bool             `json:"claimed"`
	OwnerID      string           `json:"owner_id,omitempty"`
	Active       bool             `json:"active"`
	LastSeen     *time.Time       `json:"last_seen,omitempty"`
	AppReachable bool             `json:"app_reachable"`
	Telemetry    *store.Telemetry `json:"telemetry,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

func deviceResponse(d *store.Device) DeviceResponse {
	return DeviceResponse{
		ID:           d.ID,
		Name:         d.Name,
		Claimed:      d.Claimed,
		OwnerID:      d.OwnerID,
		Active:       d.Active,
		LastSeen:     d.LastSeen,
		AppReachable: d.AppReachable,
		Telemetry:    d.Telemetry,
		CreatedAt:    d.CreatedAt,
	}
}

// QueueEntryResponse is the JSON form of a queue entry.
type QueueEntryResponse struct {
	ID           string            `json:"id"`
	DeviceID     string            `json:"device_id"`
	UserID       string            `json:"user_id"`
	Status       store.QueueStatus `json:"status"`
	Position     int               `json:"position,omitempty"`
	JoinedAt     time.Time         `json:"joined_at"`
	BecameHeadAt *time.Time        `json:"became_head_at,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

func queueEntryResponse(e *store.QueueEntry) QueueEntryResponse {
	resp := QueueEntryResponse{
		ID:           e.ID,
		DeviceID:     e.DeviceID,
		UserID:       e.UserID,
		Status:       e.Status,
		JoinedAt:     e.JoinedAt,
		BecameHeadAt: e.BecameHeadAt,
		StartedAt:    e.StartedAt,
		CompletedAt:  e.CompletedAt,
	}
	if e.Status == store.QueueWaiting {
		resp.Position = e.Position
	}
	return resp
}

func queueEntryResponses(entries []*store.QueueEntry) []QueueEntryResponse {
	out := make([]QueueEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, queueEntryResponse(e))
	}
	return out
}

// CommandResponse is the JSON form of a command as agents and admins see it.
type CommandResponse struct {
	ID            string              `json:"id"`
	DeviceID      string              `json:"device_id"`
	Type          string              `json:"type"`
	Action        string              `json:"action"`
	Params        json.RawMessage     `json:"params,omitempty"`
	Status        store.CommandStatus `json:"status"`
	QueueEntryID  string              `json:"queue_entry_id,omitempty"`
	CorrelationID string              `json:"correlation_id,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	StartedAt     *time.Time          `json:"started_at,omitempty"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
	Result        json.RawMessage     `json:"result,omitempty"`
}

func commandResponse(c *store.Command) CommandResponse {
	return CommandResponse{
		ID:            c.ID,
		DeviceID:      c.DeviceID,
		Type:          c.Type,
		Action:        c.Action,
		Params:        c.Params,
		Status:        c.Status,
		QueueEntryID:  c.QueueEntryID,
		CorrelationID: c.CorrelationID,
		CreatedAt:     c.CreatedAt,
		StartedAt:     c.StartedAt,
		CompletedAt:   c.CompletedAt,
		Result:        c.Result,
	}
}

// UserResponse is the JSON form of a user and their balance.
type UserResponse struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Credits     int       `json:"credits"`
	IsAdmin     bool      `json:"is_admin"`
	CreatedAt   time.Time `json:"created_at"`
}

func userResponse(u *store.User) UserResponse {
	return UserResponse{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Credits:     u.Credits,
		IsAdmin:     u.IsAdmin,
		CreatedAt:   u.CreatedAt,
	}
}

// AuditEntryResponse is the JSON form of an audit record.
type AuditEntryResponse struct {
	ID         string            `json:"id"`
	ActorID    string            `json:"actor_id"`
	Action     store.AuditAction `json:"action"`
	TargetType string            `json:"target_type"`
	TargetID   string            `json:"target_id"`
	Timestamp  time.Time         `json:"timestamp"`
	Detail     map[string]any    `json:"detail,omitempty"`
}

func auditEntryResponse(e *store.AuditEntry) AuditEntryResponse {
	return AuditEntryResponse{
		ID:         e.ID,
		ActorID:    e.ActorID,
		Action:     e.Action,
		TargetType: e.TargetType,
		TargetID:   e.TargetID,
		Timestamp:  e.Timestamp,
		Detail:     e.Detail,
	}
}
