// ABOUTME: Liveness tracker deciding whether a rig's agent is presumed reachable
// ABOUTME: Two heartbeat recency windows: live gates operations, presence is display-only

package liveness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/rig-gateway/internal/store"
)

// Default windows.
const (
	DefaultLiveWindow     = 30 * time.Second
	DefaultPresenceWindow = 60 * time.Second
)

// Status is the liveness projection of one device.
type Status struct {
	Live     bool       `json:"live"`
	Present  bool       `json:"present"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
	AgeSecs  *int64     `json:"age_seconds,omitempty"`
}

// Tracker evaluates device liveness from last_seen and records heartbeats.
// Heartbeat is the only path in the system that writes last_seen.
type Tracker struct {
	store          store.Store
	liveWindow     time.Duration
	presenceWindow time.Duration
	now            func() time.Time
	logger         *slog.Logger
}

// Options configures a Tracker. Zero values fall back to the defaults.
type Options struct {
	LiveWindow     time.Duration
	PresenceWindow time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

// New creates a Tracker backed by s.
func New(s store.Store, opts Options) *Tracker {
	t := &Tracker{
		store:          s,
		liveWindow:     opts.LiveWindow,
		presenceWindow: opts.PresenceWindow,
		now:            opts.Now,
		logger:         opts.Logger,
	}
	if t.liveWindow <= 0 {
		t.liveWindow = DefaultLiveWindow
	}
	if t.presenceWindow <= 0 {
		t.presenceWindow = DefaultPresenceWindow
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("component", "liveness")
	return t
}

// Now returns the tracker's clock reading.
func (t *Tracker) Now() time.Time {
	return t.now().UTC()
}

// LiveWindow returns the threshold used by IsLive.
func (t *Tracker) LiveWindow() time.Duration { return t.liveWindow }

// IsLive reports whether the device heartbeated within the live window.
// Deactivated devices are never live.
func (t *Tracker) IsLive(d *store.Device) bool {
	if d == nil || !d.Active {
		return false
	}
	return within(d.LastSeen, t.Now(), t.liveWindow)
}

// IsPresent reports whether the device heartbeated within the presence
// window. Advisory only; never use it to gate an operation.
func (t *Tracker) IsPresent(d *store.Device) bool {
	if d == nil || !d.Active {
		return false
	}
	return within(d.LastSeen, t.Now(), t.presenceWindow)
}

// Status projects both windows for display.
func (t *Tracker) Status(d *store.Device) Status {
	st := Status{
		Live:     t.IsLive(d),
		Present:  t.IsPresent(d),
		LastSeen: d.LastSeen,
	}
	if d.LastSeen != nil {
		age := int64(t.Now().Sub(*d.LastSeen) / time.Second)
		if age < 0 {
			age = 0
		}
		st.AgeSecs = &age
	}
	return st
}

// Heartbeat records that the device's agent is alive. appReachable reports
// whether the agent can currently reach the controlled application.
// Returns store.ErrNotFound for unknown devices.
func (t *Tracker) Heartbeat(ctx context.Context, deviceID string, appReachable bool) (*store.Device, error) {
	now := t.Now()
	var device *store.Device
	err := t.store.Update(ctx, func(tx *store.Tx) error {
		if err := tx.TouchLastSeen(deviceID, now, appReachable); err != nil {
			return err
		}
		d, err := tx.GetDevice(deviceID)
		if err != nil {
			return err
		}
		device = d
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recording heartbeat: %w", err)
	}

	t.logger.Debug("heartbeat", "device_id", deviceID, "app_reachable", appReachable)
	return device, nil
}

func within(lastSeen *time.Time, now time.Time, window time.Duration) bool {
	if lastSeen == nil {
		return false
	}
	return now.Sub(*lastSeen) <= window
}
