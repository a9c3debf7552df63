// ABOUTME: Device registry: fingerprint-keyed registration, claims and deactivation
// ABOUTME: Also projects device status (liveness, queue length, session phase) for listings

package registry

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/2389/rig-gateway/internal/liveness"
	"github.com/2389/rig-gateway/internal/store"
)

// DeviceIDPrefix prefixes every derived device id.
const DeviceIDPrefix = "rig_"

// ErrInvalidArgument is returned for malformed registration input.
var ErrInvalidArgument = &InvalidArgumentError{}

// InvalidArgumentError reports a malformed request.
type InvalidArgumentError struct {
	Message string
}

func (e *InvalidArgumentError) Error() string { return e.Message }

// Is matches any InvalidArgumentError.
func (e *InvalidArgumentError) Is(target error) bool {
	_, ok := target.(*InvalidArgumentError)
	return ok
}

// ErrorKind implements the boundary's kinded-error contract.
func (e *InvalidArgumentError) ErrorKind() string { return "InvalidArgument" }

// DeviceID derives the stable device id for a hardware fingerprint.
func DeviceID(fingerprint string) string {
	h, _ := blake2b.New(16, nil)
	h.Write([]byte(fingerprint))
	return DeviceIDPrefix + hex.EncodeToString(h.Sum(nil))
}

// Summary is the listing projection of a device.
type Summary struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Claimed bool   `json:"claimed"`
	OwnerID string `json:"owner_id,omitempty"`
	Active  bool   `json:"active"`
	liveness.Status
	AppReachable bool             `json:"app_reachable"`
	QueueLength  int              `json:"queue_length"`
	SessionPhase store.Phase      `json:"session_phase,omitempty"`
	Telemetry    *store.Telemetry `json:"telemetry,omitempty"`
}

// Options configures a Registry.
type Options struct {
	Now    func() time.Time
	Logger *slog.Logger
}

// Registry manages device identity and ownership.
type Registry struct {
	store   store.Store
	tracker *liveness.Tracker
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a Registry.
func New(s store.Store, tracker *liveness.Tracker, opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		store:   s,
		tracker: tracker,
		now:     opts.Now,
		logger:  opts.Logger.With("component", "registry"),
	}
}

// Register upserts a device by fingerprint. Re-registering keeps the device
// id, claim and last_seen, refreshes the name and reactivates the device.
func (r *Registry) Register(ctx context.Context, fingerprint, name, actorID string) (*store.Device, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return nil, &InvalidArgumentError{Message: "fingerprint is required"}
	}
	id := DeviceID(fingerprint)
	if name = strings.TrimSpace(name); name == "" {
		name = id
	}

	var dev *store.Device
	err := r.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		dev, err = tx.UpsertDevice(id, fingerprint, name, r.now())
		if err != nil {
			return err
		}
		return tx.AppendAudit(&store.AuditEntry{
			ActorID:    actorID,
			Action:     store.AuditRegisterDevice,
			TargetType: "device",
			TargetID:   dev.ID,
			Detail:     map[string]any{"name": name},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("registering device: %w", err)
	}

	r.logger.Info("device registered", "device_id", dev.ID, "name", dev.Name)
	return dev, nil
}

// Claim assigns a device to an owner. The owner must be an existing user.
func (r *Registry) Claim(ctx context.Context, deviceID, ownerID, actorID string) (*store.Device, error) {
	if ownerID == "" {
		return nil, &InvalidArgumentError{Message: "owner_id is required"}
	}
	return r.setClaim(ctx, deviceID, ownerID, actorID, store.AuditClaimDevice)
}

// Release clears a device's owner.
func (r *Registry) Release(ctx context.Context, deviceID, actorID string) (*store.Device, error) {
	return r.setClaim(ctx, deviceID, "", actorID, store.AuditReleaseDevice)
}

func (r *Registry) setClaim(ctx context.Context, deviceID, ownerID, actorID string, action store.AuditAction) (*store.Device, error) {
	var dev *store.Device
	err := r.store.Update(ctx, func(tx *store.Tx) error {
		if ownerID != "" {
			if _, err := tx.GetUser(ownerID); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return &InvalidArgumentError{Message: fmt.Sprintf("user %s does not exist", ownerID)}
				}
				return err
			}
		}
		if err := tx.SetDeviceClaim(deviceID, ownerID, r.now()); err != nil {
			return err
		}
		var err error
		if dev, err = tx.GetDevice(deviceID); err != nil {
			return err
		}
		return tx.AppendAudit(&store.AuditEntry{
			ActorID:    actorID,
			Action:     action,
			TargetType: "device",
			TargetID:   deviceID,
			Detail:     map[string]any{"owner_id": ownerID},
		})
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("device claim updated", "device_id", deviceID, "owner_id", ownerID)
	return dev, nil
}

// Deactivate takes a device out of service. It is never deleted, and it is
// reactivated by its next registration.
func (r *Registry) Deactivate(ctx context.Context, deviceID, actorID string) (*store.Device, error) {
	var dev *store.Device
	err := r.store.Update(ctx, func(tx *store.Tx) error {
		if err := tx.SetDeviceActive(deviceID, false, r.now()); err != nil {
			return err
		}
		var err error
		if dev, err = tx.GetDevice(deviceID); err != nil {
			return err
		}
		return tx.AppendAudit(&store.AuditEntry{
			ActorID:    actorID,
			Action:     store.AuditDeactivateDevice,
			TargetType: "device",
			TargetID:   deviceID,
		})
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("device deactivated", "device_id", deviceID)
	return dev, nil
}

// Get returns the status projection of one device.
func (r *Registry) Get(ctx context.Context, deviceID string) (*Summary, error) {
	var sum *Summary
	err := r.store.View(ctx, func(tx *store.Tx) error {
		dev, err := tx.GetDevice(deviceID)
		if err != nil {
			return err
		}
		sum, err = r.summarize(tx, dev)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sum, nil
}

// List returns every device's status projection, ordered by name.
func (r *Registry) List(ctx context.Context) ([]*Summary, error) {
	var out []*Summary
	err := r.store.View(ctx, func(tx *store.Tx) error {
		devices, err := tx.ListDevices()
		if err != nil {
			return err
		}
		out = make([]*Summary, 0, len(devices))
		for _, dev := range devices {
			sum, err := r.summarize(tx, dev)
			if err != nil {
				return err
			}
			out = append(out, sum)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	return out, nil
}

func (r *Registry) summarize(tx *store.Tx, dev *store.Device) (*Summary, error) {
	sum := &Summary{
		ID:           dev.ID,
		Name:         dev.Name,
		Claimed:      dev.Claimed,
		OwnerID:      dev.OwnerID,
		Active:       dev.Active,
		Status:       r.tracker.Status(dev),
		AppReachable: dev.AppReachable,
		Telemetry:    dev.Telemetry,
	}

	waiting, err := tx.ListWaiting(dev.ID)
	if err != nil {
		return nil, err
	}
	sum.QueueLength = len(waiting)

	sess, err := tx.GetSession(dev.ID)
	switch {
	case err == nil:
		sum.SessionPhase = sess.Phase
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	return sum, nil
}
