// ABOUTME: Admission queue manager: per-device FIFO of waiting users with credit escrow
// ABOUTME: Join debits and inserts atomically; leave and head eviction refund and compact

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/rig-gateway/internal/liveness"
	"github.com/2389/rig-gateway/internal/store"
)

// Defaults for Options.
const (
	DefaultSessionCost = 100
	DefaultHeadTimeout = 60 * time.Second
)

// Options configures a Manager.
type Options struct {
	SessionCost int // 0 means free; negative falls back to the default
	HeadTimeout time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

// Manager owns join, leave and head eviction for every device queue.
type Manager struct {
	store       store.Store
	liveness    *liveness.Tracker
	sessionCost int
	headTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// New creates a Manager.
func New(s store.Store, tracker *liveness.Tracker, opts Options) *Manager {
	m := &Manager{
		store:       s,
		liveness:    tracker,
		sessionCost: opts.SessionCost,
		headTimeout: opts.HeadTimeout,
		now:         opts.Now,
		logger:      opts.Logger,
	}
	if m.sessionCost < 0 {
		m.sessionCost = DefaultSessionCost
	}
	if m.headTimeout <= 0 {
		m.headTimeout = DefaultHeadTimeout
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "queue")
	return m
}

// SessionCost returns the credits escrowed per join.
func (m *Manager) SessionCost() int { return m.sessionCost }

// Join places the user at the tail of the device's queue, debiting the
// session cost in the same transaction as the insert.
func (m *Manager) Join(ctx context.Context, deviceID, userID string) (*store.QueueEntry, error) {
	now := m.now().UTC()
	var entry *store.QueueEntry

	err := m.store.Update(ctx, func(tx *store.Tx) error {
		device, err := tx.GetDevice(deviceID)
		if err != nil {
			return fmt.Errorf("loading device: %w", err)
		}
		if !device.Claimed {
			return admissionError(KindDeviceUnclaimed, "device %s is not claimed", deviceID)
		}
		if !m.liveness.IsLive(device) {
			return admissionError(KindDeviceOffline, "device %s is offline", deviceID)
		}

		if _, err := tx.FindOpenEntry(deviceID, userID); err == nil {
			return admissionError(KindAlreadyQueued, "already queued for device %s", deviceID)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if err := tx.AdjustCredits(userID, -m.sessionCost); err != nil {
			if errors.Is(err, store.ErrInsufficientCredits) {
				return admissionError(KindInsufficientCredits, "joining requires %d credits", m.sessionCost)
			}
			return fmt.Errorf("debiting credits: %w", err)
		}

		last, err := tx.MaxWaitingPosition(deviceID)
		if err != nil {
			return err
		}

		entry = &store.QueueEntry{
			ID:       uuid.New().String(),
			DeviceID: deviceID,
			UserID:   userID,
			Status:   store.QueueWaiting,
			Position: last + 1,
			JoinedAt: now,
		}
		if err := tx.InsertQueueEntry(entry); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return admissionError(KindAlreadyQueued, "already queued for device %s", deviceID)
			}
			return err
		}

		if err := tx.MarkHead(deviceID, now); err != nil {
			return err
		}
		if entry, err = tx.GetQueueEntry(entry.ID); err != nil {
			return err
		}

		return tx.AppendAudit(&store.AuditEntry{
			ActorID:    userID,
			Action:     store.AuditJoinQueue,
			TargetType: "device",
			TargetID:   deviceID,
			Timestamp:  now,
			Detail:     map[string]any{"entry_id": entry.ID, "position": entry.Position, "debited": m.sessionCost},
		})
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("joined queue",
		"device_id", deviceID,
		"user_id", userID,
		"entry_id", entry.ID,
		"position", entry.Position,
	)
	return entry, nil
}

// Leave removes the user's waiting entry, refunds the session cost and
// closes the gap behind it. An active entry is owned by the session
// controller and reports SessionActive.
func (m *Manager) Leave(ctx context.Context, deviceID, userID string) (*store.QueueEntry, error) {
	var entry *store.QueueEntry
	err := m.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		entry, err = tx.FindOpenEntry(deviceID, userID)
		if errors.Is(err, store.ErrNotFound) {
			return admissionError(KindNotQueued, "not queued for device %s", deviceID)
		}
		if err != nil {
			return err
		}
		if entry.Status == store.QueueActive {
			return admissionError(KindSessionActive, "entry %s has an active session", entry.ID)
		}
		return m.LeaveTx(tx, entry, userID)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("left queue", "device_id", deviceID, "user_id", userID, "entry_id", entry.ID)
	return entry, nil
}

// LeaveTx removes a waiting entry inside the caller's transaction: the row is
// deleted, the cost refunded, later positions compacted and the new head
// stamped.
func (m *Manager) LeaveTx(tx *store.Tx, entry *store.QueueEntry, actorID string) error {
	now := m.now().UTC()

	if err := tx.DeleteQueueEntry(entry.ID); err != nil {
		return fmt.Errorf("removing entry: %w", err)
	}
	if err := m.releaseWaitingSlot(tx, entry, now); err != nil {
		return err
	}

	return tx.AppendAudit(&store.AuditEntry{
		ActorID:    actorID,
		Action:     store.AuditLeaveQueue,
		TargetType: "device",
		TargetID:   entry.DeviceID,
		Timestamp:  now,
		Detail:     map[string]any{"entry_id": entry.ID, "user_id": entry.UserID, "refunded": m.sessionCost},
	})
}

// releaseWaitingSlot refunds a departed waiting entry and closes its gap.
func (m *Manager) releaseWaitingSlot(tx *store.Tx, entry *store.QueueEntry, now time.Time) error {
	if err := tx.AdjustCredits(entry.UserID, m.sessionCost); err != nil {
		return fmt.Errorf("refunding credits: %w", err)
	}
	if err := tx.CompactAfter(entry.DeviceID, entry.Position); err != nil {
		return err
	}
	return tx.MarkHead(entry.DeviceID, now)
}

// SweepHeads evicts every head entry that has waited at the front for longer
// than the head timeout while its device was free, refunding each. Running
// it again after an eviction is a no-op.
func (m *Manager) SweepHeads(ctx context.Context) (int, error) {
	now := m.now().UTC()
	cutoff := now.Add(-m.headTimeout)
	var evicted []*store.QueueEntry

	err := m.store.Update(ctx, func(tx *store.Tx) error {
		evicted = nil
		stale, err := tx.ListStaleHeads(cutoff)
		if err != nil {
			return err
		}
		for _, entry := range stale {
			if err := tx.FinalizeEntry(entry.ID, store.QueueCancelled, now); err != nil {
				return fmt.Errorf("evicting %s: %w", entry.ID, err)
			}
			if err := m.releaseWaitingSlot(tx, entry, now); err != nil {
				return err
			}
			if err := tx.AppendAudit(&store.AuditEntry{
				ActorID:    store.AuditActorSystem,
				Action:     store.AuditEvictHead,
				TargetType: "device",
				TargetID:   entry.DeviceID,
				Timestamp:  now,
				Detail:     map[string]any{"entry_id": entry.ID, "user_id": entry.UserID, "refunded": m.sessionCost},
			}); err != nil {
				return err
			}
			evicted = append(evicted, entry)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sweeping queue heads: %w", err)
	}

	for _, entry := range evicted {
		m.logger.Info("evicted idle head",
			"device_id", entry.DeviceID,
			"user_id", entry.UserID,
			"entry_id", entry.ID,
		)
	}
	return len(evicted), nil
}

// List returns the device's waiting entries ordered by position.
func (m *Manager) List(ctx context.Context, deviceID string) ([]*store.QueueEntry, error) {
	var entries []*store.QueueEntry
	err := m.store.View(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetDevice(deviceID); err != nil {
			return err
		}
		var err error
		entries, err = tx.ListWaiting(deviceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*store.QueueEntry{}
	}
	return entries, nil
}

// UserEntries returns the user's most recent entries across all devices.
func (m *Manager) UserEntries(ctx context.Context, userID string, limit int) ([]*store.QueueEntry, error) {
	var entries []*store.QueueEntry
	err := m.store.View(ctx, func(tx *store.Tx) error {
		var err error
		entries, err = tx.ListUserEntries(userID, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*store.QueueEntry{}
	}
	return entries, nil
}
