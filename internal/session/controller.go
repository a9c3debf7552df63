// ABOUTME: Session lifecycle controller: one exclusive session per device
// ABOUTME: Activation, cancellation with a compensating command, and the status projection

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/rig-gateway/internal/commands"
	"github.com/2389/rig-gateway/internal/liveness"
	"github.com/2389/rig-gateway/internal/queue"
	"github.com/2389/rig-gateway/internal/store"
)

// Defaults for Options.
const (
	DefaultDurationSeconds  = 300
	DefaultMovementSpeedKMH = 5.0
	DefaultMovementTimeout  = 2 * time.Minute
	DefaultLapGrace         = 90 * time.Second
)

// Cancellation reasons recorded in the audit log.
const (
	ReasonRequested     = "requested"
	ReasonLeft          = "left_queue"
	ReasonCommandFailed = "command_failed"
)

// Actor identifies who is asking for a session operation.
type Actor struct {
	ID    string
	Admin bool
}

// Options configures a Controller.
type Options struct {
	DurationSeconds  int
	MovementSpeedKMH float64
	MovementTimeout  time.Duration
	LapGrace         time.Duration
	Now              func() time.Time
	Logger           *slog.Logger
}

// Controller drives each device's single active session through its phases.
type Controller struct {
	store    store.Store
	liveness *liveness.Tracker
	queue    *queue.Manager
	channel  *commands.Channel

	durationSeconds  int
	movementSpeedKMH float64
	movementTimeout  time.Duration
	lapGrace         time.Duration
	now              func() time.Time
	logger           *slog.Logger
}

// New creates a Controller and subscribes it to command completions.
func New(s store.Store, tracker *liveness.Tracker, q *queue.Manager, ch *commands.Channel, opts Options) *Controller {
	c := &Controller{
		store:            s,
		liveness:         tracker,
		queue:            q,
		channel:          ch,
		durationSeconds:  opts.DurationSeconds,
		movementSpeedKMH: opts.MovementSpeedKMH,
		movementTimeout:  opts.MovementTimeout,
		lapGrace:         opts.LapGrace,
		now:              opts.Now,
		logger:           opts.Logger,
	}
	if c.durationSeconds <= 0 {
		c.durationSeconds = DefaultDurationSeconds
	}
	if c.movementSpeedKMH <= 0 {
		c.movementSpeedKMH = DefaultMovementSpeedKMH
	}
	if c.movementTimeout <= 0 {
		c.movementTimeout = DefaultMovementTimeout
	}
	if c.lapGrace <= 0 {
		c.lapGrace = DefaultLapGrace
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "session")

	ch.OnComplete(c.HandleCommandResult)
	return c
}

// Activate starts a session for the user's head-of-queue entry on the device.
func (c *Controller) Activate(ctx context.Context, deviceID, userID string) (*store.SessionState, error) {
	now := c.now().UTC()
	var sess *store.SessionState

	err := c.store.Update(ctx, func(tx *store.Tx) error {
		entry, err := tx.FindOpenEntry(deviceID, userID)
		if errors.Is(err, store.ErrNotFound) {
			return sessionError(KindNotAtHead, "no queue entry for device %s", deviceID)
		}
		if err != nil {
			return err
		}
		sess, err = c.activateTx(tx, entry, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("session activated",
		"device_id", sess.DeviceID,
		"user_id", sess.UserID,
		"entry_id", sess.QueueEntryID,
	)
	return sess, nil
}

// ActivateEntry starts a session for a specific queue entry.
func (c *Controller) ActivateEntry(ctx context.Context, entryID string) (*store.SessionState, error) {
	now := c.now().UTC()
	var sess *store.SessionState

	err := c.store.Update(ctx, func(tx *store.Tx) error {
		entry, err := tx.GetQueueEntry(entryID)
		if err != nil {
			return err
		}
		sess, err = c.activateTx(tx, entry, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("session activated",
		"device_id", sess.DeviceID,
		"user_id", sess.UserID,
		"entry_id", sess.QueueEntryID,
	)
	return sess, nil
}

func (c *Controller) activateTx(tx *store.Tx, entry *store.QueueEntry, now time.Time) (*store.SessionState, error) {
	switch {
	case entry.Status == store.QueueActive:
		return nil, sessionError(KindAlreadyActive, "entry %s is already active", entry.ID)
	case entry.Status != store.QueueWaiting:
		return nil, sessionError(KindNotAtHead, "entry %s is %s", entry.ID, entry.Status)
	case entry.Position != 1:
		return nil, sessionError(KindNotAtHead, "entry %s is at position %d", entry.ID, entry.Position)
	}

	device, err := tx.GetDevice(entry.DeviceID)
	if err != nil {
		return nil, err
	}
	if !c.liveness.IsLive(device) {
		return nil, sessionError(KindDeviceOffline, "device %s is offline", entry.DeviceID)
	}

	if _, err := tx.GetSession(entry.DeviceID); err == nil {
		return nil, sessionError(KindAlreadyActive, "device %s already has an active session", entry.DeviceID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if err := tx.ActivateEntry(entry.ID, now); err != nil {
		if errors.Is(err, store.ErrDuplicate) || errors.Is(err, store.ErrConflict) {
			return nil, sessionError(KindAlreadyActive, "entry %s could not be activated", entry.ID)
		}
		return nil, err
	}

	sess := &store.SessionState{
		DeviceID:        entry.DeviceID,
		QueueEntryID:    entry.ID,
		UserID:          entry.UserID,
		Phase:           store.PhaseEnteringCar,
		PhaseEnteredAt:  now,
		DurationSeconds: c.durationSeconds,
		UpdatedAt:       now,
	}
	if err := tx.InsertSession(sess); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, sessionError(KindAlreadyActive, "device %s already has an active session", entry.DeviceID)
		}
		return nil, err
	}

	// The activated entry leaves the waiting set; close the gap behind it.
	if err := tx.CompactAfter(entry.DeviceID, entry.Position); err != nil {
		return nil, err
	}

	if _, err := c.dispatch(tx, sess, commands.ActionEnterCar); err != nil {
		return nil, err
	}

	if err := tx.AppendAudit(&store.AuditEntry{
		ActorID:    entry.UserID,
		Action:     store.AuditActivateSession,
		TargetType: "queue_entry",
		TargetID:   entry.ID,
		Timestamp:  now,
		Detail:     map[string]any{"device_id": entry.DeviceID, "duration_seconds": c.durationSeconds},
	}); err != nil {
		return nil, err
	}
	return sess, nil
}

// Cancel ends the device's session from any phase. Only the session owner or
// an administrator may cancel. A single reset_to_idle command is emitted
// regardless of the interrupted phase; nothing already processing is
// interrupted. The session cost is not refunded.
func (c *Controller) Cancel(ctx context.Context, deviceID string, actor Actor) (*store.SessionState, error) {
	var sess *store.SessionState
	err := c.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		sess, err = tx.GetSession(deviceID)
		if errors.Is(err, store.ErrNotFound) {
			return sessionError(KindNoActiveSession, "device %s has no active session", deviceID)
		}
		if err != nil {
			return err
		}
		if !actor.Admin && actor.ID != sess.UserID {
			return sessionError(KindNotOwner, "session on device %s belongs to another user", deviceID)
		}
		return c.cancelTx(tx, sess, actor.ID, ReasonRequested)
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Leave removes the user from the device: a waiting entry leaves the queue
// with a refund, an active entry cancels its session without one.
func (c *Controller) Leave(ctx context.Context, deviceID, userID string) (*store.QueueEntry, error) {
	entry, err := c.queue.Leave(ctx, deviceID, userID)
	if !errors.Is(err, queue.ErrSessionActive) {
		return entry, err
	}

	err = c.store.Update(ctx, func(tx *store.Tx) error {
		sess, err := tx.GetSession(deviceID)
		if err != nil {
			return err
		}
		if sess.UserID != userID {
			return sessionError(KindNotOwner, "session on device %s belongs to another user", deviceID)
		}
		if err := c.cancelTx(tx, sess, userID, ReasonLeft); err != nil {
			return err
		}
		entry, err = tx.GetQueueEntry(sess.QueueEntryID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (c *Controller) cancelTx(tx *store.Tx, sess *store.SessionState, actorID, reason string) error {
	now := c.now().UTC()

	if err := tx.FinalizeEntry(sess.QueueEntryID, store.QueueCancelled, now); err != nil {
		return fmt.Errorf("finalizing cancelled entry: %w", err)
	}
	if _, err := c.dispatch(tx, sess, commands.ActionResetToIdle); err != nil {
		return err
	}
	if err := tx.MarkHead(sess.DeviceID, now); err != nil {
		return err
	}
	if err := tx.AppendAudit(&store.AuditEntry{
		ActorID:    actorID,
		Action:     store.AuditCancelSession,
		TargetType: "queue_entry",
		TargetID:   sess.QueueEntryID,
		Timestamp:  now,
		Detail:     map[string]any{"device_id": sess.DeviceID, "phase": string(sess.Phase), "reason": reason},
	}); err != nil {
		return err
	}

	c.logger.Info("session cancelled",
		"device_id", sess.DeviceID,
		"entry_id", sess.QueueEntryID,
		"phase", sess.Phase,
		"reason", reason,
	)
	return nil
}

// dispatch enqueues a session command owned by the session's queue entry.
func (c *Controller) dispatch(tx *store.Tx, sess *store.SessionState, action string) (*store.Command, error) {
	return c.channel.EnqueueTx(tx, commands.Request{
		DeviceID:     sess.DeviceID,
		Type:         commands.TypeControl,
		Action:       action,
		QueueEntryID: sess.QueueEntryID,
		Unbounded:    true,
	})
}

// View is the read-only projection of a device's session.
type View struct {
	DeviceID         string      `json:"device_id"`
	Active           bool        `json:"active"`
	QueueEntryID     string      `json:"queue_entry_id,omitempty"`
	UserID           string      `json:"user_id,omitempty"`
	Phase            store.Phase `json:"phase,omitempty"`
	PhaseEnteredAt   *time.Time  `json:"phase_entered_at,omitempty"`
	TimerExpiresAt   *time.Time  `json:"timer_expires_at,omitempty"`
	DurationSeconds  int         `json:"duration_seconds,omitempty"`
	RemainingSeconds int         `json:"remaining_seconds"`
}

// Get projects the device's session with remaining = max(0, expires - now).
// It has no side effects.
func (c *Controller) Get(ctx context.Context, deviceID string) (*View, error) {
	var sess *store.SessionState
	err := c.store.View(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetDevice(deviceID); err != nil {
			return err
		}
		var err error
		sess, err = tx.GetSession(deviceID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	v := &View{DeviceID: deviceID}
	if sess == nil {
		return v, nil
	}
	entered := sess.PhaseEnteredAt
	v.Active = true
	v.QueueEntryID = sess.QueueEntryID
	v.UserID = sess.UserID
	v.Phase = sess.Phase
	v.PhaseEnteredAt = &entered
	v.TimerExpiresAt = sess.TimerExpiresAt
	v.DurationSeconds = sess.DurationSeconds
	v.RemainingSeconds = remainingSeconds(sess, c.now())
	return v, nil
}

func remainingSeconds(sess *store.SessionState, now time.Time) int {
	if sess.TimerExpiresAt == nil {
		return 0
	}
	left := sess.TimerExpiresAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(left / time.Second)
}
