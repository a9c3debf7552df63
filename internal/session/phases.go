// ABOUTME: Phase advancement for active sessions
// ABOUTME: Driven by command results, advisory telemetry and timers evaluated by Tick

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/rig-gateway/internal/commands"
	"github.com/2389/rig-gateway/internal/store"
)

// transition moves sess to phase `to`, conditional on it still being in its
// current phase. Returns store.ErrConflict if another writer got there first.
func (c *Controller) transition(tx *store.Tx, sess *store.SessionState, to store.Phase, now time.Time) error {
	from := sess.Phase
	sess.Phase = to
	sess.PhaseEnteredAt = now
	sess.UpdatedAt = now
	if err := tx.UpdateSessionPhase(sess, from); err != nil {
		sess.Phase = from
		return err
	}

	c.logger.Info("session phase changed",
		"device_id", sess.DeviceID,
		"entry_id", sess.QueueEntryID,
		"from", from,
		"to", to,
	)
	return nil
}

// startRacing enters racing and starts the session timer.
func (c *Controller) startRacing(tx *store.Tx, sess *store.SessionState, now time.Time) error {
	expires := now.Add(time.Duration(sess.DurationSeconds) * time.Second)
	sess.TimerStartedAt = &now
	sess.TimerExpiresAt = &expires
	return c.transition(tx, sess, store.PhaseRacing, now)
}

// startCompletingLap lets the driver finish the lap in progress. The current
// lap count becomes the baseline a later lap increment is measured against.
func (c *Controller) startCompletingLap(tx *store.Tx, sess *store.SessionState, tm *store.Telemetry, now time.Time) error {
	if tm != nil {
		sess.StartLap = tm.Lap
	}
	return c.transition(tx, sess, store.PhaseCompletingLap, now)
}

// startStopping enters stopping and asks the agent to disable drive.
func (c *Controller) startStopping(tx *store.Tx, sess *store.SessionState, now time.Time) error {
	if err := c.transition(tx, sess, store.PhaseStopping, now); err != nil {
		return err
	}
	_, err := c.dispatch(tx, sess, commands.ActionDisableDrive)
	return err
}

// complete finalizes a finished session: the entry becomes completed (which
// clears the session state) and the next head's timeout starts.
func (c *Controller) complete(tx *store.Tx, sess *store.SessionState, now time.Time) error {
	if err := tx.FinalizeEntry(sess.QueueEntryID, store.QueueCompleted, now); err != nil {
		return fmt.Errorf("finalizing completed entry: %w", err)
	}
	if err := tx.MarkHead(sess.DeviceID, now); err != nil {
		return err
	}
	if err := tx.AppendAudit(&store.AuditEntry{
		ActorID:    store.AuditActorSystem,
		Action:     store.AuditCompleteSession,
		TargetType: "queue_entry",
		TargetID:   sess.QueueEntryID,
		Timestamp:  now,
		Detail:     map[string]any{"device_id": sess.DeviceID, "user_id": sess.UserID},
	}); err != nil {
		return err
	}

	c.logger.Info("session completed", "device_id", sess.DeviceID, "entry_id", sess.QueueEntryID)
	return nil
}

// HandleCommandResult advances the owning session when one of its commands
// finishes. It runs inside the completion transaction. Results for commands
// of an earlier session on the device are ignored.
func (c *Controller) HandleCommandResult(tx *store.Tx, cmd *store.Command) error {
	if cmd.QueueEntryID == "" || cmd.Type != commands.TypeControl {
		return nil
	}

	sess, err := tx.GetSession(cmd.DeviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sess.QueueEntryID != cmd.QueueEntryID {
		return nil
	}

	now := c.now().UTC()

	if cmd.Status == store.CommandFailed {
		c.logger.Warn("session command failed",
			"device_id", cmd.DeviceID,
			"command_id", cmd.ID,
			"action", cmd.Action,
			"result", string(cmd.Result),
		)
		return c.cancelTx(tx, sess, store.AuditActorSystem, ReasonCommandFailed)
	}

	switch {
	case sess.Phase == store.PhaseEnteringCar && cmd.Action == commands.ActionEnterCar:
		err = c.transition(tx, sess, store.PhaseWaitingForMovement, now)
	case sess.Phase == store.PhaseStopping && cmd.Action == commands.ActionDisableDrive:
		_, err = c.dispatch(tx, sess, commands.ActionWaitForStop)
	case sess.Phase == store.PhaseStopping && cmd.Action == commands.ActionWaitForStop:
		if err = c.transition(tx, sess, store.PhaseExitingCar, now); err == nil {
			_, err = c.dispatch(tx, sess, commands.ActionExitCar)
		}
	case sess.Phase == store.PhaseExitingCar && cmd.Action == commands.ActionExitCar:
		err = c.complete(tx, sess, now)
	}
	return err
}

// HandleTelemetry stores the advisory snapshot and lets it advance the
// device's session. Telemetry never touches last_seen.
func (c *Controller) HandleTelemetry(ctx context.Context, deviceID string, tm store.Telemetry) error {
	now := c.now().UTC()
	if tm.ReceivedAt.IsZero() {
		tm.ReceivedAt = now
	}

	err := c.store.Update(ctx, func(tx *store.Tx) error {
		if err := tx.SetTelemetry(deviceID, &tm); err != nil {
			return err
		}
		sess, err := tx.GetSession(deviceID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return c.advance(tx, sess, &tm, now)
	})
	if err != nil {
		return fmt.Errorf("handling telemetry: %w", err)
	}
	return nil
}

// Tick evaluates timers and the latest telemetry for every active session.
// It returns how many sessions changed phase.
func (c *Controller) Tick(ctx context.Context) (int, error) {
	now := c.now().UTC()
	advanced := 0

	err := c.store.Update(ctx, func(tx *store.Tx) error {
		advanced = 0
		sessions, err := tx.ListSessions()
		if err != nil {
			return err
		}
		for _, sess := range sessions {
			device, err := tx.GetDevice(sess.DeviceID)
			if err != nil {
				return err
			}
			before := sess.Phase
			if err := c.advance(tx, sess, device.Telemetry, now); err != nil {
				return err
			}
			if sess.Phase != before {
				advanced++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ticking sessions: %w", err)
	}
	return advanced, nil
}

// advance applies the telemetry- and time-driven transitions. Telemetry
// received before the current phase began is ignored, and missing telemetry
// only ever delays a transition until its timeout.
func (c *Controller) advance(tx *store.Tx, sess *store.SessionState, tm *store.Telemetry, now time.Time) error {
	fresh := tm
	if fresh != nil && fresh.ReceivedAt.Before(sess.PhaseEnteredAt) {
		fresh = nil
	}

	var err error
	switch sess.Phase {
	case store.PhaseWaitingForMovement:
		moving := fresh != nil && fresh.SpeedKMH >= c.movementSpeedKMH
		if moving || now.Sub(sess.PhaseEnteredAt) >= c.movementTimeout {
			err = c.startRacing(tx, sess, now)
		}
	case store.PhaseRacing:
		if sess.TimerExpiresAt != nil && !now.Before(*sess.TimerExpiresAt) {
			err = c.startCompletingLap(tx, sess, tm, now)
		}
	case store.PhaseCompletingLap:
		lapDone := fresh != nil && fresh.Lap > sess.StartLap
		if lapDone || now.Sub(sess.PhaseEnteredAt) >= c.lapGrace {
			err = c.startStopping(tx, sess, now)
		}
	}

	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	return err
}
