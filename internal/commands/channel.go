// ABOUTME: Command channel: durable per-device mailbox of directives and their results
// ABOUTME: Enqueue appends, agents poll FIFO, completion is idempotent and feeds hooks

package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/rig-gateway/internal/store"
)

// Command types classify a directive for authorization.
const (
	TypeControl     = "control"
	TypeSignaling   = "signaling"
	TypeMaintenance = "maintenance"
)

// Actions understood by the rig agent.
const (
	ActionEnterCar     = "enter_car"
	ActionDisableDrive = "disable_drive"
	ActionWaitForStop  = "wait_for_stop"
	ActionExitCar      = "exit_car"
	ActionResetToIdle  = "reset_to_idle"
	ActionIgnitionOn   = "ignition_on"
	ActionIgnitionOff  = "ignition_off"
	ActionWebRTCOffer  = "webrtc_offer"
	ActionWebRTCICE    = "webrtc_ice"
)

// Dead-letter results written by Sweep.
var (
	resultExpired   = json.RawMessage(`{"error":"expired"}`)
	resultAbandoned = json.RawMessage(`{"error":"abandoned"}`)
)

// Defaults for Options.
const (
	DefaultMaxPendingPerDevice = 64
	DefaultPendingTTL          = 10 * time.Minute
	DefaultRetention           = 30 * 24 * time.Hour
)

// CompletionHook observes a command reaching a terminal status. It runs in
// the same transaction as the status change; returning an error rolls both
// back.
type CompletionHook func(tx *store.Tx, cmd *store.Command) error

// Request describes one directive to dispatch.
type Request struct {
	DeviceID      string
	Type          string
	Action        string
	Params        any // marshaled to JSON; json.RawMessage passes through
	QueueEntryID  string
	CorrelationID string
	Unbounded     bool // exempt from the per-device pending limit
}

// Options configures a Channel.
type Options struct {
	MaxPendingPerDevice int
	PendingTTL          time.Duration
	Retention           time.Duration
	Now                 func() time.Time
	Logger              *slog.Logger
}

// Channel is the coordinator side of the command mailbox.
type Channel struct {
	store      store.Store
	maxPending int
	pendingTTL time.Duration
	retention  time.Duration
	now        func() time.Time
	logger     *slog.Logger

	mu    sync.RWMutex
	hooks []CompletionHook
}

// New creates a Channel backed by s.
func New(s store.Store, opts Options) *Channel {
	c := &Channel{
		store:      s,
		maxPending: opts.MaxPendingPerDevice,
		pendingTTL: opts.PendingTTL,
		retention:  opts.Retention,
		now:        opts.Now,
		logger:     opts.Logger,
	}
	if c.maxPending <= 0 {
		c.maxPending = DefaultMaxPendingPerDevice
	}
	if c.pendingTTL <= 0 {
		c.pendingTTL = DefaultPendingTTL
	}
	if c.retention <= 0 {
		c.retention = DefaultRetention
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "commands")
	return c
}

// OnComplete registers a hook run whenever a command finishes.
func (c *Channel) OnComplete(h CompletionHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, h)
}

func (c *Channel) runHooks(tx *store.Tx, cmd *store.Command) error {
	c.mu.RLock()
	hooks := c.hooks
	c.mu.RUnlock()

	for _, h := range hooks {
		if err := h(tx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue appends a pending command in its own transaction.
func (c *Channel) Enqueue(ctx context.Context, req Request) (*store.Command, error) {
	var cmd *store.Command
	err := c.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		cmd, err = c.EnqueueTx(tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

// EnqueueTx appends a pending command inside a caller's transaction so the
// dispatch commits or rolls back with the caller's other writes.
func (c *Channel) EnqueueTx(tx *store.Tx, req Request) (*store.Command, error) {
	if req.Type == "" || req.Action == "" {
		return nil, newError(KindDispatchFailed, "command type and action are required")
	}

	device, err := tx.GetDevice(req.DeviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindDeviceNotFound, "device %s not found", req.DeviceID)
	}
	if err != nil {
		return nil, err
	}
	if !device.Active {
		return nil, newError(KindDeviceNotFound, "device %s is deactivated", req.DeviceID)
	}

	if !req.Unbounded {
		pending, err := tx.CountPendingCommands(req.DeviceID)
		if err != nil {
			return nil, err
		}
		if pending >= c.maxPending {
			return nil, newError(KindDispatchFailed, "device %s mailbox is full (%d pending)", req.DeviceID, pending)
		}
	}

	var params json.RawMessage
	if req.Params != nil {
		params, err = json.Marshal(req.Params)
		if err != nil {
			return nil, &CommandError{Kind: KindInvalidPayload, Message: "encoding params", Err: err}
		}
	}

	cmd := &store.Command{
		ID:            uuid.New().String(),
		DeviceID:      req.DeviceID,
		Type:          req.Type,
		Action:        req.Action,
		Params:        params,
		Status:        store.CommandPending,
		QueueEntryID:  req.QueueEntryID,
		CorrelationID: req.CorrelationID,
		CreatedAt:     c.now().UTC(),
	}
	if err := tx.InsertCommand(cmd); err != nil {
		return nil, &CommandError{Kind: KindDispatchFailed, Message: "storing command", Err: err}
	}

	c.logger.Info("command enqueued",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"action", cmd.Action,
	)
	return cmd, nil
}

// Poll returns up to limit pending commands for a device in FIFO order.
// Polling never changes command status; the agent calls Start.
func (c *Channel) Poll(ctx context.Context, deviceID string, limit int) ([]*store.Command, error) {
	var cmds []*store.Command
	err := c.store.View(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetDevice(deviceID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return newError(KindDeviceNotFound, "device %s not found", deviceID)
			}
			return err
		}
		var err error
		cmds, err = tx.ListPendingCommands(deviceID, limit)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("poll", "device_id", deviceID, "count", len(cmds))
	if cmds == nil {
		cmds = []*store.Command{}
	}
	return cmds, nil
}

// Start marks a pending command as processing.
// Returns store.ErrConflict if it was already picked up or finished.
func (c *Channel) Start(ctx context.Context, commandID string) (*store.Command, error) {
	var cmd *store.Command
	err := c.store.Update(ctx, func(tx *store.Tx) error {
		if err := tx.MarkCommandProcessing(commandID, c.now().UTC()); err != nil {
			if errors.Is(err, store.ErrConflict) {
				if _, gerr := tx.GetCommand(commandID); gerr != nil {
					return gerr
				}
			}
			return err
		}
		var err error
		cmd, err = tx.GetCommand(commandID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

// Complete records the agent's terminal result for a command and runs the
// completion hooks. Completing an already finished command is a no-op that
// returns the stored command unchanged.
func (c *Channel) Complete(ctx context.Context, commandID string, status store.CommandStatus, result json.RawMessage) (*store.Command, error) {
	if !status.Terminal() {
		return nil, newError(KindInvalidPayload, "status must be completed or failed, got %q", status)
	}
	if len(result) > 0 && !json.Valid(result) {
		return nil, newError(KindInvalidPayload, "result is not valid JSON")
	}

	var cmd *store.Command
	changed := false
	err := c.store.Update(ctx, func(tx *store.Tx) error {
		err := tx.FinishCommand(commandID, status, result, c.now().UTC())
		switch {
		case err == nil:
			changed = true
		case errors.Is(err, store.ErrConflict):
			// Already finished; fall through and return the stored row.
		default:
			return err
		}

		cmd, err = tx.GetCommand(commandID)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		return c.runHooks(tx, cmd)
	})
	if err != nil {
		return nil, err
	}

	if changed {
		c.logger.Info("command finished",
			"command_id", cmd.ID,
			"device_id", cmd.DeviceID,
			"action", cmd.Action,
			"status", cmd.Status,
		)
	} else {
		c.logger.Debug("duplicate completion ignored", "command_id", cmd.ID, "status", cmd.Status)
	}
	return cmd, nil
}

// Get returns a command by id.
func (c *Channel) Get(ctx context.Context, commandID string) (*store.Command, error) {
	var cmd *store.Command
	err := c.store.View(ctx, func(tx *store.Tx) error {
		var err error
		cmd, err = tx.GetCommand(commandID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

// SweepResult reports what one Sweep did.
type SweepResult struct {
	Expired int
	Pruned  int64
}

// Sweep applies the retention policy: commands pending (or processing)
// longer than the pending TTL are dead-lettered as failed, and finished
// commands older than the retention period are deleted.
func (c *Channel) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := c.now().UTC()
	cutoff := now.Add(-c.pendingTTL)

	err := c.store.Update(ctx, func(tx *store.Tx) error {
		overdue, err := tx.ListOverdueCommands(cutoff, cutoff, 0)
		if err != nil {
			return err
		}
		for _, cmd := range overdue {
			result := resultExpired
			if cmd.Status == store.CommandProcessing {
				result = resultAbandoned
			}
			if err := tx.FinishCommand(cmd.ID, store.CommandFailed, result, now); err != nil {
				return err
			}
			cmd.Status = store.CommandFailed
			cmd.Result = result
			cmd.CompletedAt = &now
			if err := c.runHooks(tx, cmd); err != nil {
				return fmt.Errorf("running completion hooks for %s: %w", cmd.ID, err)
			}
			res.Expired++
		}

		res.Pruned, err = tx.PruneCommands(now.Add(-c.retention))
		return err
	})
	if err != nil {
		return SweepResult{}, fmt.Errorf("sweeping commands: %w", err)
	}

	if res.Expired > 0 || res.Pruned > 0 {
		c.logger.Info("command sweep", "expired", res.Expired, "pruned", res.Pruned)
	}
	return res, nil
}
