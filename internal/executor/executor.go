// ABOUTME: Agent-side command executor: polls the mailbox, applies staleness and skip rules
// ABOUTME: Guarantees every started command is reported completed or failed

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/rig-gateway/internal/dedupe"
	"github.com/2389/rig-gateway/internal/rigclient"
)

// Command statuses reported back to the gateway.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Command types as dispatched by the gateway.
const (
	TypeControl     = "control"
	TypeSignaling   = "signaling"
	TypeMaintenance = "maintenance"
)

const (
	DefaultPollInterval    = time.Second
	DefaultPollLimit       = 16
	DefaultCompleteTries   = 3
	DefaultCompleteBackoff = 250 * time.Millisecond
	dedupeTTL              = 30 * time.Minute
	dedupeSize             = 1024
)

// Mailbox is the gateway side of the command channel.
type Mailbox interface {
	Poll(ctx context.Context, deviceID string, limit int) ([]rigclient.Command, error)
	Start(ctx context.Context, commandID string) error
	Complete(ctx context.Context, commandID, status string, result json.RawMessage) error
}

// Handler runs a command and returns a JSON-serializable result.
type Handler func(ctx context.Context, cmd rigclient.Command) (any, error)

// Options configures an Executor.
type Options struct {
	PollInterval time.Duration
	PollLimit    int
	Hold         HoldOptions
	// StopSpeedKMH is the speed at or below which the car counts as stopped.
	StopSpeedKMH float64
	// OnReset runs after the rig has been returned to its idle state.
	OnReset []func()
	Logger  *slog.Logger
}

type outcome struct {
	status string
	result json.RawMessage
}

// Executor consumes one device's mailbox.
type Executor struct {
	deviceID string
	mailbox  Mailbox
	sensor   Sensor
	rig      Rig

	actions  map[string]action
	handlers map[string]Handler
	handled  *dedupe.Cache[outcome]

	pollInterval time.Duration
	pollLimit    int
	hold         HoldOptions
	stopSpeed    float64
	onReset      []func()
	backoff      time.Duration
	logger       *slog.Logger
}

// New creates an executor for deviceID.
func New(deviceID string, mailbox Mailbox, sensor Sensor, rig Rig, opts Options) *Executor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.PollLimit <= 0 {
		opts.PollLimit = DefaultPollLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	e := &Executor{
		deviceID:     deviceID,
		mailbox:      mailbox,
		sensor:       sensor,
		rig:          rig,
		handlers:     make(map[string]Handler),
		handled:      dedupe.New[outcome](dedupeTTL, dedupeSize),
		pollInterval: opts.PollInterval,
		pollLimit:    opts.PollLimit,
		hold:         opts.Hold.withDefaults(),
		stopSpeed:    opts.StopSpeedKMH,
		onReset:      opts.OnReset,
		backoff:      DefaultCompleteBackoff,
		logger:       opts.Logger.With("component", "executor", "device_id", deviceID),
	}
	if e.stopSpeed <= 0 {
		e.stopSpeed = 1
	}
	e.actions = e.builtinActions()
	return e
}

// Handle registers a handler for an action the rig does not drive itself,
// such as signaling. It replaces any earlier handler for the same action.
func (e *Executor) Handle(actionName string, h Handler) {
	e.handlers[actionName] = h
}

// Close releases background resources.
func (e *Executor) Close() {
	e.handled.Close()
}

// Run polls until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := e.RunOnce(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce polls once and processes every delivered command in order.
// It returns how many commands were reported. A control or maintenance
// command that is still pending after its turn ends the batch, so nothing
// behind it runs first; the next poll starts again from it.
func (e *Executor) RunOnce(ctx context.Context) (int, error) {
	cmds, err := e.mailbox.Poll(ctx, e.deviceID, e.pollLimit)
	if err != nil {
		return 0, fmt.Errorf("polling commands: %w", err)
	}
	e.logger.Debug("polled commands", "count", len(cmds))

	reported := 0
	for _, cmd := range cmds {
		if ctx.Err() != nil {
			return reported, nil
		}
		switch e.process(ctx, cmd) {
		case processReported:
			reported++
		case processRetry:
			if cmd.Type == TypeControl || cmd.Type == TypeMaintenance {
				e.logger.Debug("holding back later commands", "blocked_by", cmd.ID)
				return reported, nil
			}
		}
	}
	return reported, nil
}

type processResult int

const (
	// processReported means a terminal status reached the gateway.
	processReported processResult = iota
	// processGone means the command was no longer pending.
	processGone
	// processRetry means the command must be tried again on a later poll.
	processRetry
)

func (e *Executor) process(ctx context.Context, cmd rigclient.Command) processResult {
	logger := e.logger.With("command_id", cmd.ID, "action", cmd.Action)

	if prev, dup := e.handled.Claim(cmd.ID, outcome{}); dup {
		if prev.status == "" {
			return processRetry
		}
		logger.Info("re-reporting handled command", "status", prev.status)
		return e.report(ctx, logger, cmd.ID, prev)
	}

	state, err := e.sensor.Sense(ctx)
	if err != nil {
		logger.Warn("sensing state", "error", err)
		e.handled.Delete(cmd.ID)
		return processRetry
	}

	if cmd.Type == TypeControl || cmd.Type == TypeMaintenance {
		if !state.AppReachable {
			logger.Debug("application unreachable, deferring command")
			e.handled.Delete(cmd.ID)
			return processRetry
		}
		if !state.AppReachableSince.IsZero() && cmd.CreatedAt.Before(state.AppReachableSince) {
			logger.Info("skipping stale command", "created_at", cmd.CreatedAt, "app_reachable_since", state.AppReachableSince)
			return e.finish(ctx, logger, cmd.ID, outcome{status: StatusCompleted, result: json.RawMessage(`{"skipped":"stale"}`)})
		}
	}

	if err := e.mailbox.Start(ctx, cmd.ID); err != nil {
		e.handled.Delete(cmd.ID)
		if rigclient.IsConflict(err) {
			logger.Debug("command no longer pending")
			return processGone
		}
		logger.Warn("starting command", "error", err)
		return processRetry
	}

	return e.finish(ctx, logger, cmd.ID, e.execute(ctx, logger, cmd, state))
}

// execute runs the command. Errors and panics become failed outcomes.
func (e *Executor) execute(ctx context.Context, logger *slog.Logger, cmd rigclient.Command, state SensedState) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("command handler panicked", "panic", r)
			out = failure(fmt.Sprintf("panic: %v", r))
		}
	}()

	if h, ok := e.handlers[cmd.Action]; ok {
		return e.toOutcome(h(ctx, cmd))
	}

	act, ok := e.actions[cmd.Action]
	if !ok {
		return failure("unknown action: " + cmd.Action)
	}
	if act.satisfied != nil && act.satisfied(state) {
		logger.Info("action already satisfied")
		return outcome{status: StatusCompleted, result: json.RawMessage(`{"skipped":"already_satisfied"}`)}
	}
	return e.toOutcome(act.run(ctx, cmd))
}

func (e *Executor) toOutcome(result any, err error) outcome {
	if err != nil {
		return failure(err.Error())
	}
	if result == nil {
		result = map[string]bool{"ok": true}
	}
	data, err := json.Marshal(result)
	if err != nil {
		return failure("encoding result: " + err.Error())
	}
	return outcome{status: StatusCompleted, result: data}
}

func failure(msg string) outcome {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return outcome{status: StatusFailed, result: data}
}

func (e *Executor) finish(ctx context.Context, logger *slog.Logger, id string, out outcome) processResult {
	e.handled.Put(id, out)
	return e.report(ctx, logger, id, out)
}

// report completes a command, retrying transient failures a bounded number of times.
func (e *Executor) report(ctx context.Context, logger *slog.Logger, id string, out outcome) processResult {
	// A cancelled run still reports: the command is already processing.
	ctx = context.WithoutCancel(ctx)

	backoff := e.backoff
	for attempt := 1; attempt <= DefaultCompleteTries; attempt++ {
		err := e.mailbox.Complete(ctx, id, out.status, out.result)
		if err == nil || rigclient.IsConflict(err) {
			logger.Info("command finished", "status", out.status)
			return processReported
		}
		var apiErr *rigclient.APIError
		if errors.As(err, &apiErr) && apiErr.Status < 500 {
			logger.Error("gateway rejected completion", "error", err)
			return processRetry
		}
		logger.Warn("reporting completion", "attempt", attempt, "error", err)
		if attempt < DefaultCompleteTries {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return processRetry
}
