// ABOUTME: Built-in rig actions with their already-satisfied checks
// ABOUTME: Maps each control action to an input hold and the sensed state it waits for

package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/rig-gateway/internal/rigclient"
)

// Actions the executor drives itself.
const (
	ActionEnterCar     = "enter_car"
	ActionDisableDrive = "disable_drive"
	ActionWaitForStop  = "wait_for_stop"
	ActionExitCar      = "exit_car"
	ActionResetToIdle  = "reset_to_idle"
	ActionIgnitionOn   = "ignition_on"
	ActionIgnitionOff  = "ignition_off"
)

type action struct {
	// satisfied reports that the action's goal already holds. Nil means always run.
	satisfied func(SensedState) bool
	run       func(ctx context.Context, cmd rigclient.Command) (any, error)
}

func inCar(s SensedState) bool         { return s.InCar }
func outOfCar(s SensedState) bool      { return !s.InCar }
func ignitionOn(s SensedState) bool    { return s.Ignition }
func ignitionOff(s SensedState) bool   { return !s.Ignition }
func driveDisabled(s SensedState) bool { return !s.DriveEnabled }

func (e *Executor) stopped(s SensedState) bool { return s.SpeedKMH <= e.stopSpeed }

// holdAction builds an action that holds input until goal is sensed.
func (e *Executor) holdAction(input Input, goal func(SensedState) bool) action {
	return action{
		satisfied: goal,
		run: func(ctx context.Context, _ rigclient.Command) (any, error) {
			return nil, e.HoldUntil(ctx, input, goal)
		},
	}
}

func (e *Executor) builtinActions() map[string]action {
	return map[string]action{
		ActionEnterCar:     e.holdAction(InputEnterCar, inCar),
		ActionExitCar:      e.holdAction(InputExitCar, outOfCar),
		ActionIgnitionOn:   e.holdAction(InputIgnition, ignitionOn),
		ActionIgnitionOff:  e.holdAction(InputIgnition, ignitionOff),
		ActionDisableDrive: e.holdAction(InputDriveLock, driveDisabled),
		ActionWaitForStop:  e.holdAction(InputBrake, e.stopped),
		ActionResetToIdle:  {run: e.resetToIdle},
	}
}

// resetToIdle returns the rig to a safe state from any phase. Every step
// runs even when an earlier one fails.
func (e *Executor) resetToIdle(ctx context.Context, _ rigclient.Command) (any, error) {
	defer func() {
		for _, fn := range e.onReset {
			fn()
		}
	}()

	var errs []error
	for _, in := range AllInputs {
		if err := e.rig.Release(ctx, in); err != nil {
			errs = append(errs, fmt.Errorf("releasing %s: %w", in, err))
		}
	}

	state, err := e.sensor.Sense(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("sensing state: %w", err))
		return nil, errors.Join(errs...)
	}
	if state.DriveEnabled {
		if err := e.HoldUntil(ctx, InputDriveLock, driveDisabled); err != nil {
			errs = append(errs, err)
		}
	}
	if !e.stopped(state) {
		if err := e.HoldUntil(ctx, InputBrake, e.stopped); err != nil {
			errs = append(errs, err)
		}
	}
	if state.InCar {
		if err := e.HoldUntil(ctx, InputExitCar, outOfCar); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return map[string]bool{"idle": true}, nil
}
