// ABOUTME: Bounded hold-and-release of a rig input until sensed state changes
// ABOUTME: Short interruptible polling increments with a hard ceiling

package executor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultHoldInterval = 100 * time.Millisecond
	DefaultHoldCeiling  = 5 * time.Second
)

// ErrHoldTimeout is returned when the expected state never arrives before the ceiling.
var ErrHoldTimeout = errors.New("sensed state did not change before hold ceiling")

// HoldOptions bounds a hold.
type HoldOptions struct {
	Interval time.Duration
	Ceiling  time.Duration
}

func (o HoldOptions) withDefaults() HoldOptions {
	if o.Interval <= 0 {
		o.Interval = DefaultHoldInterval
	}
	if o.Ceiling <= 0 {
		o.Ceiling = DefaultHoldCeiling
	}
	if o.Interval > o.Ceiling {
		o.Interval = o.Ceiling
	}
	return o
}

// HoldUntil presses input and keeps it held until cond holds for the sensed
// state, the ceiling passes, or ctx is cancelled. The input is always released.
func (e *Executor) HoldUntil(ctx context.Context, input Input, cond func(SensedState) bool) error {
	if err := e.rig.Press(ctx, input); err != nil {
		return fmt.Errorf("pressing %s: %w", input, err)
	}
	err := e.WaitUntil(ctx, cond)
	if relErr := e.rig.Release(context.WithoutCancel(ctx), input); relErr != nil && err == nil {
		err = fmt.Errorf("releasing %s: %w", input, relErr)
	}
	if errors.Is(err, ErrHoldTimeout) {
		return fmt.Errorf("holding %s: %w", input, err)
	}
	return err
}

// WaitUntil polls sensed state until cond holds, bounded by the hold ceiling.
func (e *Executor) WaitUntil(ctx context.Context, cond func(SensedState) bool) error {
	deadline := time.NewTimer(e.hold.Ceiling)
	defer deadline.Stop()
	ticker := time.NewTicker(e.hold.Interval)
	defer ticker.Stop()

	for {
		state, err := e.sensor.Sense(ctx)
		if err != nil {
			return fmt.Errorf("sensing state: %w", err)
		}
		if cond(state) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrHoldTimeout
		case <-ticker.C:
		}
	}
}
