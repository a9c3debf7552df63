// ABOUTME: Rig input and sensor interfaces plus an in-memory simulated rig
// ABOUTME: SimRig drives the agent binary's sim driver and the executor tests

package executor

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrAppUnreachable is returned when inputs are pressed while the controlled
// application is not running.
var ErrAppUnreachable = errors.New("application not reachable")

// Input is a physical or virtual control on the rig.
type Input string

const (
	InputEnterCar  Input = "enter_car"
	InputExitCar   Input = "exit_car"
	InputIgnition  Input = "ignition"
	InputDriveLock Input = "drive_lock"
	InputBrake     Input = "brake"
)

// AllInputs lists every input, in release order.
var AllInputs = []Input{InputEnterCar, InputExitCar, InputIgnition, InputDriveLock, InputBrake}

// SensedState is the agent's last-known view of the rig.
type SensedState struct {
	AppReachable bool
	// AppReachableSince is when the controlled application was most recently
	// detected becoming reachable.
	AppReachableSince time.Time
	InCar             bool
	Ignition          bool
	DriveEnabled      bool
	SpeedKMH          float64
	Lap               int
}

// Sensor reads the rig's state.
type Sensor interface {
	Sense(ctx context.Context) (SensedState, error)
}

// Rig presses and releases inputs.
type Rig interface {
	Press(ctx context.Context, input Input) error
	Release(ctx context.Context, input Input) error
}

// SimRig is an in-memory rig whose inputs take effect after a configurable
// number of sense reads.
type SimRig struct {
	mu      sync.Mutex
	state   SensedState
	held    map[Input]int
	presses []Input
	// Lag is how many Sense calls a held input needs before its effect shows.
	Lag int
	// Stuck inputs never take effect.
	Stuck map[Input]bool
	now   func() time.Time
}

// NewSimRig creates a simulated rig with the application already reachable.
func NewSimRig(now func() time.Time) *SimRig {
	if now == nil {
		now = time.Now
	}
	return &SimRig{
		state: SensedState{AppReachable: true, AppReachableSince: now()},
		held:  make(map[Input]int),
		Stuck: make(map[Input]bool),
		now:   now,
	}
}

// Press implements Rig.
func (r *SimRig) Press(_ context.Context, input Input) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.AppReachable {
		return ErrAppUnreachable
	}
	if _, ok := r.held[input]; !ok {
		r.held[input] = 0
		r.presses = append(r.presses, input)
	}
	return nil
}

// Release implements Rig.
func (r *SimRig) Release(_ context.Context, input Input) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, input)
	return nil
}

// Sense implements Sensor. Each call advances held inputs by one step.
func (r *SimRig) Sense(_ context.Context) (SensedState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for input, steps := range r.held {
		steps++
		r.held[input] = steps
		if steps > r.Lag && !r.Stuck[input] {
			r.apply(input)
		}
	}
	return r.state, nil
}

func (r *SimRig) apply(input Input) {
	switch input {
	case InputEnterCar:
		r.state.InCar = true
		r.state.DriveEnabled = true
	case InputExitCar:
		r.state.InCar = false
		r.state.DriveEnabled = false
		r.state.Ignition = false
	case InputIgnition:
		if r.held[input] == r.Lag+1 {
			r.state.Ignition = !r.state.Ignition
		}
	case InputDriveLock:
		r.state.DriveEnabled = false
	case InputBrake:
		r.state.SpeedKMH = 0
	}
}

// SetAppReachable simulates the controlled application starting or stopping.
func (r *SimRig) SetAppReachable(reachable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reachable && !r.state.AppReachable {
		r.state.AppReachableSince = r.now()
	}
	r.state.AppReachable = reachable
}

// SetDriving sets the simulated speed and lap counter.
func (r *SimRig) SetDriving(speedKMH float64, lap int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.SpeedKMH = speedKMH
	r.state.Lap = lap
}

// SetState replaces the sensed state wholesale.
func (r *SimRig) SetState(s SensedState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

// Presses returns every input pressed so far, in order.
func (r *SimRig) Presses() []Input {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Input(nil), r.presses...)
}

// Held reports whether input is currently held.
func (r *SimRig) Held(input Input) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.held[input]
	return ok
}
