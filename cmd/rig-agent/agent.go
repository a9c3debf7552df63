// ABOUTME: The rig agent's reporting loops: heartbeat, telemetry and the simulated driver
// ABOUTME: Each loop reads the rig's sensed state and reports it through the gateway client

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/rig-gateway/internal/executor"
	"github.com/2389/rig-gateway/internal/rigclient"
)

// reporter is the part of the gateway client the reporting loops use.
type reporter interface {
	Heartbeat(ctx context.Context, deviceID string, appReachable bool) error
	ReportTelemetry(ctx context.Context, deviceID string, t rigclient.Telemetry) error
}

type agent struct {
	deviceID string
	client   reporter
	sensor   executor.Sensor
	logger   *slog.Logger
}

func (a *agent) heartbeat(ctx context.Context) error {
	state, err := a.sensor.Sense(ctx)
	if err != nil {
		return err
	}
	return a.client.Heartbeat(ctx, a.deviceID, state.AppReachable)
}

func (a *agent) telemetry(ctx context.Context) error {
	state, err := a.sensor.Sense(ctx)
	if err != nil {
		return err
	}
	return a.client.ReportTelemetry(ctx, a.deviceID, rigclient.Telemetry{
		SpeedKMH: state.SpeedKMH,
		InCar:    state.InCar,
		Ignition: state.Ignition,
		Lap:      state.Lap,
	})
}

// every runs fn at the interval until ctx is done, once immediately.
func (a *agent) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn(name+" failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// simDriver moves a simulated car while someone is in it with drive
// enabled, completing a lap every lapTime.
type simDriver struct {
	rig      *executor.SimRig
	speedKMH float64
	lapTime  time.Duration
	now      func() time.Time

	driving  bool
	lapStart time.Time
	lap      int
}

func (d *simDriver) step(ctx context.Context) error {
	state, err := d.rig.Sense(ctx)
	if err != nil {
		return err
	}
	d.lap = state.Lap

	// With drive disabled the car coasts until the brake stops it.
	if !state.InCar || !state.DriveEnabled {
		d.driving = false
		return nil
	}

	now := d.now()
	if !d.driving {
		d.driving = true
		d.lapStart = now
	}
	if now.Sub(d.lapStart) >= d.lapTime {
		d.lap++
		d.lapStart = now
	}
	d.rig.SetDriving(d.speedKMH, d.lap)
	return nil
}
