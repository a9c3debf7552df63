// ABOUTME: Tests for the agent executor against a fake mailbox and the simulated rig
// ABOUTME: Covers staleness, state-aware skips, bounded holds, failures and re-delivery

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/rig-gateway/internal/rigclient"
)

type completion struct {
	id     string
	status string
	result string
}

type fakeMailbox struct {
	mu          sync.Mutex
	pending     []rigclient.Command
	starts      []string
	completions []completion
	startErr    error
	startErrs   []error
	completeErr []error
}

func (m *fakeMailbox) Poll(_ context.Context, _ string, limit int) ([]rigclient.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit < len(m.pending) {
		return append([]rigclient.Command(nil), m.pending[:limit]...), nil
	}
	return append([]rigclient.Command(nil), m.pending...), nil
}

func (m *fakeMailbox) Start(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	if len(m.startErrs) > 0 {
		err := m.startErrs[0]
		m.startErrs = m.startErrs[1:]
		return err
	}
	m.starts = append(m.starts, id)
	return nil
}

func (m *fakeMailbox) Complete(_ context.Context, id, status string, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.completeErr) > 0 {
		err := m.completeErr[0]
		m.completeErr = m.completeErr[1:]
		if err != nil {
			return err
		}
	}
	m.completions = append(m.completions, completion{id: id, status: status, result: string(result)})
	return nil
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestExecutor(t *testing.T, opts Options) (*Executor, *fakeMailbox, *SimRig) {
	t.Helper()
	rig := NewSimRig(func() time.Time { return base })
	mb := &fakeMailbox{}
	if opts.Hold.Interval == 0 {
		opts.Hold = HoldOptions{Interval: time.Millisecond, Ceiling: 50 * time.Millisecond}
	}
	e := New("rig_1", mb, rig, rig, opts)
	e.backoff = time.Millisecond
	t.Cleanup(e.Close)
	return e, mb, rig
}

func control(id, action string, createdAt time.Time) rigclient.Command {
	return rigclient.Command{ID: id, DeviceID: "rig_1", Type: TypeControl, Action: action, Status: "pending", CreatedAt: createdAt}
}

func TestExecutor_StaleCommandSkipped(t *testing.T) {
	e, mb, rig := newTestExecutor(t, Options{})
	mb.pending = []rigclient.Command{control("c1", ActionEnterCar, base.Add(-time.Minute))}

	n, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, mb.completions, 1)
	assert.Equal(t, StatusCompleted, mb.completions[0].status)
	assert.JSONEq(t, `{"skipped":"stale"}`, mb.completions[0].result)
	assert.Empty(t, mb.starts, "stale commands are never started")
	assert.Empty(t, rig.Presses(), "no device-level action taken")
}

func TestExecutor_RunsHoldAction(t *testing.T) {
	e, mb, rig := newTestExecutor(t, Options{})
	rig.Lag = 3
	mb.pending = []rigclient.Command{control("c1", ActionEnterCar, base.Add(time.Second))}

	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"c1"}, mb.starts)
	require.Len(t, mb.completions, 1)
	assert.Equal(t, StatusCompleted, mb.completions[0].status)
	assert.JSONEq(t, `{"ok":true}`, mb.completions[0].result)
	assert.Equal(t, []Input{InputEnterCar}, rig.Presses())
	assert.False(t, rig.Held(InputEnterCar), "input released after the hold")

	state, _ := rig.Sense(context.Background())
	assert.True(t, state.InCar)
}

func TestExecutor_AlreadySatisfiedSkipsAction(t *testing.T) {
	e, mb, rig := newTestExecutor(t, Options{})
	rig.SetState(SensedState{AppReachable: true, AppReachableSince: base, Ignition: true})
	mb.pending = []rigclient.Command{control("c1", ActionIgnitionOn, base.Add(time.Second))}

	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, mb.completions, 1)
	assert.Equal(t, StatusCompleted, mb.completions[0].status)
	assert.JSONEq(t, `{"skipped":"already_satisfied"}`, mb.completions[0].result)
	assert.Equal(t, []string{"c1"}, mb.starts)
	assert.Empty(t, rig.Presses())
}

func TestExecutor_HoldCeilingFails(t *testing.T) {
	e, mb, rig := newTestExecutor(t, Options{Hold: HoldOptions{Interval: time.Millisecond, Ceiling: 20 * time.Millisecond}})
	rig.Stuck[InputDriveLock] = true
	rig.SetState(SensedState{AppReachable: true, AppReachableSince: base, InCar: true, DriveEnabled: true})
	mb.pending = []rigclient.Command{control("c1", ActionDisableDrive, base.Add(time.Second))}

	start := time.Now()
	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "hold is bounded")

	require.Len(t, mb.completions, 1)
	assert.Equal(t, StatusFailed, mb.completions[0].status)
	assert.Contains(t, mb.completions[0].result, "hold ceiling")
	assert.False(t, rig.Held(InputDriveLock))
}

func TestExecutor_UnknownActionFails(t *testing.T) {
	e, mb, _ := newTestExecutor(t, Options{})
	mb.pending = []rigclient.Command{control("c1", "launch_rocket", base.Add(time.Second))}

	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, mb.completions, 1)
	assert.Equal(t, StatusFailed, mb.completions[0].status)
	assert.JSONEq(t, `{"error":"unknown action: launch_rocket"}`, mb.completions[0].result)
}

func TestExecutor_PanicBecomesFailure(t *testing.T) {
	e, mb, _ := newTestExecutor(t, Options{})
	e.Handle("webrtc_offer", func(context.Context, rigclient.Command) (any, error) {
		panic("boom")
	})
	mb.pending = []rigclient.Command{{ID: "c1", Type: TypeSignaling, Action: "webrtc_offer", CreatedAt: base}}

	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, mb.completions, 1)
	assert.Equal(t, StatusFailed, mb.completions[0].status)
	assert.JSONEq(t, `{"error":"panic: boom"}`, mb.completions[0].result)
}

func TestExecutor_HandlerResult(t *testing.T) {
	e, mb, rig := newTestExecutor(t, Options{})
	rig.SetAppReachable(false)
	e.Handle("webrtc_offer", func(_ context.Context, cmd rigclient.Command) (any, error) {
		return map[string]string{"answer_sdp": "v=0"}, nil
	})
	e.Handle("webrtc_ice", func(context.Context, rigclient.Command) (any, error) {
		return nil, errors.New("no peer")
	})
	mb.pending = []rigclient.Command{
		{ID: "c1", Type: TypeSignaling, Action: "webrtc_offer", CreatedAt: base.Add(-time.Hour)},
		{ID: "c2", Type: TypeSignaling, Action: "webrtc_ice", CreatedAt: base.Add(-time.Hour)},
	}

	n, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n, "signaling ignores application reachability and staleness")

	assert.JSONEq(t, `{"answer_sdp":"v=0"}`, mb.completions[0].result)
	assert.Equal(t, StatusFailed, mb.completions[1].status)
	assert.JSONEq(t, `{"error":"no peer"}`, mb.completions[1].result)
}

func TestExecutor_UnreachableAppDefersControl(t *testing.T) {
	e, mb, rig := newTestExecutor(t, Options{})
	rig.SetAppReachable(false)
	mb.pending = []rigclient.Command{control("c1", ActionEnterCar, base.Add(time.Second))}

	n, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, mb.starts)
	assert.Empty(t, mb.completions)
}

func TestExecutor_StartConflictSkips(t *testing.T) {
	e, mb, rig := newTestExecutor(t, Options{})
	mb.startErr = &rigclient.APIError{Status: http.StatusConflict, Kind: "Conflict"}
	mb.pending = []rigclient.Command{control("c1", ActionEnterCar, base.Add(time.Second))}

	n, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, mb.completions)
	assert.Empty(t, rig.Presses())

	// A later delivery of the same id is processed normally.
	mb.startErr = nil
	n, err = e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExecutor_FailedStartHoldsBackLaterCommands(t *testing.T) {
	e, mb, rig := newTestExecutor(t, Options{})
	mb.startErrs = []error{errors.New("connection reset")}
	mb.pending = []rigclient.Command{
		control("c1", ActionEnterCar, base.Add(time.Second)),
		control("c2", ActionResetToIdle, base.Add(2*time.Second)),
	}

	n, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, mb.starts, "nothing may overtake c1")
	assert.Empty(t, mb.completions)
	assert.Empty(t, rig.Presses())

	n, err = e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"c1", "c2"}, mb.starts)
	require.Len(t, mb.completions, 2)
	assert.Equal(t, "c1", mb.completions[0].id)
	assert.Equal(t, "c2", mb.completions[1].id)

	state, _ := rig.Sense(context.Background())
	assert.False(t, state.InCar, "reset ran last")
}

func TestExecutor_UnreachableAppHoldsBackBatch(t *testing.T) {
	e, mb, rig := newTestExecutor(t, Options{})
	rig.SetAppReachable(false)
	handled := 0
	e.Handle("webrtc_offer", func(context.Context, rigclient.Command) (any, error) {
		handled++
		return nil, nil
	})
	mb.pending = []rigclient.Command{
		control("c1", ActionEnterCar, base.Add(time.Second)),
		control("c2", ActionExitCar, base.Add(2*time.Second)),
	}

	n, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, mb.starts)

	// Signaling does not wait on the rig.
	mb.pending = []rigclient.Command{
		{ID: "s1", DeviceID: "rig_1", Type: TypeSignaling, Action: "webrtc_offer", Status: "pending", CreatedAt: base.Add(time.Second)},
	}
	n, err = e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, handled)
}

func TestExecutor_RedeliveryReReportsWithoutRerunning(t *testing.T) {
	e, mb, rig := newTestExecutor(t, Options{})
	mb.pending = []rigclient.Command{control("c1", ActionEnterCar, base.Add(time.Second))}

	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	rig.SetState(SensedState{AppReachable: true, AppReachableSince: base})

	_, err = e.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"c1"}, mb.starts, "started once")
	assert.Len(t, rig.Presses(), 1, "executed once")
	require.Len(t, mb.completions, 2)
	assert.Equal(t, mb.completions[0], mb.completions[1])
}

func TestExecutor_CompleteRetriesTransientErrors(t *testing.T) {
	e, mb, _ := newTestExecutor(t, Options{})
	mb.completeErr = []error{
		&rigclient.APIError{Status: http.StatusServiceUnavailable},
		errors.New("connection reset"),
	}
	mb.pending = []rigclient.Command{control("c1", ActionExitCar, base.Add(time.Second))}

	n, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, mb.completions, 1)
	assert.Equal(t, StatusCompleted, mb.completions[0].status)
}

func TestExecutor_CompleteGivesUpOnClientError(t *testing.T) {
	e, mb, _ := newTestExecutor(t, Options{})
	mb.completeErr = []error{&rigclient.APIError{Status: http.StatusBadRequest, Kind: "InvalidPayload"}}
	mb.pending = []rigclient.Command{control("c1", ActionExitCar, base.Add(time.Second))}

	n, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, mb.completions)
}

func TestExecutor_ResetToIdle(t *testing.T) {
	resets := 0
	e, mb, rig := newTestExecutor(t, Options{OnReset: []func(){func() { resets++ }}})
	rig.SetState(SensedState{AppReachable: true, AppReachableSince: base, InCar: true, DriveEnabled: true, Ignition: true, SpeedKMH: 80})
	mb.pending = []rigclient.Command{control("c1", ActionResetToIdle, base.Add(time.Second))}

	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, mb.completions, 1)
	assert.Equal(t, StatusCompleted, mb.completions[0].status)
	assert.JSONEq(t, `{"idle":true}`, mb.completions[0].result)
	assert.Equal(t, 1, resets)

	state, _ := rig.Sense(context.Background())
	assert.False(t, state.InCar)
	assert.False(t, state.DriveEnabled)
	assert.Zero(t, state.SpeedKMH)
	for _, in := range AllInputs {
		assert.False(t, rig.Held(in), in)
	}
}

func TestExecutor_ResetReportsFailuresAfterEveryStep(t *testing.T) {
	resets := 0
	e, mb, rig := newTestExecutor(t, Options{
		Hold:    HoldOptions{Interval: time.Millisecond, Ceiling: 10 * time.Millisecond},
		OnReset: []func(){func() { resets++ }},
	})
	rig.Stuck[InputDriveLock] = true
	rig.SetState(SensedState{AppReachable: true, AppReachableSince: base, InCar: true, DriveEnabled: true})
	mb.pending = []rigclient.Command{control("c1", ActionResetToIdle, base.Add(time.Second))}

	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, mb.completions, 1)
	assert.Equal(t, StatusFailed, mb.completions[0].status)
	assert.Equal(t, 1, resets)
	assert.Contains(t, rig.Presses(), InputExitCar, "exit still attempted")
}

func TestHoldUntil_CancelReleases(t *testing.T) {
	e, _, rig := newTestExecutor(t, Options{Hold: HoldOptions{Interval: time.Millisecond, Ceiling: time.Minute}})
	rig.Stuck[InputBrake] = true
	rig.SetDriving(50, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := e.HoldUntil(ctx, InputBrake, e.stopped)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, rig.Held(InputBrake))
}

func TestHoldOptions_Defaults(t *testing.T) {
	o := HoldOptions{}.withDefaults()
	assert.Equal(t, DefaultHoldInterval, o.Interval)
	assert.Equal(t, DefaultHoldCeiling, o.Ceiling)

	o = HoldOptions{Interval: time.Second, Ceiling: 10 * time.Millisecond}.withDefaults()
	assert.Equal(t, 10*time.Millisecond, o.Interval, "interval never exceeds ceiling")
}
