// ABOUTME: Tests for the liveness tracker
// ABOUTME: Uses an injected clock and a temp-dir SQLite store

package liveness

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/rig-gateway/internal/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func setup(t *testing.T) (*store.SQLiteStore, *Tracker, *fakeClock) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	require.NoError(t, s.Update(context.Background(), func(tx *store.Tx) error {
		_, err := tx.UpsertDevice("rig_1", "fp-1", "Rig One", clock.Now())
		return err
	}))

	return s, New(s, Options{Now: clock.Now}), clock
}

func getDevice(t *testing.T, s *store.SQLiteStore, id string) *store.Device {
	t.Helper()
	var d *store.Device
	require.NoError(t, s.View(context.Background(), func(tx *store.Tx) error {
		var err error
		d, err = tx.GetDevice(id)
		return err
	}))
	return d
}

func TestTracker_NeverSeenIsNotLive(t *testing.T) {
	s, tr, _ := setup(t)

	d := getDevice(t, s, "rig_1")
	assert.False(t, tr.IsLive(d))
	assert.False(t, tr.IsPresent(d))

	st := tr.Status(d)
	assert.Nil(t, st.LastSeen)
	assert.Nil(t, st.AgeSecs)
}

func TestTracker_WindowsAreDistinct(t *testing.T) {
	s, tr, clock := setup(t)
	ctx := context.Background()

	_, err := tr.Heartbeat(ctx, "rig_1", true)
	require.NoError(t, err)

	d := getDevice(t, s, "rig_1")
	assert.True(t, tr.IsLive(d))
	assert.True(t, tr.IsPresent(d))
	assert.True(t, d.AppReachable)

	clock.Advance(30 * time.Second)
	assert.True(t, tr.IsLive(d), "exactly at the live window is still live")

	clock.Advance(15 * time.Second)
	assert.False(t, tr.IsLive(d))
	assert.True(t, tr.IsPresent(d))

	st := tr.Status(d)
	require.NotNil(t, st.AgeSecs)
	assert.Equal(t, int64(45), *st.AgeSecs)

	clock.Advance(16 * time.Second)
	assert.False(t, tr.IsPresent(d))
}

func TestTracker_HeartbeatRefreshesLastSeen(t *testing.T) {
	s, tr, clock := setup(t)
	ctx := context.Background()

	_, err := tr.Heartbeat(ctx, "rig_1", false)
	require.NoError(t, err)
	clock.Advance(40 * time.Second)

	d, err := tr.Heartbeat(ctx, "rig_1", true)
	require.NoError(t, err)
	require.NotNil(t, d.LastSeen)
	assert.True(t, d.LastSeen.Equal(clock.Now()))
	assert.True(t, tr.IsLive(getDevice(t, s, "rig_1")))
}

func TestTracker_HeartbeatUnknownDevice(t *testing.T) {
	_, tr, _ := setup(t)

	_, err := tr.Heartbeat(context.Background(), "rig_missing", true)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTracker_DeactivatedDeviceIsNotLive(t *testing.T) {
	s, tr, clock := setup(t)
	ctx := context.Background()

	_, err := tr.Heartbeat(ctx, "rig_1", true)
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, func(tx *store.Tx) error {
		return tx.SetDeviceActive("rig_1", false, clock.Now())
	}))

	d := getDevice(t, s, "rig_1")
	assert.False(t, tr.IsLive(d))
	assert.False(t, tr.IsPresent(d))
}

func TestNew_Defaults(t *testing.T) {
	tr := New(nil, Options{})
	assert.Equal(t, DefaultLiveWindow, tr.LiveWindow())
	assert.Equal(t, DefaultPresenceWindow, tr.presenceWindow)
}
