// ABOUTME: Tests for the admission queue manager
// ABOUTME: Credit escrow, FIFO positions, compaction, liveness gating and head eviction

package queue

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/rig-gateway/internal/liveness"
	"github.com/2389/rig-gateway/internal/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	store   *store.SQLiteStore
	tracker *liveness.Tracker
	mgr     *Manager
	clock   *fakeClock
}

func setup(t *testing.T, users ...string) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tracker := liveness.New(s, liveness.Options{Now: clock.Now})
	mgr := New(s, tracker, Options{SessionCost: 100, HeadTimeout: 60 * time.Second, Now: clock.Now})

	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx *store.Tx) error {
		if _, err := tx.UpsertDevice("D", "fp-D", "Rig D", clock.Now()); err != nil {
			return err
		}
		if err := tx.SetDeviceClaim("D", "owner", clock.Now()); err != nil {
			return err
		}
		for _, u := range users {
			if err := tx.CreateUser(&store.User{ID: u, DisplayName: u, Credits: 100, CreatedAt: clock.Now()}); err != nil {
				return err
			}
		}
		return nil
	}))
	_, err = tracker.Heartbeat(ctx, "D", true)
	require.NoError(t, err)

	return &fixture{store: s, tracker: tracker, mgr: mgr, clock: clock}
}

func (f *fixture) credits(t *testing.T, userID string) int {
	t.Helper()
	var u *store.User
	require.NoError(t, f.store.View(context.Background(), func(tx *store.Tx) error {
		var err error
		u, err = tx.GetUser(userID)
		return err
	}))
	return u.Credits
}

func (f *fixture) heartbeat(t *testing.T) {
	t.Helper()
	_, err := f.tracker.Heartbeat(context.Background(), "D", true)
	require.NoError(t, err)
}

func positions(t *testing.T, f *fixture) map[string]int {
	t.Helper()
	entries, err := f.mgr.List(context.Background(), "D")
	require.NoError(t, err)
	out := make(map[string]int, len(entries))
	for i, e := range entries {
		require.Equal(t, i+1, e.Position, "positions must be contiguous from 1")
		out[e.UserID] = e.Position
	}
	return out
}

func TestJoinLeave_RefundsCost(t *testing.T) {
	f := setup(t, "U1")
	ctx := context.Background()

	entry, err := f.mgr.Join(ctx, "D", "U1")
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Position)
	assert.Equal(t, store.QueueWaiting, entry.Status)
	assert.Equal(t, 0, f.credits(t, "U1"))
	require.NotNil(t, entry.BecameHeadAt, "the first joiner is head immediately")

	_, err = f.mgr.Leave(ctx, "D", "U1")
	require.NoError(t, err)
	assert.Equal(t, 100, f.credits(t, "U1"))

	err = f.store.View(ctx, func(tx *store.Tx) error {
		_, err := tx.GetQueueEntry(entry.ID)
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound, "waiting entries are deleted on leave")
}

func TestLeave_CompactsPositions(t *testing.T) {
	f := setup(t, "U1", "U2")
	ctx := context.Background()

	e1, err := f.mgr.Join(ctx, "D", "U1")
	require.NoError(t, err)
	e2, err := f.mgr.Join(ctx, "D", "U2")
	require.NoError(t, err)
	assert.Equal(t, 1, e1.Position)
	assert.Equal(t, 2, e2.Position)
	assert.Nil(t, e2.BecameHeadAt)

	f.clock.Advance(10 * time.Second)
	_, err = f.mgr.Leave(ctx, "D", "U1")
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"U2": 1}, positions(t, f))

	var head *store.QueueEntry
	require.NoError(t, f.store.View(ctx, func(tx *store.Tx) error {
		head, err = tx.GetQueueEntry(e2.ID)
		return err
	}))
	require.NotNil(t, head.BecameHeadAt)
	assert.True(t, head.BecameHeadAt.Equal(f.clock.Now()), "head timeout starts when U2 reaches the front")
}

func TestSweepHeads_EvictsIdleHead(t *testing.T) {
	f := setup(t, "U1")
	ctx := context.Background()

	entry, err := f.mgr.Join(ctx, "D", "U1")
	require.NoError(t, err)

	f.clock.Advance(59 * time.Second)
	n, err := f.mgr.SweepHeads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(2 * time.Second)
	n, err = f.mgr.SweepHeads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 100, f.credits(t, "U1"))
	assert.Empty(t, positions(t, f))

	var got *store.QueueEntry
	require.NoError(t, f.store.View(ctx, func(tx *store.Tx) error {
		got, err = tx.GetQueueEntry(entry.ID)
		return err
	}))
	assert.Equal(t, store.QueueCancelled, got.Status)

	n, err = f.mgr.SweepHeads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "sweep is idempotent")
	assert.Equal(t, 100, f.credits(t, "U1"))
}

func TestSweepHeads_PromotesNextHead(t *testing.T) {
	f := setup(t, "U1", "U2")
	ctx := context.Background()

	_, err := f.mgr.Join(ctx, "D", "U1")
	require.NoError(t, err)
	f.clock.Advance(30 * time.Second)
	_, err = f.mgr.Join(ctx, "D", "U2")
	require.NoError(t, err)

	f.clock.Advance(31 * time.Second)
	n, err := f.mgr.SweepHeads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, map[string]int{"U2": 1}, positions(t, f))

	f.clock.Advance(59 * time.Second)
	n, err = f.mgr.SweepHeads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "U2's head clock started at promotion, not at join")
}

func TestJoin_Preconditions(t *testing.T) {
	f := setup(t, "U1", "poor")
	ctx := context.Background()

	require.NoError(t, f.store.Update(ctx, func(tx *store.Tx) error {
		return tx.AdjustCredits("poor", -50)
	}))
	_, err := f.mgr.Join(ctx, "D", "poor")
	assert.ErrorIs(t, err, ErrInsufficientCredits)
	assert.Equal(t, 50, f.credits(t, "poor"), "failed join must not debit")

	_, err = f.mgr.Join(ctx, "D", "U1")
	require.NoError(t, err)
	_, err = f.mgr.Join(ctx, "D", "U1")
	assert.ErrorIs(t, err, ErrAlreadyQueued)
	assert.Equal(t, 0, f.credits(t, "U1"))

	_, err = f.mgr.Join(ctx, "missing", "U1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJoin_RejectsStaleDevice(t *testing.T) {
	f := setup(t, "U1")
	ctx := context.Background()

	f.clock.Advance(31 * time.Second)
	_, err := f.mgr.Join(ctx, "D", "U1")
	assert.ErrorIs(t, err, ErrDeviceOffline)
	assert.Equal(t, 100, f.credits(t, "U1"))

	f.heartbeat(t)
	_, err = f.mgr.Join(ctx, "D", "U1")
	assert.NoError(t, err)
}

func TestJoin_RejectsUnclaimedDevice(t *testing.T) {
	f := setup(t, "U1")
	ctx := context.Background()

	require.NoError(t, f.store.Update(ctx, func(tx *store.Tx) error {
		return tx.SetDeviceClaim("D", "", f.clock.Now())
	}))
	_, err := f.mgr.Join(ctx, "D", "U1")
	assert.ErrorIs(t, err, ErrDeviceUnclaimed)

	var aerr *AdmissionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "DeviceUnclaimed", aerr.ErrorKind())
}

func TestLeave_Errors(t *testing.T) {
	f := setup(t, "U1")
	ctx := context.Background()

	_, err := f.mgr.Leave(ctx, "D", "U1")
	assert.ErrorIs(t, err, ErrNotQueued)

	entry, err := f.mgr.Join(ctx, "D", "U1")
	require.NoError(t, err)
	require.NoError(t, f.store.Update(ctx, func(tx *store.Tx) error {
		return tx.ActivateEntry(entry.ID, f.clock.Now())
	}))

	_, err = f.mgr.Leave(ctx, "D", "U1")
	assert.ErrorIs(t, err, ErrSessionActive)
	assert.Equal(t, 0, f.credits(t, "U1"))
}

func TestPositionsStayContiguous(t *testing.T) {
	users := make([]string, 8)
	for i := range users {
		users[i] = fmt.Sprintf("U%d", i)
	}
	f := setup(t, users...)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	queued := map[string]bool{}
	for step := 0; step < 60; step++ {
		u := users[rng.Intn(len(users))]
		if queued[u] {
			_, err := f.mgr.Leave(ctx, "D", u)
			require.NoError(t, err)
			delete(queued, u)
		} else {
			_, err := f.mgr.Join(ctx, "D", u)
			require.NoError(t, err)
			queued[u] = true
		}

		got := positions(t, f)
		assert.Len(t, got, len(queued))
	}

	for _, u := range users {
		want := 100
		if queued[u] {
			want = 0
		}
		assert.Equal(t, want, f.credits(t, u), "user %s", u)
	}
}
