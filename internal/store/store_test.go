package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// seed creates a device and the given users with 100 credits each.
func seed(t *testing.T, s *SQLiteStore, deviceID string, users ...string) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), func(tx *Tx) error {
		if _, err := tx.UpsertDevice(deviceID, "fp-"+deviceID, "Rig "+deviceID, testNow); err != nil {
			return err
		}
		for _, u := range users {
			if err := tx.CreateUser(&User{ID: u, DisplayName: u, Credits: 100, CreatedAt: testNow}); err != nil {
				return err
			}
		}
		return nil
	}))
}

func insertWaiting(t *testing.T, s *SQLiteStore, id, deviceID, userID string, pos int) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), func(tx *Tx) error {
		return tx.InsertQueueEntry(&QueueEntry{
			ID: id, DeviceID: deviceID, UserID: userID,
			Status: QueueWaiting, Position: pos, JoinedAt: testNow,
		})
	}))
}

func TestAdjustCredits(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seed(t, s, "d1", "u1")

	err := s.Update(ctx, func(tx *Tx) error { return tx.AdjustCredits("u1", -100) })
	require.NoError(t, err)

	err = s.Update(ctx, func(tx *Tx) error { return tx.AdjustCredits("u1", -1) })
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	err = s.Update(ctx, func(tx *Tx) error { return tx.AdjustCredits("missing", 10) })
	assert.ErrorIs(t, err, ErrNotFound)

	var user *User
	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		var err error
		user, err = tx.GetUser("u1")
		return err
	}))
	assert.Equal(t, 0, user.Credits)
}

func TestUpsertDevice_KeepsIdentityAndLastSeen(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	var first, second *Device
	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		var err error
		first, err = tx.UpsertDevice("rig_a", "fp-1", "Rig A", testNow)
		if err != nil {
			return err
		}
		if err := tx.TouchLastSeen("rig_a", testNow, true); err != nil {
			return err
		}
		if err := tx.SetDeviceActive("rig_a", false, testNow); err != nil {
			return err
		}
		second, err = tx.UpsertDevice("rig_other", "fp-1", "Rig A renamed", testNow.Add(time.Hour))
		return err
	}))

	assert.Equal(t, "rig_a", first.ID)
	assert.Equal(t, "rig_a", second.ID, "re-registration must keep the device id")
	assert.Equal(t, "Rig A renamed", second.Name)
	assert.True(t, second.Active, "re-registration reactivates")
	require.NotNil(t, second.LastSeen)
	assert.True(t, second.LastSeen.Equal(testNow))
	assert.True(t, second.AppReachable)
}

func TestSetTelemetry_DoesNotTouchLastSeen(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seed(t, s, "d1")

	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		return tx.SetTelemetry("d1", &Telemetry{SpeedKMH: 42, InCar: true, Lap: 3, ReceivedAt: testNow})
	}))

	var d *Device
	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		var err error
		d, err = tx.GetDevice("d1")
		return err
	}))
	assert.Nil(t, d.LastSeen)
	require.NotNil(t, d.Telemetry)
	assert.Equal(t, 42.0, d.Telemetry.SpeedKMH)
	assert.Equal(t, 3, d.Telemetry.Lap)
}

func TestQueue_OneOpenEntryPerUser(t *testing.T) {
	s := setupTestStore(t)
	seed(t, s, "d1", "u1")
	insertWaiting(t, s, "e1", "d1", "u1", 1)

	err := s.Update(context.Background(), func(tx *Tx) error {
		return tx.InsertQueueEntry(&QueueEntry{
			ID: "e2", DeviceID: "d1", UserID: "u1", Status: QueueWaiting, Position: 2, JoinedAt: testNow,
		})
	})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestQueue_PositionUniqueAmongWaiting(t *testing.T) {
	s := setupTestStore(t)
	seed(t, s, "d1", "u1", "u2")
	insertWaiting(t, s, "e1", "d1", "u1", 1)

	err := s.Update(context.Background(), func(tx *Tx) error {
		return tx.InsertQueueEntry(&QueueEntry{
			ID: "e2", DeviceID: "d1", UserID: "u2", Status: QueueWaiting, Position: 1, JoinedAt: testNow,
		})
	})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestQueue_CompactAfter(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seed(t, s, "d1", "u1", "u2", "u3", "u4")
	insertWaiting(t, s, "e1", "d1", "u1", 1)
	insertWaiting(t, s, "e2", "d1", "u2", 2)
	insertWaiting(t, s, "e3", "d1", "u3", 3)
	insertWaiting(t, s, "e4", "d1", "u4", 4)

	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		if err := tx.DeleteQueueEntry("e2"); err != nil {
			return err
		}
		return tx.CompactAfter("d1", 2)
	}))

	var waiting []*QueueEntry
	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		var err error
		waiting, err = tx.ListWaiting("d1")
		return err
	}))
	require.Len(t, waiting, 3)
	for i, e := range waiting {
		assert.Equal(t, i+1, e.Position)
	}
	assert.Equal(t, []string{"e1", "e3", "e4"}, []string{waiting[0].ID, waiting[1].ID, waiting[2].ID})
}

func TestSession_OnePerDeviceAndClearedByFinalize(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seed(t, s, "d1", "u1", "u2")
	insertWaiting(t, s, "e1", "d1", "u1", 1)
	insertWaiting(t, s, "e2", "d1", "u2", 2)

	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		if err := tx.ActivateEntry("e1", testNow); err != nil {
			return err
		}
		return tx.InsertSession(&SessionState{
			DeviceID: "d1", QueueEntryID: "e1", UserID: "u1", Phase: PhaseEnteringCar,
			PhaseEnteredAt: testNow, DurationSeconds: 300, UpdatedAt: testNow,
		})
	}))

	err := s.Update(ctx, func(tx *Tx) error {
		return tx.InsertSession(&SessionState{
			DeviceID: "d1", QueueEntryID: "e2", UserID: "u2", Phase: PhaseEnteringCar,
			PhaseEnteredAt: testNow, DurationSeconds: 300, UpdatedAt: testNow,
		})
	})
	assert.ErrorIs(t, err, ErrDuplicate)

	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		return tx.FinalizeEntry("e1", QueueCompleted, testNow)
	}))

	err = s.View(ctx, func(tx *Tx) error {
		_, err := tx.GetSession("d1")
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.Update(ctx, func(tx *Tx) error {
		return tx.FinalizeEntry("e1", QueueCancelled, testNow)
	})
	assert.ErrorIs(t, err, ErrConflict, "finished entries cannot be finalized twice")
}

func TestUpdateSessionPhase_Conflict(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seed(t, s, "d1", "u1")
	insertWaiting(t, s, "e1", "d1", "u1", 1)

	sess := &SessionState{
		DeviceID: "d1", QueueEntryID: "e1", UserID: "u1", Phase: PhaseEnteringCar,
		PhaseEnteredAt: testNow, DurationSeconds: 60, UpdatedAt: testNow,
	}
	require.NoError(t, s.Update(ctx, func(tx *Tx) error { return tx.InsertSession(sess) }))

	next := *sess
	next.Phase = PhaseWaitingForMovement
	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		return tx.UpdateSessionPhase(&next, PhaseEnteringCar)
	}))

	err := s.Update(ctx, func(tx *Tx) error {
		return tx.UpdateSessionPhase(&next, PhaseEnteringCar)
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMarkHead_SkipsWhileSessionRuns(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seed(t, s, "d1", "u1", "u2")
	insertWaiting(t, s, "e1", "d1", "u1", 1)
	insertWaiting(t, s, "e2", "d1", "u2", 2)

	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		if err := tx.ActivateEntry("e1", testNow); err != nil {
			return err
		}
		if err := tx.InsertSession(&SessionState{
			DeviceID: "d1", QueueEntryID: "e1", UserID: "u1", Phase: PhaseEnteringCar,
			PhaseEnteredAt: testNow, DurationSeconds: 60, UpdatedAt: testNow,
		}); err != nil {
			return err
		}
		if err := tx.CompactAfter("d1", 1); err != nil {
			return err
		}
		return tx.MarkHead("d1", testNow)
	}))

	var e2 *QueueEntry
	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		var err error
		e2, err = tx.GetQueueEntry("e2")
		return err
	}))
	assert.Equal(t, 1, e2.Position)
	assert.Nil(t, e2.BecameHeadAt)

	var stale []*QueueEntry
	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		var err error
		stale, err = tx.ListStaleHeads(testNow.Add(time.Hour))
		return err
	}))
	assert.Empty(t, stale)
}

func TestCommands_FinishIsIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seed(t, s, "d1")

	cmd := &Command{ID: "c1", DeviceID: "d1", Type: "control", Action: "enter_car",
		Status: CommandPending, CreatedAt: testNow}
	require.NoError(t, s.Update(ctx, func(tx *Tx) error { return tx.InsertCommand(cmd) }))
	assert.NotZero(t, cmd.Seq)

	require.NoError(t, s.Update(ctx, func(tx *Tx) error { return tx.MarkCommandProcessing("c1", testNow) }))
	err := s.Update(ctx, func(tx *Tx) error { return tx.MarkCommandProcessing("c1", testNow) })
	assert.ErrorIs(t, err, ErrConflict)

	first := json.RawMessage(`{"ok":true}`)
	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		return tx.FinishCommand("c1", CommandCompleted, first, testNow)
	}))

	err = s.Update(ctx, func(tx *Tx) error {
		return tx.FinishCommand("c1", CommandFailed, json.RawMessage(`{"error":"late"}`), testNow)
	})
	assert.ErrorIs(t, err, ErrConflict)

	var got *Command
	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		var err error
		got, err = tx.GetCommand("c1")
		return err
	}))
	assert.Equal(t, CommandCompleted, got.Status)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
}

func TestCommands_PendingFIFOAndRetention(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seed(t, s, "d1")

	for i, id := range []string{"c1", "c2", "c3"} {
		c := &Command{ID: id, DeviceID: "d1", Type: "control", Action: "noop",
			Status: CommandPending, CreatedAt: testNow.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, s.Update(ctx, func(tx *Tx) error { return tx.InsertCommand(c) }))
	}

	var pending []*Command
	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		var err error
		pending, err = tx.ListPendingCommands("d1", 10)
		return err
	}))
	require.Len(t, pending, 3)
	assert.Equal(t, "c1", pending[0].ID)
	assert.Equal(t, "c3", pending[2].ID)

	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		return tx.MarkCommandProcessing("c3", testNow.Add(2*time.Minute))
	}))

	var overdue []*Command
	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		var err error
		overdue, err = tx.ListOverdueCommands(testNow.Add(time.Minute), testNow, 0)
		return err
	}))
	require.Len(t, overdue, 2, "c3 started after the processing cutoff")
	assert.Equal(t, "c1", overdue[0].ID)
	assert.Equal(t, "c2", overdue[1].ID)

	var pruned int64
	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		for _, c := range overdue {
			if err := tx.FinishCommand(c.ID, CommandFailed, json.RawMessage(`{"error":"expired"}`), testNow.Add(time.Hour)); err != nil {
				return err
			}
		}
		var err error
		pruned, err = tx.PruneCommands(testNow.Add(2 * time.Hour))
		return err
	}))
	assert.Equal(t, int64(2), pruned)

	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		n, err := tx.CountPendingCommands("d1")
		assert.Equal(t, 0, n)
		return err
	}))
}

func TestAudit_AppendAndFilter(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		if err := tx.AppendAudit(&AuditEntry{ActorID: "u1", Action: AuditJoinQueue, TargetType: "device", TargetID: "d1"}); err != nil {
			return err
		}
		return tx.AppendAudit(&AuditEntry{ActorID: "u2", Action: AuditLeaveQueue, TargetType: "device", TargetID: "d1",
			Detail: map[string]any{"refunded": true}})
	}))

	action := AuditLeaveQueue
	var entries []AuditEntry
	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		var err error
		entries, err = tx.ListAudit(AuditFilter{Action: &action})
		return err
	}))
	require.Len(t, entries, 1)
	assert.Equal(t, "u2", entries[0].ActorID)
	assert.Equal(t, true, entries[0].Detail["refunded"])
}
