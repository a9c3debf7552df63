// ABOUTME: Tests for user accounts and credit grants
// ABOUTME: Starting balance, duplicate ids, grants, deductions and audit entries

package accounts

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/rig-gateway/internal/store"
)

func setup(t *testing.T) (*Service, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	now := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return New(s, Options{StartingCredits: 200, Now: now}), s
}

func TestCreateUser(t *testing.T) {
	svc, _ := setup(t)
	ctx := context.Background()

	u, err := svc.CreateUser(ctx, "alice", "", false)
	require.NoError(t, err)
	assert.Equal(t, 200, u.Credits)
	assert.Equal(t, "alice", u.DisplayName)

	_, err = svc.CreateUser(ctx, "alice", "Alice", false)
	require.ErrorIs(t, err, store.ErrDuplicate)

	_, err = svc.CreateUser(ctx, " ", "", false)
	require.ErrorIs(t, err, ErrInvalidArgument)

	got, err := svc.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 200, got.Credits)

	_, err = svc.Get(ctx, "nobody")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestGrant(t *testing.T) {
	svc, s := setup(t)
	ctx := context.Background()
	_, err := svc.CreateUser(ctx, "alice", "Alice", false)
	require.NoError(t, err)

	u, err := svc.Grant(ctx, "alice", 50, "admin")
	require.NoError(t, err)
	assert.Equal(t, 250, u.Credits)

	u, err = svc.Grant(ctx, "alice", -250, "admin")
	require.NoError(t, err)
	assert.Zero(t, u.Credits)

	_, err = svc.Grant(ctx, "alice", -1, "admin")
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.Grant(ctx, "alice", 0, "admin")
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.Grant(ctx, "nobody", 10, "admin")
	require.ErrorIs(t, err, store.ErrNotFound)

	action := store.AuditGrantCredits
	var entries []store.AuditEntry
	require.NoError(t, s.View(ctx, func(tx *store.Tx) error {
		var err error
		entries, err = tx.ListAudit(store.AuditFilter{Action: &action})
		return err
	}))
	assert.Len(t, entries, 2, "only successful grants are audited")
}
