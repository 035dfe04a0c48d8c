package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "lunchbox/pkg/logx"
)

func openTestSQLite(t *testing.T) Store {
	t.Helper()
	s, err := Open(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "reminders.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)
	now := time.Now().Truncate(time.Millisecond)

	e := pendingEntry(TaskEntryID("t1", KindDueReminder), "t1", now.Add(-time.Minute))
	require.NoError(t, s.Upsert(ctx, e))

	// Upsert again with a new fire time: still one row, reset to pending.
	e.FireAt = now.Add(time.Hour)
	require.NoError(t, s.Upsert(ctx, e))
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 1}, st)

	got, ok, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, e.ID, got.ID)
	assert.True(t, got.FireAt.Equal(now.Add(time.Hour)))

	// Not due yet.
	due, err := s.Due(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	// Due after the fire time passes.
	due, err = s.Due(ctx, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	won, err := s.Claim(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, won)
	won, err = s.Claim(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, won, "claim is single-winner")

	require.NoError(t, s.MarkSent(ctx, e.ID, "msg-1"))
	got, _, err = s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)
	assert.Equal(t, "msg-1", got.ProviderMessageID)
}

func TestSQLiteCancelAndPurge(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)
	now := time.Now()

	require.NoError(t, s.Upsert(ctx, pendingEntry("a", "t1", now)))
	require.NoError(t, s.Upsert(ctx, pendingEntry("b", "t1", now.Add(time.Hour))))
	require.NoError(t, s.Upsert(ctx, pendingEntry("c", "t2", now)))

	n, err := s.CancelPending(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err := s.PendingForTask(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Purge removes the cancelled rows but never the pending one.
	removed, err := s.PurgeOlderThan(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, ok, err := s.Get(ctx, "c")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLiteMarkFailedKeepsReason(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)

	require.NoError(t, s.Upsert(ctx, pendingEntry("e", "t1", time.Now())))
	won, err := s.Claim(ctx, "e")
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, s.MarkFailed(ctx, "e", "smtp: 550 rejected"))
	got, _, err := s.Get(ctx, "e")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "smtp: 550 rejected", got.LastError)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	require.Error(t, err)
}
