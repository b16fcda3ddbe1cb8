package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLiteBootstrapsTables(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	for _, table := range []string{"runtime_control", "queue_lane", "queue_message", "run_dispatch", "outbox_effect"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", table).Scan(&name)
		require.NoError(t, err, "table %q missing", table)
	}
}

func TestBootstrapSeedsControlRowOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := OpenSQLite(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec("UPDATE runtime_control SET control_epoch = 7 WHERE id = 1")
	require.NoError(t, err)

	// A second bootstrap must not reset the epoch.
	require.NoError(t, BootstrapSQLite(ctx, db))

	var rows int
	var epoch, maxConc int64
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM runtime_control").Scan(&rows))
	require.NoError(t, db.QueryRow("SELECT control_epoch, max_concurrent_dispatches FROM runtime_control WHERE id = 1").Scan(&epoch, &maxConc))
	assert.Equal(t, 1, rows)
	assert.Equal(t, int64(7), epoch)
	assert.Equal(t, int64(DefaultMaxConcurrentDispatches), maxConc)
}

func TestOpenSQLiteRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := OpenSQLite(context.Background(), "")
	require.Error(t, err)
}

func TestRetryOnBusyRetriesOnlyBusyErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	err := RetryOnBusy(context.Background(), func() error {
		if calls.Add(1) < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(0)
	plain := errors.New("constraint failed")
	err = RetryOnBusy(context.Background(), func() error {
		calls.Add(1)
		return plain
	})
	assert.ErrorIs(t, err, plain)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryOnBusyHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := RetryOnBusy(ctx, func() error {
		return errors.New("SQLITE_BUSY")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	boom := errors.New("boom")
	err = WithTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "UPDATE runtime_control SET control_epoch = 99 WHERE id = 1"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var epoch int64
	require.NoError(t, db.QueryRow("SELECT control_epoch FROM runtime_control WHERE id = 1").Scan(&epoch))
	assert.Equal(t, int64(1), epoch)
}

func TestMillisRoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 500*int(time.Millisecond), time.UTC)
	assert.True(t, now.Equal(FromMillis(UnixMillis(now))))
	assert.Nil(t, TimePtr(sql.NullInt64{}))
	assert.Equal(t, "x", *StringPtr(sql.NullString{String: "x", Valid: true}))
	assert.False(t, NullString("").Valid)
}
