package control

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/runlane/internal/events"
	"github.com/mattjoyce/runlane/internal/storage"
)

func newTestStore(t *testing.T) (*Store, *events.Hub) {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	hub := events.NewHub(16)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return New(db, WithPublisher(hub), WithClock(func() time.Time { return now })), hub
}

func TestInitialState(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	st, err := s.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, st.ProcessingEnabled)
	assert.Equal(t, PauseNone, st.PauseMode)
	assert.Equal(t, int64(1), st.Epoch)
	assert.Equal(t, storage.DefaultMaxConcurrentDispatches, st.MaxConcurrentDispatches)
}

func TestPauseAndResumeAlwaysAdvanceEpoch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, hub := newTestStore(t)

	st, err := s.Pause(ctx, PauseSoft, "deploy", "ops")
	require.NoError(t, err)
	assert.False(t, st.ProcessingEnabled)
	assert.Equal(t, PauseSoft, st.PauseMode)
	assert.Equal(t, "deploy", st.PauseReason)
	assert.Equal(t, "ops", st.PausedBy)
	require.NotNil(t, st.PausedAt)
	assert.Equal(t, int64(2), st.Epoch)

	// Same-state pause still fences.
	st, err = s.Pause(ctx, PauseHard, "incident", "ops")
	require.NoError(t, err)
	assert.Equal(t, PauseHard, st.PauseMode)
	assert.Equal(t, int64(3), st.Epoch)

	st, err = s.Resume(ctx, "ops")
	require.NoError(t, err)
	assert.True(t, st.ProcessingEnabled)
	assert.Equal(t, PauseNone, st.PauseMode)
	assert.Empty(t, st.PauseReason)
	assert.Nil(t, st.PausedAt)
	assert.Equal(t, int64(4), st.Epoch)

	// Resume while running still fences.
	st, err = s.Resume(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.Epoch)

	epoch, err := s.CurrentEpoch(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), epoch)

	allowed, err := s.IsProcessingAllowed(ctx)
	require.NoError(t, err)
	assert.True(t, allowed)

	assert.Equal(t, 2, hub.CountType(events.ControlPaused))
	assert.Equal(t, 2, hub.CountType(events.ControlResumed))
}

func TestPauseRejectsUnknownMode(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	_, err := s.Pause(context.Background(), "gentle", "", "")
	assert.ErrorIs(t, err, ErrInvalidMode)

	epoch, err := s.CurrentEpoch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), epoch)
}

func TestSetMaxConcurrentDispatches(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(t)

	st, err := s.SetMaxConcurrentDispatches(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, 9, st.MaxConcurrentDispatches)
	assert.Equal(t, int64(1), st.Epoch)

	_, err = s.SetMaxConcurrentDispatches(ctx, 0)
	assert.Error(t, err)
}
