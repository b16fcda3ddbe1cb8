package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/runlane/internal/config"
	"github.com/mattjoyce/runlane/internal/dispatch"
	"github.com/mattjoyce/runlane/internal/events"
	"github.com/mattjoyce/runlane/internal/lane"
	"github.com/mattjoyce/runlane/internal/outbox"
	"github.com/mattjoyce/runlane/internal/scheduler/mocks"
	"github.com/mattjoyce/runlane/internal/storage"
)

func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

type mocked struct {
	lanes      *mocks.MockLaneFlusher
	dispatches *mocks.MockDispatchService
	effects    *mocks.MockEffectService
	hub        *events.Hub
	logs       *bytes.Buffer
	sched      *Scheduler
}

func newMocked(t *testing.T) *mocked {
	ctrl := gomock.NewController(t)
	logger, buf := newTestLogger()
	m := &mocked{
		lanes:      mocks.NewMockLaneFlusher(ctrl),
		dispatches: mocks.NewMockDispatchService(ctrl),
		effects:    mocks.NewMockEffectService(ctrl),
		hub:        events.NewHub(32),
		logs:       buf,
	}
	m.sched = New(config.Defaults(), m.lanes, m.dispatches, m.effects, m.hub, nil, logger)
	return m
}

func TestRecover(t *testing.T) {
	ctx := context.Background()

	t.Run("nothing orphaned", func(t *testing.T) {
		m := newMocked(t)
		m.dispatches.EXPECT().RequeueExpired(ctx).Return(int64(0), nil)
		m.effects.EXPECT().RequeueExpired(ctx).Return(int64(0), nil)
		m.lanes.EXPECT().FlushDue(ctx).Return(0, nil)

		require.NoError(t, m.sched.recover(ctx))
		assert.Contains(t, m.logs.String(), "no orphaned leases found")
		assert.Equal(t, 1, m.hub.CountType(events.SchedulerRecovered))
	})

	t.Run("orphans are reported", func(t *testing.T) {
		m := newMocked(t)
		gomock.InOrder(
			m.dispatches.EXPECT().RequeueExpired(ctx).Return(int64(2), nil),
			m.effects.EXPECT().RequeueExpired(ctx).Return(int64(1), nil),
			m.lanes.EXPECT().FlushDue(ctx).Return(3, nil),
		)

		require.NoError(t, m.sched.recover(ctx))
		assert.Contains(t, m.logs.String(), "recovered orphaned leases")
	})

	t.Run("dispatch recovery error aborts start", func(t *testing.T) {
		m := newMocked(t)
		m.dispatches.EXPECT().RequeueExpired(ctx).Return(int64(0), errors.New("db error"))

		err := m.sched.Start(ctx)
		assert.ErrorContains(t, err, "db error")
	})

	t.Run("effect recovery error", func(t *testing.T) {
		m := newMocked(t)
		m.dispatches.EXPECT().RequeueExpired(ctx).Return(int64(0), nil)
		m.effects.EXPECT().RequeueExpired(ctx).Return(int64(0), errors.New("locked"))

		assert.Error(t, m.sched.recover(ctx))
	})
}

func TestTickRunsEveryStepDespiteErrors(t *testing.T) {
	ctx := context.Background()
	m := newMocked(t)

	gomock.InOrder(
		m.lanes.EXPECT().FlushDue(ctx).Return(0, errors.New("flush failed")),
		m.dispatches.EXPECT().RequeueExpired(ctx).Return(int64(0), errors.New("requeue failed")),
		m.effects.EXPECT().RequeueExpired(ctx).Return(int64(1), nil),
		m.dispatches.EXPECT().ActiveCount(ctx).Return(2, nil),
	)

	ticks, cancel := m.hub.Subscribe()
	defer cancel()

	m.sched.Tick(ctx)
	logs := m.logs.String()
	assert.Contains(t, logs, "failed to flush due lanes")
	assert.Contains(t, logs, "failed to requeue expired dispatches")
	require.Len(t, ticks, 1)
	assert.Equal(t, events.SchedulerTick, (<-ticks).Type)
	assert.Zero(t, m.hub.CountType(events.SchedulerTick), "ticks are not replayed")
}

func TestStartTicksUntilStopped(t *testing.T) {
	m := newMocked(t)
	cfg := config.Defaults()
	cfg.Service.TickInterval = 5 * time.Millisecond
	logger, _ := newTestLogger()
	m.sched = New(cfg, m.lanes, m.dispatches, m.effects, m.hub, nil, logger)

	var (
		mu    sync.Mutex
		ticks int
	)
	m.lanes.EXPECT().FlushDue(gomock.Any()).DoAndReturn(func(context.Context) (int, error) {
		mu.Lock()
		ticks++
		mu.Unlock()
		return 0, nil
	}).MinTimes(3)
	m.dispatches.EXPECT().RequeueExpired(gomock.Any()).Return(int64(0), nil).MinTimes(3)
	m.effects.EXPECT().RequeueExpired(gomock.Any()).Return(int64(0), nil).MinTimes(3)
	m.dispatches.EXPECT().ActiveCount(gomock.Any()).Return(0, nil).MinTimes(2)

	require.NoError(t, m.sched.Start(context.Background()))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ticks >= 3
	}, 2*time.Second, 5*time.Millisecond)
	m.sched.Stop()
	m.sched.Stop()
}

// TestTickFlushesDebouncedLane drives the real stores: a message waits out
// its window, the tick turns it into a dispatch, and an expired claim is
// returned to the queue.
func TestTickFlushesDebouncedLane(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "runlane.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	dispatches := dispatch.NewStore(db, dispatch.WithClock(clock))
	lanes := lane.New(db, dispatches, lane.WithClock(clock),
		lane.WithDefaults(lane.Defaults{Debounce: time.Second, MaxQueued: 10, Mode: lane.ModeQueue, MaxAttempts: 3}))
	effects := outbox.New(db, outbox.WithClock(clock))
	logger, _ := newTestLogger()
	s := New(config.Defaults(), lanes, dispatches, effects, nil, nil, logger)

	_, err = lanes.Enqueue(ctx, lane.EnqueueRequest{
		SessionKey: "s1", AgentID: "agent", Channel: "log", WorkItemID: "m1", Text: "hello", SenderName: "ann",
	})
	require.NoError(t, err)

	s.Tick(ctx)
	list, err := dispatches.List(ctx, dispatch.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, list, "window still open")

	advance(1100 * time.Millisecond)
	s.Tick(ctx)
	list, err = dispatches.List(ctx, dispatch.ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "ann: hello", list[0].CoalescedText)

	claimed, _, err := dispatches.ClaimNext(ctx, "w", 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	advance(11 * time.Second)
	s.Tick(ctx)
	got, err := dispatches.Get(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusQueued, got.Status)
}
