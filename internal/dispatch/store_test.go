package dispatch

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/runlane/internal/control"
	"github.com/mattjoyce/runlane/internal/storage"
)

const lease = 30 * time.Second

func TestRenderTranscript(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		lines []Line
		want  string
	}{
		{name: "empty", want: ""},
		{name: "single", lines: []Line{{Sender: "alice", Text: "hi"}}, want: "alice: hi"},
		{
			name:  "same sender folds into one block",
			lines: []Line{{Sender: "alice", Text: "hi"}, {Sender: "alice", Text: "are you there?"}},
			want:  "alice: hi\nare you there?",
		},
		{
			name: "sender boundaries separate blocks",
			lines: []Line{
				{Sender: "alice", Text: "one"},
				{Sender: "bob", Text: "two"},
				{Sender: "alice", Text: "three"},
			},
			want: "alice: one\n\nbob: two\n\nalice: three",
		},
		{
			name:  "anonymous sender renders text only",
			lines: []Line{{Text: "ping"}, {Text: "pong"}},
			want:  "ping\npong",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RenderTranscript(tt.lines))
		})
	}
}

func TestClaimNextClaimsOldestAndSetsLease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clk := newTestStore(t)

	first := seedDispatch(t, s, "lane-a", Line{Sender: "alice", Text: "hello"})
	clk.Advance(time.Second)
	seedDispatch(t, s, "lane-a", Line{Text: "later"})

	d, l, err := s.ClaimNext(ctx, "w1", lease)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, first.ID, d.ID)
	assert.Equal(t, StatusClaimed, d.Status)
	assert.Equal(t, 1, d.AttemptCount)
	assert.Equal(t, int64(1), d.ClaimedEpoch)
	assert.Equal(t, "w1", l.WorkerID)
	assert.Equal(t, clk.Now().Add(lease), l.ExpiresAt)
	assert.Equal(t, "alice: hello", d.CoalescedText)
}

func TestClaimNextReturnsNilWhenNothingClaimable(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	d, l, err := s.ClaimNext(context.Background(), "w1", lease)
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Nil(t, l)

	_, _, err = s.ClaimNext(context.Background(), "", lease)
	assert.Error(t, err)
}

func TestClaimNextAtMostOneClaimant(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db1, path := openTestDB(t)
	db2, err := storage.OpenSQLite(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db2.Close() })

	s1 := NewStore(db1)
	s2 := NewStore(db2)
	seedDispatch(t, s1, "lane-a", Line{Text: "only one"})

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		claims int
	)
	for i := 0; i < 8; i++ {
		s := s1
		if i%2 == 1 {
			s = s2
		}
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d, _, err := s.ClaimNext(ctx, "w"+string(rune('a'+worker)), lease)
			assert.NoError(t, err)
			if d != nil {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, claims)
}

func TestClaimNextRespectsControl(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clk := newTestStore(t)
	ctl := control.New(s.DB(), control.WithClock(clk.Now))

	seedDispatch(t, s, "lane-a", Line{Text: "a"})
	seedDispatch(t, s, "lane-b", Line{Text: "b"})
	seedDispatch(t, s, "lane-c", Line{Text: "c"})

	_, err := ctl.Pause(ctx, control.PauseSoft, "maintenance", "ops")
	require.NoError(t, err)
	d, _, err := s.ClaimNext(ctx, "w1", lease)
	require.NoError(t, err)
	assert.Nil(t, d, "paused processing must block claims")

	_, err = ctl.Resume(ctx, "ops")
	require.NoError(t, err)
	_, err = ctl.SetMaxConcurrentDispatches(ctx, 2)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		d, _, err := s.ClaimNext(ctx, "w1", lease)
		require.NoError(t, err)
		require.NotNil(t, d)
	}
	d, _, err = s.ClaimNext(ctx, "w1", lease)
	require.NoError(t, err)
	assert.Nil(t, d, "concurrency ceiling reached")

	n, err := s.ActiveCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Expired leases stop counting against the ceiling.
	clk.Advance(lease + time.Second)
	d, _, err = s.ClaimNext(ctx, "w1", lease)
	require.NoError(t, err)
	assert.NotNil(t, d)
}

func TestClaimNextSkipsPausedLanes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(t)
	seedDispatch(t, s, "lane-a", Line{Text: "a"})
	_, err := s.DB().Exec(`UPDATE queue_lane SET is_paused = 1 WHERE queue_key = 'lane-a';`)
	require.NoError(t, err)

	d, _, err := s.ClaimNext(ctx, "w1", lease)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestClaimNextRoundRobinAcrossLanes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clk := newTestStore(t)

	a1 := seedDispatch(t, s, "lane-a", Line{Text: "a1"})
	clk.Advance(time.Millisecond)
	a2 := seedDispatch(t, s, "lane-a", Line{Text: "a2"})
	clk.Advance(time.Millisecond)
	a3 := seedDispatch(t, s, "lane-a", Line{Text: "a3"})
	clk.Advance(time.Millisecond)
	b1 := seedDispatch(t, s, "lane-b", Line{Text: "b1"})

	var got []string
	for i := 0; i < 4; i++ {
		clk.Advance(time.Second)
		d, _, err := s.ClaimNext(ctx, "w1", lease)
		require.NoError(t, err)
		require.NotNil(t, d)
		got = append(got, d.ID)
	}
	assert.Equal(t, []string{a1.ID, b1.ID, a2.ID, a3.ID}, got)
}

func TestRenewAndEpochFencing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("hard pause voids the lease", func(t *testing.T) {
		s, clk := newTestStore(t)
		ctl := control.New(s.DB(), control.WithClock(clk.Now))
		seedDispatch(t, s, "lane-a", Line{Text: "x"})
		_, l, err := s.ClaimNext(ctx, "w1", lease)
		require.NoError(t, err)

		clk.Advance(time.Second)
		renewed, err := s.Renew(ctx, *l, lease)
		require.NoError(t, err)
		assert.Equal(t, clk.Now().Add(lease), renewed.ExpiresAt)

		_, err = ctl.Pause(ctx, control.PauseHard, "incident", "ops")
		require.NoError(t, err)

		_, err = s.Renew(ctx, renewed, lease)
		assert.ErrorIs(t, err, ErrLeaseLost)
		cp, err := s.Checkpoint(ctx, renewed)
		require.NoError(t, err)
		assert.Equal(t, Abort, cp.Directive)
		_, err = s.Complete(ctx, renewed, Outcome{Kind: OutcomeCompleted})
		assert.ErrorIs(t, err, ErrLeaseLost)
	})

	t.Run("soft pause lets the attempt finish", func(t *testing.T) {
		s, clk := newTestStore(t)
		ctl := control.New(s.DB(), control.WithClock(clk.Now))
		seedDispatch(t, s, "lane-a", Line{Text: "x"})
		_, l, err := s.ClaimNext(ctx, "w1", lease)
		require.NoError(t, err)

		_, err = ctl.Pause(ctx, control.PauseSoft, "drain", "ops")
		require.NoError(t, err)

		_, err = s.Renew(ctx, *l, lease)
		assert.ErrorIs(t, err, ErrLeaseLost, "renewal needs the current epoch")
		cp, err := s.Checkpoint(ctx, *l)
		require.NoError(t, err)
		assert.Equal(t, Continue, cp.Directive)

		d, err := s.Complete(ctx, *l, Outcome{Kind: OutcomeCompleted})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, d.Status)
	})

	t.Run("stale epoch rejected after resume", func(t *testing.T) {
		s, clk := newTestStore(t)
		ctl := control.New(s.DB(), control.WithClock(clk.Now))
		seedDispatch(t, s, "lane-a", Line{Text: "x"})
		_, l, err := s.ClaimNext(ctx, "w1", lease)
		require.NoError(t, err)

		_, err = ctl.Pause(ctx, control.PauseSoft, "drain", "ops")
		require.NoError(t, err)
		_, err = ctl.Resume(ctx, "ops")
		require.NoError(t, err)

		_, err = s.Complete(ctx, *l, Outcome{Kind: OutcomeCompleted})
		assert.ErrorIs(t, err, ErrLeaseLost)
	})

	t.Run("expired lease cannot be renewed", func(t *testing.T) {
		s, clk := newTestStore(t)
		seedDispatch(t, s, "lane-a", Line{Text: "x"})
		_, l, err := s.ClaimNext(ctx, "w1", lease)
		require.NoError(t, err)

		clk.Advance(lease)
		_, err = s.Renew(ctx, *l, lease)
		assert.ErrorIs(t, err, ErrLeaseLost)
	})
}

func TestStartRecordsJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(t)
	seedDispatch(t, s, "lane-a", Line{Text: "x"})
	d, l, err := s.ClaimNext(ctx, "w1", lease)
	require.NoError(t, err)

	require.NoError(t, s.Start(ctx, *l, ""))
	require.NoError(t, s.SetJobID(ctx, *l, "pid:42"))

	got, err := s.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	require.NotNil(t, got.JobID)
	assert.Equal(t, "pid:42", *got.JobID)
	assert.NotNil(t, got.StartedAt)

	stranger := *l
	stranger.WorkerID = "w2"
	assert.ErrorIs(t, s.Start(ctx, stranger, ""), ErrLeaseLost)
}

func TestCompleteRetriesWithBackoffThenFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clk := newTestStore(t)
	seeded := seedDispatch(t, s, "lane-a", Line{Text: "x"})
	require.Equal(t, 3, seeded.MaxAttempts)

	for attempt := 1; attempt <= 3; attempt++ {
		d, l, err := s.ClaimNext(ctx, "w1", lease)
		require.NoError(t, err)
		require.NotNil(t, d, "attempt %d should be claimable", attempt)
		assert.Equal(t, attempt, l.Attempt)

		got, err := s.Complete(ctx, *l, Outcome{Kind: OutcomeFailed, Error: "boom", Retryable: true})
		require.NoError(t, err)
		if attempt < 3 {
			assert.Equal(t, StatusQueued, got.Status)
			assert.True(t, got.ScheduledAt.After(clk.Now()))
			assert.False(t, got.ScheduledAt.After(clk.Now().Add(10*time.Second)))

			none, _, err := s.ClaimNext(ctx, "w1", lease)
			require.NoError(t, err)
			assert.Nil(t, none, "backoff must delay the retry")
			clk.Advance(got.ScheduledAt.Sub(clk.Now()))
		} else {
			assert.Equal(t, StatusFailed, got.Status)
			assert.Equal(t, "boom", got.LastError)
			assert.NotNil(t, got.FinishedAt)
		}
	}
}

func TestCompleteNonRetryableFailsImmediately(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(t)
	seedDispatch(t, s, "lane-a", Line{Text: "x"})
	_, l, err := s.ClaimNext(ctx, "w1", lease)
	require.NoError(t, err)

	got, err := s.Complete(ctx, *l, Outcome{Kind: OutcomeFailed, Error: "bad input"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	_, err = s.Complete(ctx, *l, Outcome{Kind: OutcomeCompleted})
	assert.ErrorIs(t, err, ErrLeaseLost, "a finished attempt cannot complete twice")
}

func TestRequeueExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clk := newTestStore(t)
	d := seedDispatch(t, s, "lane-a", Line{Text: "x"})

	_, first, err := s.ClaimNext(ctx, "w1", lease)
	require.NoError(t, err)

	n, err := s.RequeueExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "live lease must not be touched")

	clk.Advance(lease)
	n, err = s.RequeueExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, second, err := s.ClaimNext(ctx, "w2", lease)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, 2, second.Attempt)

	_, err = s.Complete(ctx, *first, Outcome{Kind: OutcomeCompleted})
	assert.ErrorIs(t, err, ErrLeaseLost, "the crashed worker's lease is void")

	// Third claim is the last allowed; its expiry fails the dispatch.
	clk.Advance(lease)
	_, err = s.RequeueExpired(ctx)
	require.NoError(t, err)
	_, _, err = s.ClaimNext(ctx, "w3", lease)
	require.NoError(t, err)
	clk.Advance(lease)
	_, err = s.RequeueExpired(ctx)
	require.NoError(t, err)

	got, err := s.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "3 attempts")
}

func TestHardPauseOnLastAttemptRequeuesWithRefund(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clk := newTestStore(t)
	ctl := control.New(s.DB(), control.WithClock(clk.Now))
	d := seedDispatch(t, s, "lane-a", Line{Text: "x"})

	for attempt := 1; attempt <= 2; attempt++ {
		_, l, err := s.ClaimNext(ctx, "w1", lease)
		require.NoError(t, err)
		require.NotNil(t, l)
		got, err := s.Complete(ctx, *l, Outcome{Kind: OutcomeFailed, Error: "boom", Retryable: true})
		require.NoError(t, err)
		clk.Advance(got.ScheduledAt.Sub(clk.Now()))
	}
	_, last, err := s.ClaimNext(ctx, "w1", lease)
	require.NoError(t, err)
	require.NotNil(t, last)
	require.Equal(t, 3, last.Attempt)

	_, err = ctl.Pause(ctx, control.PauseHard, "incident", "ops")
	require.NoError(t, err)
	clk.Advance(lease)
	n, err := s.RequeueExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status, "an operator pause is not a failure")
	assert.Equal(t, 3, got.AttemptCount)
	assert.Equal(t, 4, got.MaxAttempts)

	_, err = ctl.Resume(ctx, "ops")
	require.NoError(t, err)
	_, next, err := s.ClaimNext(ctx, "w1", lease)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 4, next.Attempt)

	_, err = s.Complete(ctx, *last, Outcome{Kind: OutcomeCompleted})
	assert.ErrorIs(t, err, ErrLeaseLost, "the voided lease stays void")
}

func TestYieldRefundsVoidedAttempt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clk := newTestStore(t)
	ctl := control.New(s.DB(), control.WithClock(clk.Now))
	d := seedDispatch(t, s, "lane-a", Line{Text: "x"})

	_, l, err := s.ClaimNext(ctx, "w1", lease)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Yield(ctx, *l), ErrLeaseLost, "a current lease is not voided")

	_, err = ctl.Pause(ctx, control.PauseHard, "incident", "ops")
	require.NoError(t, err)
	require.NoError(t, s.Yield(ctx, *l))
	assert.ErrorIs(t, s.Yield(ctx, *l), ErrLeaseLost)

	got, err := s.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, 4, got.MaxAttempts)
}

func TestRequeueExpiredHonoursCancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, clk := newTestStore(t)
	d := seedDispatch(t, s, "lane-a", Line{Text: "x"})
	_, _, err := s.ClaimNext(ctx, "w1", lease)
	require.NoError(t, err)

	_, err = s.RequestCancel(ctx, d.ID, "user asked")
	require.NoError(t, err)
	clk.Advance(lease)
	_, err = s.RequeueExpired(ctx)
	require.NoError(t, err)

	got, err := s.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestReleaseReturnsClaim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(t)
	seedDispatch(t, s, "lane-a", Line{Text: "x"})
	_, l, err := s.ClaimNext(ctx, "w1", lease)
	require.NoError(t, err)

	require.NoError(t, s.Release(ctx, *l, "shutdown"))
	assert.ErrorIs(t, s.Release(ctx, *l, "shutdown"), ErrLeaseLost)

	d, l2, err := s.ClaimNext(ctx, "w2", lease)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 2, l2.Attempt)
}

func TestRequestCancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("queued is cancelled at once", func(t *testing.T) {
		s, _ := newTestStore(t)
		var finished []string
		s.OnFinish(func(_ context.Context, _ *sql.Tx, d *Dispatch) error {
			finished = append(finished, d.ID)
			return nil
		})
		d := seedDispatch(t, s, "lane-a", Line{Text: "x"})

		got, err := s.RequestCancel(ctx, d.ID, "not needed")
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, got.Status)
		assert.Equal(t, []string{d.ID}, finished)

		_, err = s.RequestCancel(ctx, d.ID, "again")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("running stops at checkpoint", func(t *testing.T) {
		s, _ := newTestStore(t)
		d := seedDispatch(t, s, "lane-a", Line{Text: "x"})
		_, l, err := s.ClaimNext(ctx, "w1", lease)
		require.NoError(t, err)

		got, err := s.RequestCancel(ctx, d.ID, "wrong question")
		require.NoError(t, err)
		assert.Equal(t, StatusClaimed, got.Status)
		assert.Equal(t, ControlCancelRequested, got.ControlState)

		cp, err := s.Checkpoint(ctx, *l)
		require.NoError(t, err)
		assert.Equal(t, Cancel, cp.Directive)
		assert.Equal(t, "wrong question", cp.Reason)

		got, err = s.Complete(ctx, *l, Outcome{Kind: OutcomeCancelled})
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, got.Status)
		assert.Equal(t, "wrong question", got.LastError)
	})

	t.Run("unknown id", func(t *testing.T) {
		s, _ := newTestStore(t)
		_, err := s.RequestCancel(ctx, "missing", "")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPauseAndResumeDispatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(t)
	d := seedDispatch(t, s, "lane-a", Line{Text: "x"})
	_, l, err := s.ClaimNext(ctx, "w1", lease)
	require.NoError(t, err)

	_, err = s.RequestPause(ctx, d.ID, "hold on")
	require.NoError(t, err)
	cp, err := s.Checkpoint(ctx, *l)
	require.NoError(t, err)
	assert.Equal(t, Pause, cp.Directive)

	got, err := s.Complete(ctx, *l, Outcome{Kind: OutcomePaused})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, ControlPauseRequested, got.ControlState)

	none, _, err := s.ClaimNext(ctx, "w1", lease)
	require.NoError(t, err)
	assert.Nil(t, none, "paused dispatch is not claimable")

	_, err = s.RequestPause(ctx, d.ID, "twice")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err = s.ResumeDispatch(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, ControlNormal, got.ControlState)

	again, _, err := s.ClaimNext(ctx, "w1", lease)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, d.ID, again.ID)

	_, err = s.ResumeDispatch(ctx, d.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMerge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("loser folds into survivor", func(t *testing.T) {
		s, clk := newTestStore(t)
		var finished []*Dispatch
		s.OnFinish(func(_ context.Context, _ *sql.Tx, d *Dispatch) error {
			finished = append(finished, d)
			return nil
		})
		survivor := seedDispatch(t, s, "lane-a", Line{Sender: "alice", Text: "first"})
		clk.Advance(time.Second)
		loser := seedDispatch(t, s, "lane-a", Line{Sender: "alice", Text: "second"}, Line{Sender: "bob", Text: "third"})

		got, err := s.Merge(ctx, loser.ID, survivor.ID)
		require.NoError(t, err)
		assert.Equal(t, "alice: first\nsecond\n\nbob: third", got.CoalescedText)
		assert.Equal(t, "third", got.InputText)
		assert.Equal(t, "bob", got.SenderName)

		gone, err := s.Get(ctx, loser.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, gone.Status)
		require.NotNil(t, gone.MergedIntoDispatchID)
		assert.Equal(t, survivor.ID, *gone.MergedIntoDispatchID)
		require.Len(t, finished, 1)
		assert.Equal(t, loser.ID, finished[0].ID)

		d, _, err := s.ClaimNext(ctx, "w1", lease)
		require.NoError(t, err)
		assert.Equal(t, survivor.ID, d.ID)
		none, _, err := s.ClaimNext(ctx, "w1", lease)
		require.NoError(t, err)
		assert.Nil(t, none, "merged loser is never claimed")
	})

	t.Run("rejections", func(t *testing.T) {
		s, _ := newTestStore(t)
		a := seedDispatch(t, s, "lane-a", Line{Text: "a"})
		b := seedDispatch(t, s, "lane-b", Line{Text: "b"})
		a2 := seedDispatch(t, s, "lane-a", Line{Text: "a2"})

		_, err := s.Merge(ctx, a.ID, a.ID)
		assert.ErrorIs(t, err, ErrNotMergeable)
		_, err = s.Merge(ctx, a.ID, b.ID)
		assert.ErrorIs(t, err, ErrNotMergeable)

		_, l, err := s.ClaimNext(ctx, "w1", lease)
		require.NoError(t, err)
		require.Equal(t, a.ID, l.DispatchID)
		require.NoError(t, s.LockSteering(ctx, *l))
		_, err = s.Merge(ctx, a2.ID, a.ID)
		assert.ErrorIs(t, err, ErrNotMergeable, "survivor past point of no return")
		_, err = s.Merge(ctx, a.ID, a2.ID)
		assert.ErrorIs(t, err, ErrNotMergeable, "claimed loser")
	})
}

func TestSteerableAndTranscriptRefresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(t)
	d := seedDispatch(t, s, "lane-a", Line{Sender: "alice", Text: "one"})

	ok, err := SteerableTx(ctx, s.DB(), d.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, l, err := s.ClaimNext(ctx, "w1", lease)
	require.NoError(t, err)
	require.NoError(t, s.LockSteering(ctx, *l))

	ok, err = SteerableTx(ctx, s.DB(), d.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = SteerableTx(ctx, s.DB(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAndCounts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(t)
	seedDispatch(t, s, "lane-a", Line{Text: "a"})
	b := seedDispatch(t, s, "lane-b", Line{Text: "b"})
	_, err := s.RequestCancel(ctx, b.ID, "")
	require.NoError(t, err)

	all, err := s.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID, "newest first")

	onlyA, err := s.List(ctx, ListFilter{QueueKey: "lane-a"})
	require.NoError(t, err)
	assert.Len(t, onlyA, 1)

	cancelled, err := s.List(ctx, ListFilter{Status: StatusCancelled})
	require.NoError(t, err)
	assert.Len(t, cancelled, 1)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[Status]int{StatusQueued: 1, StatusCancelled: 1}, counts)
}
