package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/runlane/internal/control"
	"github.com/mattjoyce/runlane/internal/dispatch"
)

func TestDeriveKeyIsStablePerAttemptAndOrdinal(t *testing.T) {
	t.Parallel()

	k := DeriveKey("s|a|c#1", 1, 0)
	assert.Len(t, k, 64)
	assert.Equal(t, k, DeriveKey("s|a|c#1", 1, 0))
	assert.NotEqual(t, k, DeriveKey("s|a|c#1", 2, 0))
	assert.NotEqual(t, k, DeriveKey("s|a|c#1", 1, 1))
	assert.NotEqual(t, k, DeriveKey("s|a|c#2", 1, 0))
}

func TestEnqueueIsIdempotentAndLocksSteering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	d, lease := f.claimedRun(t, "https://example.test/hook")

	req := EffectRequest{Channel: "http", Kind: "reply", Payload: []byte(`{"text":"hi"}`)}
	first, err := f.outbox.Enqueue(ctx, lease, req)
	require.NoError(t, err)
	assert.Equal(t, DeriveKey(d.RunKey, 1, 0), first.EffectKey)
	assert.Equal(t, StatusPending, first.Status)
	assert.Equal(t, "https://example.test/hook", first.ResponseContext)
	assert.Equal(t, 5, first.MaxAttempts)

	again, err := f.outbox.Enqueue(ctx, lease, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	second, err := f.outbox.Enqueue(ctx, lease, EffectRequest{Channel: "http", Kind: "reply", Ordinal: 1})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.JSONEq(t, `{}`, string(second.Payload))

	got, err := f.dispatches.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, got.SteerLocked)

	effects, err := f.outbox.ForDispatch(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, effects, 2)
	assert.Equal(t, first.ID, effects[0].ID)
}

func TestEnqueueCallerKeyWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	_, lease := f.claimedRun(t, "")

	a, err := f.outbox.Enqueue(ctx, lease, EffectRequest{Channel: "log", Kind: "reply", EffectKey: "msg-1"})
	require.NoError(t, err)
	b, err := f.outbox.Enqueue(ctx, lease, EffectRequest{Channel: "log", Kind: "reply", EffectKey: "msg-1", Ordinal: 7})
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	byKey, err := f.outbox.GetByKey(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, byKey.ID)
}

func TestEnqueueRequiresLiveLease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	_, lease := f.claimedRun(t, "")

	_, err := f.control.Pause(ctx, control.PauseHard, "maintenance", "test")
	require.NoError(t, err)

	_, err = f.outbox.Enqueue(ctx, lease, EffectRequest{Channel: "log", Kind: "reply"})
	assert.ErrorIs(t, err, dispatch.ErrLeaseLost)

	n, err := f.outbox.Counts(ctx)
	require.NoError(t, err)
	assert.Empty(t, n)
}

func TestEnqueueAllowedUnderSoftPause(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	_, lease := f.claimedRun(t, "")

	_, err := f.control.Pause(ctx, control.PauseSoft, "draining", "test")
	require.NoError(t, err)

	_, err = f.outbox.Enqueue(ctx, lease, EffectRequest{Channel: "log", Kind: "reply"})
	assert.NoError(t, err)
}

func TestEnqueueValidatesRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, lease := f.claimedRun(t, "")

	_, err := f.outbox.Enqueue(context.Background(), lease, EffectRequest{Kind: "reply"})
	assert.Error(t, err)
}

func TestClaimNextLeasesOneEffect(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	want := f.pendingEffect(t, "log")

	e, lease := f.claim(t)
	assert.Equal(t, want.ID, e.ID)
	assert.Equal(t, 1, e.AttemptCount)
	assert.Equal(t, "deliverer-a", lease.WorkerID)
	assert.Equal(t, f.clk.Now().Add(testLease), lease.ExpiresAt)

	again, _, err := f.outbox.ClaimNext(ctx, "deliverer-b", testLease)
	require.NoError(t, err)
	assert.Nil(t, again, "a leased effect must not be claimed twice")

	_, _, err = f.outbox.ClaimNext(ctx, "", testLease)
	assert.Error(t, err)
}

func TestClaimNextStopsWhilePaused(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.pendingEffect(t, "log")

	_, err := f.control.Pause(ctx, control.PauseSoft, "", "test")
	require.NoError(t, err)
	e, _, err := f.outbox.ClaimNext(ctx, "deliverer-a", testLease)
	require.NoError(t, err)
	assert.Nil(t, e)

	_, err = f.control.Resume(ctx, "test")
	require.NoError(t, err)
	f.claim(t)
}

func TestMarkSentIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.pendingEffect(t, "log")
	_, lease := f.claim(t)

	sent, err := f.outbox.MarkSent(ctx, lease, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSent, sent.Status)
	assert.Equal(t, "ref-1", sent.ProviderRef)
	require.NotNil(t, sent.SentAt)

	again, err := f.outbox.MarkSent(ctx, lease, "ref-2")
	require.NoError(t, err)
	assert.Equal(t, "ref-1", again.ProviderRef)

	_, err = f.outbox.MarkFailed(ctx, lease, "late", true)
	assert.ErrorIs(t, err, ErrLeaseLost)
}

func TestMarkFailedRetriesWithBackoffThenFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, WithMaxAttempts(2))
	f.pendingEffect(t, "log")

	_, lease := f.claim(t)
	e, err := f.outbox.MarkFailed(ctx, lease, "connection reset", true)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, "connection reset", e.LastError)
	assert.True(t, e.NextAttemptAt.After(f.clk.Now()))
	assert.Nil(t, e.ClaimedBy)

	none, _, err := f.outbox.ClaimNext(ctx, "deliverer-a", testLease)
	require.NoError(t, err)
	assert.Nil(t, none, "backoff must hold the effect back")

	f.clk.Advance(11 * time.Second)
	e, lease = f.claim(t)
	assert.Equal(t, 2, e.AttemptCount)

	e, err = f.outbox.MarkFailed(ctx, lease, "connection reset", true)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, e.Status)
	assert.True(t, e.Retryable)
}

func TestMarkFailedNonRetryable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.pendingEffect(t, "log")
	_, lease := f.claim(t)

	e, err := f.outbox.MarkFailed(ctx, lease, "chat not found", false)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, e.Status)
	assert.False(t, e.Retryable)

	counts, err := f.outbox.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusFailed])
}

func TestUnknownIsParkedUntilReleased(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, WithMaxAttempts(1))
	f.pendingEffect(t, "log")
	_, lease := f.claim(t)

	e, err := f.outbox.MarkUnknown(ctx, lease, "timeout after send")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, e.Status)
	assert.Equal(t, "timeout after send", e.UnknownReason)

	f.clk.Advance(time.Hour)
	_, err = f.outbox.RequeueExpired(ctx)
	require.NoError(t, err)
	none, _, err := f.outbox.ClaimNext(ctx, "deliverer-a", testLease)
	require.NoError(t, err)
	assert.Nil(t, none, "unknown effects are never reclaimed automatically")

	_, err = f.outbox.Release(ctx, e.ID, "")
	assert.Error(t, err)

	released, err := f.outbox.Release(ctx, e.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, released.Status)
	assert.Equal(t, "ops", released.ReleasedBy)
	require.NotNil(t, released.ReleasedAt)
	assert.Equal(t, 2, released.MaxAttempts, "release grants one more attempt")

	again, _ := f.claim(t)
	assert.Equal(t, 2, again.AttemptCount)

	_, err = f.outbox.Release(ctx, e.ID, "ops")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.outbox.Release(ctx, "missing", "ops")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHardPauseFencesDeliveryButKeepsReceipts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.pendingEffect(t, "log")
	f.pendingEffect(t, "log")

	_, sentLease := f.claim(t)
	_, failLease := f.claim(t)

	directive, _, err := f.outbox.Checkpoint(ctx, sentLease)
	require.NoError(t, err)
	assert.Equal(t, dispatch.Continue, directive)

	_, err = f.control.Pause(ctx, control.PauseHard, "incident", "test")
	require.NoError(t, err)

	directive, reason, err := f.outbox.Checkpoint(ctx, sentLease)
	require.NoError(t, err)
	assert.Equal(t, dispatch.Abort, directive)
	assert.NotEmpty(t, reason)

	_, err = f.outbox.MarkFailed(ctx, failLease, "boom", true)
	assert.ErrorIs(t, err, ErrLeaseLost)

	e, err := f.outbox.MarkSent(ctx, sentLease, "ref")
	require.NoError(t, err, "a completed send is recorded regardless of the epoch")
	assert.Equal(t, StatusSent, e.Status)
}

func TestSoftPauseLetsDeliveryFinishButRefusesRenewal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.pendingEffect(t, "log")
	_, lease := f.claim(t)

	renewed, err := f.outbox.Renew(ctx, lease, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, f.clk.Now().Add(time.Minute), renewed.ExpiresAt)

	_, err = f.control.Pause(ctx, control.PauseSoft, "", "test")
	require.NoError(t, err)

	_, err = f.outbox.Renew(ctx, renewed, time.Minute)
	assert.ErrorIs(t, err, ErrLeaseLost)

	directive, _, err := f.outbox.Checkpoint(ctx, renewed)
	require.NoError(t, err)
	assert.Equal(t, dispatch.Continue, directive)

	_, err = f.outbox.MarkFailed(ctx, renewed, "retry me", true)
	assert.NoError(t, err)
}

func TestRequeueExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, WithMaxAttempts(2))
	f.pendingEffect(t, "log")

	first, _ := f.claim(t)
	f.clk.Advance(testLease + time.Second)
	n, err := f.outbox.RequeueExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	e, err := f.outbox.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, e.Status)
	assert.Nil(t, e.ClaimedBy)

	f.claim(t)
	f.clk.Advance(testLease + time.Second)
	_, err = f.outbox.RequeueExpired(ctx)
	require.NoError(t, err)

	e, err = f.outbox.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, e.Status)
	assert.Contains(t, e.LastError, "lease expired")
}

func TestListFilters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	a := f.pendingEffect(t, "log")
	b := f.pendingEffect(t, "http")

	all, err := f.outbox.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID, "newest first")

	byChannel, err := f.outbox.List(ctx, ListFilter{Channel: "log"})
	require.NoError(t, err)
	require.Len(t, byChannel, 1)
	assert.Equal(t, a.ID, byChannel[0].ID)

	byDispatch, err := f.outbox.List(ctx, ListFilter{DispatchID: b.DispatchID, Status: StatusPending})
	require.NoError(t, err)
	require.Len(t, byDispatch, 1)

	_, err = f.outbox.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
