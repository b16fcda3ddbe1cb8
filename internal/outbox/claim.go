package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/runlane/internal/control"
	"github.com/mattjoyce/runlane/internal/dispatch"
	"github.com/mattjoyce/runlane/internal/events"
	"github.com/mattjoyce/runlane/internal/log"
	"github.com/mattjoyce/runlane/internal/storage"
)

// ownerClause matches an effect still owned by the attempt a lease names:
// no other worker has claimed it since. Delivery receipts only need this,
// because the send already happened.
const ownerClause = `id = ? AND claimed_by = ? AND attempt_count = ? AND status = 'pending'`

// fenceClause additionally requires a live lease issued under the current
// epoch, tolerating a stale epoch during a soft pause.
const fenceClause = ownerClause + ` AND lease_expires_at > ?
  AND (claimed_epoch = ` + control.EpochExpr + `
       OR (` + control.EnabledExpr + ` = 0 AND ` + control.PauseModeExpr + ` = 'soft'))`

const strictFenceClause = ownerClause + ` AND lease_expires_at > ? AND claimed_epoch = ` + control.EpochExpr

func ownerArgs(l Lease) []any {
	return []any{l.EffectID, l.WorkerID, l.Attempt}
}

func fenceArgs(l Lease, nowMs int64) []any {
	return append(ownerArgs(l), nowMs)
}

const claimSQL = `
UPDATE outbox_effect
SET claimed_by = ?, lease_expires_at = ?, claimed_epoch = ` + control.EpochExpr + `,
    attempt_count = attempt_count + 1, updated_at = ?
WHERE id = (
    SELECT id FROM outbox_effect
    WHERE status = 'pending' AND next_attempt_at <= ? AND attempt_count < max_attempts
      AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
    ORDER BY next_attempt_at ASC, seq ASC
    LIMIT 1
  )
  AND status = 'pending'
  AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
  AND ` + control.EnabledExpr + ` = 1
RETURNING ` + effectColumns + `;`

// ClaimNext leases the next deliverable effect. It returns (nil, nil, nil)
// when processing is paused or nothing is due.
func (s *Store) ClaimNext(ctx context.Context, workerID string, leaseDuration time.Duration) (*Effect, *Lease, error) {
	if workerID == "" {
		return nil, nil, fmt.Errorf("worker id is empty")
	}
	var e *Effect
	err := storage.RetryOnBusy(ctx, func() error {
		now := s.now()
		nowMs := storage.UnixMillis(now)
		var err error
		e, err = scanEffect(s.db.QueryRowContext(ctx, claimSQL,
			workerID, storage.UnixMillis(now.Add(leaseDuration)), nowMs, nowMs, nowMs, nowMs))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("claim effect: %w", err)
	}
	l := leaseOf(e)
	log.WithEffect(e.ID).Debug("effect claimed", "worker_id", workerID, "attempt", l.Attempt)
	return e, &l, nil
}

// Renew extends a delivery lease under the current epoch only.
func (s *Store) Renew(ctx context.Context, lease Lease, d time.Duration) (Lease, error) {
	now := s.now()
	nowMs := storage.UnixMillis(now)
	expires := storage.UnixMillis(now.Add(d))
	err := s.execOne(ctx, `UPDATE outbox_effect SET lease_expires_at = ?, updated_at = ? WHERE `+strictFenceClause+`;`,
		append([]any{expires, nowMs}, fenceArgs(lease, nowMs)...)...)
	if err != nil {
		return lease, err
	}
	lease.ExpiresAt = storage.FromMillis(expires)
	return lease, nil
}

// Checkpoint reports whether a delivery may go ahead. Only Continue and
// Abort are possible for effects.
func (s *Store) Checkpoint(ctx context.Context, lease Lease) (dispatch.Directive, string, error) {
	var n int
	nowMs := storage.UnixMillis(s.now())
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_effect WHERE `+fenceClause+`;`,
		fenceArgs(lease, nowMs)...).Scan(&n)
	if err != nil {
		return "", "", fmt.Errorf("checkpoint effect %s: %w", lease.EffectID, err)
	}
	if n == 0 {
		return dispatch.Abort, "lease void", nil
	}
	return dispatch.Continue, "", nil
}

// MarkSent records a successful delivery. Repeating it is a no-op.
func (s *Store) MarkSent(ctx context.Context, lease Lease, providerRef string) (*Effect, error) {
	var e *Effect
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		cur, err := getBy(ctx, tx, "id", lease.EffectID)
		if err != nil {
			return err
		}
		if cur.Status == StatusSent {
			e = cur
			return nil
		}
		nowMs := storage.UnixMillis(s.now())
		e, err = scanEffect(tx.QueryRowContext(ctx, `
UPDATE outbox_effect
SET status = 'sent', provider_ref = ?, sent_at = ?, lease_expires_at = NULL, last_error = '', updated_at = ?
WHERE `+ownerClause+`
RETURNING `+effectColumns+`;`, append([]any{providerRef, nowMs, nowMs}, ownerArgs(lease)...)...))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrLeaseLost
		}
		return err
	})
	if err != nil {
		return nil, s.wrap("mark sent", lease, err)
	}
	log.WithEffect(e.ID).Info("effect sent", "channel", e.Channel, "provider_ref", e.ProviderRef)
	s.pub.Publish(events.EffectSent, e)
	return e, nil
}

// MarkFailed records a failed delivery. Retryable failures go back to
// pending with a backoff until max_attempts is spent.
func (s *Store) MarkFailed(ctx context.Context, lease Lease, errMsg string, retryable bool) (*Effect, error) {
	var e *Effect
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		now := s.now()
		nowMs := storage.UnixMillis(now)
		cur, err := getBy(ctx, tx, "id", lease.EffectID)
		if err != nil {
			return err
		}

		set := `status = 'failed', retryable = ?, lease_expires_at = NULL, last_error = ?`
		args := []any{boolInt(retryable), errMsg}
		if retryable && cur.AttemptCount < cur.MaxAttempts {
			next := now.Add(s.retry.Delay(cur.ID, cur.AttemptCount))
			set = `next_attempt_at = ?, claimed_by = NULL, lease_expires_at = NULL, last_error = ?`
			args = []any{storage.UnixMillis(next), errMsg}
		}
		args = append(append(args, nowMs), fenceArgs(lease, nowMs)...)
		e, err = scanEffect(tx.QueryRowContext(ctx,
			`UPDATE outbox_effect SET `+set+`, updated_at = ? WHERE `+fenceClause+` RETURNING `+effectColumns+`;`,
			args...))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrLeaseLost
		}
		return err
	})
	if err != nil {
		return nil, s.wrap("mark failed", lease, err)
	}
	logger := log.WithEffect(e.ID).With("channel", e.Channel, "attempt", lease.Attempt, "error", errMsg)
	if e.Status == StatusFailed {
		logger.Error("effect delivery failed", "retryable", retryable)
		s.pub.Publish(events.EffectFailed, e)
	} else {
		logger.Warn("effect delivery will be retried", "next_attempt_at", e.NextAttemptAt)
	}
	return e, nil
}

// MarkUnknown parks an effect whose send may or may not have happened. It
// is not claimed again until Release.
func (s *Store) MarkUnknown(ctx context.Context, lease Lease, reason string) (*Effect, error) {
	nowMs := storage.UnixMillis(s.now())
	var e *Effect
	err := storage.RetryOnBusy(ctx, func() error {
		var err error
		e, err = scanEffect(s.db.QueryRowContext(ctx, `
UPDATE outbox_effect
SET status = 'unknown', unknown_reason = ?, lease_expires_at = NULL, updated_at = ?
WHERE `+ownerClause+`
RETURNING `+effectColumns+`;`, append([]any{reason, nowMs}, ownerArgs(lease)...)...))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrLeaseLost
	}
	if err != nil {
		return nil, s.wrap("mark unknown", lease, err)
	}
	log.WithEffect(e.ID).Warn("effect outcome unknown, awaiting release", "channel", e.Channel, "reason", reason)
	s.pub.Publish(events.EffectUnknown, e)
	return e, nil
}

// Release is the administrative decision to try an unknown effect again.
// It always grants at least one more attempt.
func (s *Store) Release(ctx context.Context, id, by string) (*Effect, error) {
	if by == "" {
		return nil, fmt.Errorf("release effect %s: released_by is required", id)
	}
	nowMs := storage.UnixMillis(s.now())
	var e *Effect
	err := storage.RetryOnBusy(ctx, func() error {
		var err error
		e, err = scanEffect(s.db.QueryRowContext(ctx, `
UPDATE outbox_effect
SET status = 'pending', claimed_by = NULL, lease_expires_at = NULL, next_attempt_at = ?,
    max_attempts = MAX(max_attempts, attempt_count + 1), released_by = ?, released_at = ?, updated_at = ?
WHERE id = ? AND status = 'unknown'
RETURNING `+effectColumns+`;`, nowMs, by, nowMs, nowMs, id))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		cur, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: effect %s is %s, only unknown effects can be released", ErrInvalidTransition, id, cur.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("release effect %s: %w", id, err)
	}
	log.WithEffect(id).Info("effect released", "by", by)
	s.pub.Publish(events.EffectReleased, e)
	return e, nil
}

// Yield hands back a claim whose lease a pause or resume voided before the
// send. The interrupted attempt does not count against max_attempts.
func (s *Store) Yield(ctx context.Context, lease Lease) error {
	nowMs := storage.UnixMillis(s.now())
	err := s.execOne(ctx, `
UPDATE outbox_effect
SET claimed_by = NULL, lease_expires_at = NULL, max_attempts = max_attempts + 1,
    last_error = 'attempt interrupted by control epoch', updated_at = ?
WHERE `+ownerClause+` AND claimed_epoch < `+control.EpochExpr+`;`,
		append([]any{nowMs}, ownerArgs(lease)...)...)
	if err != nil {
		return s.wrap("yield effect", lease, err)
	}
	log.WithEffect(lease.EffectID).Info("effect yielded after control epoch change", "attempt", lease.Attempt)
	return nil
}

// RequeueExpired clears claims whose lease ran out, failing effects that
// have used all their attempts. A claim voided by a control epoch bump is
// cleared with its attempt refunded. It returns the number of rows touched.
func (s *Store) RequeueExpired(ctx context.Context) (int64, error) {
	var total int64
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		total = 0
		nowMs := storage.UnixMillis(s.now())
		res, err := tx.ExecContext(ctx, `
UPDATE outbox_effect
SET claimed_by = NULL, lease_expires_at = NULL, max_attempts = max_attempts + 1,
    last_error = 'lease voided by control epoch', updated_at = ?
WHERE status = 'pending' AND claimed_by IS NOT NULL AND lease_expires_at <= ?
  AND claimed_epoch < `+control.EpochExpr+`;`, nowMs, nowMs)
		if err != nil {
			return fmt.Errorf("requeue voided effects: %w", err)
		}
		voided, _ := res.RowsAffected()

		res, err = tx.ExecContext(ctx, `
UPDATE outbox_effect
SET status = 'failed', lease_expires_at = NULL,
    last_error = 'lease expired after ' || attempt_count || ' attempts', updated_at = ?
WHERE status = 'pending' AND claimed_by IS NOT NULL AND lease_expires_at <= ? AND attempt_count >= max_attempts;`,
			nowMs, nowMs)
		if err != nil {
			return fmt.Errorf("fail exhausted effects: %w", err)
		}
		failed, _ := res.RowsAffected()

		res, err = tx.ExecContext(ctx, `
UPDATE outbox_effect
SET claimed_by = NULL, lease_expires_at = NULL, last_error = 'lease expired', updated_at = ?
WHERE status = 'pending' AND claimed_by IS NOT NULL AND lease_expires_at <= ?;`, nowMs, nowMs)
		if err != nil {
			return fmt.Errorf("requeue expired effects: %w", err)
		}
		requeued, _ := res.RowsAffected()
		total = voided + failed + requeued
		return nil
	})
	if err != nil {
		return 0, err
	}
	if total > 0 {
		s.logger.Warn("recovered effects with expired leases", "count", total)
	}
	s.metrics.LeasesRequeued("effect", total)
	return total, nil
}

func (s *Store) execOne(ctx context.Context, q string, args ...any) error {
	return storage.RetryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrLeaseLost
		}
		return nil
	})
}

func (s *Store) wrap(op string, lease Lease, err error) error {
	if errors.Is(err, ErrLeaseLost) || errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("%s %s: %w", op, lease.EffectID, err)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
