package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattjoyce/runlane/internal/control"
	"github.com/mattjoyce/runlane/internal/events"
	"github.com/mattjoyce/runlane/internal/storage"
)

// Complete records the outcome of the attempt a lease represents.
//
// A retryable failure with attempts left goes back to queued with its
// scheduled_at pushed out by the backoff policy; the lane stays occupied.
// OutcomePaused returns the row to queued with control_state left at
// pause-requested, so it is not claimable until ResumeDispatch.
func (s *Store) Complete(ctx context.Context, lease Lease, out Outcome) (*Dispatch, error) {
	var result *Dispatch
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		result = nil
		now := s.now()
		nowMs := storage.UnixMillis(now)

		cur, err := VerifyLeaseTx(ctx, tx, lease, now)
		if err != nil {
			return err
		}

		var (
			q    string
			args []any
		)
		switch out.Kind {
		case OutcomeCompleted:
			q = `status = 'completed', finished_at = ?, lease_expires_at = NULL, last_error = ''`
			args = []any{nowMs}
		case OutcomeCancelled:
			reason := out.Error
			if reason == "" {
				reason = cur.ControlReason
			}
			q = `status = 'cancelled', finished_at = ?, lease_expires_at = NULL, last_error = ?`
			args = []any{nowMs, reason}
		case OutcomePaused:
			q = `status = 'queued', claimed_by = NULL, lease_expires_at = NULL,
  control_state = 'pause-requested', control_updated_at = COALESCE(control_updated_at, ?)`
			args = []any{nowMs}
		case OutcomeFailed:
			if out.Retryable && cur.AttemptCount < cur.MaxAttempts {
				next := now.Add(s.retry.Delay(cur.ID, cur.AttemptCount))
				q = `status = 'queued', claimed_by = NULL, lease_expires_at = NULL, scheduled_at = ?, last_error = ?`
				args = []any{storage.UnixMillis(next), out.Error}
			} else {
				q = `status = 'failed', finished_at = ?, lease_expires_at = NULL, last_error = ?`
				args = []any{nowMs, out.Error}
			}
		default:
			return fmt.Errorf("%w: unknown outcome %q", ErrInvalidTransition, out.Kind)
		}

		args = append(args, nowMs)
		args = append(args, fenceArgs(lease, nowMs)...)
		d, err := scanDispatch(tx.QueryRowContext(ctx,
			`UPDATE run_dispatch SET `+q+`, updated_at = ? WHERE `+fenceClause+` RETURNING `+dispatchColumns+`;`,
			args...))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrLeaseLost
		}
		if err != nil {
			return fmt.Errorf("complete dispatch %s: %w", lease.DispatchID, err)
		}
		if d.Status.Terminal() {
			if err := s.runHooks(ctx, tx, d); err != nil {
				return err
			}
		}
		result = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger := s.logger.With("dispatch_id", result.ID, "queue_key", result.QueueKey, "attempt", lease.Attempt)
	switch {
	case result.Status.Terminal():
		logger.Info("dispatch finished", "status", result.Status, "error", result.LastError)
		s.metrics.DispatchOutcome(string(result.Status))
		s.pub.Publish(events.DispatchFinished, result)
	case out.Kind == OutcomeFailed:
		logger.Warn("dispatch attempt failed, retry scheduled", "error", out.Error, "scheduled_at", result.ScheduledAt)
		s.metrics.DispatchOutcome("retry")
		s.pub.Publish(events.DispatchRetrying, result)
	default:
		logger.Info("dispatch paused by request")
		s.metrics.DispatchOutcome("paused")
		s.pub.Publish(events.DispatchControl, result)
	}
	return result, nil
}

// Release gives a claim back without recording an outcome, e.g. on shutdown.
// The row is immediately claimable again.
func (s *Store) Release(ctx context.Context, lease Lease, reason string) error {
	now := storage.UnixMillis(s.now())
	err := storage.RetryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
UPDATE run_dispatch
SET status = 'queued', claimed_by = NULL, lease_expires_at = NULL, last_error = ?, updated_at = ?
WHERE `+fenceClause+`;`, append([]any{reason, now}, fenceArgs(lease, now)...)...)
		if err != nil {
			return err
		}
		return requireOne(res)
	})
	if err != nil {
		return err
	}
	s.logger.Info("dispatch released", "dispatch_id", lease.DispatchID, "reason", reason)
	return nil
}

// Yield hands back a claim whose lease a pause or resume voided. The
// interrupted attempt does not count against max_attempts.
func (s *Store) Yield(ctx context.Context, lease Lease) error {
	now := storage.UnixMillis(s.now())
	err := storage.RetryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
UPDATE run_dispatch
SET status = 'queued', claimed_by = NULL, lease_expires_at = NULL, max_attempts = max_attempts + 1,
    last_error = 'attempt interrupted by control epoch', updated_at = ?
WHERE id = ? AND claimed_by = ? AND attempt_count = ?
  AND status IN ('claimed', 'running') AND control_state <> 'cancel-requested'
  AND claimed_epoch < `+control.EpochExpr+`;`, now, lease.DispatchID, lease.WorkerID, lease.Attempt)
		if err != nil {
			return err
		}
		return requireOne(res)
	})
	if err != nil {
		return err
	}
	s.logger.Info("dispatch yielded after control epoch change", "dispatch_id", lease.DispatchID, "attempt", lease.Attempt)
	s.pub.Publish(events.DispatchRequeued, map[string]int64{"count": 1})
	return nil
}

// RequeueExpired recovers dispatches whose lease ran out without renewal.
// Rows with a pending cancel are cancelled. Rows claimed before the current
// control epoch return to queued with the attempt refunded. Rows that spent
// max_attempts claims are failed, the rest return to queued. It returns the
// number of rows touched.
func (s *Store) RequeueExpired(ctx context.Context) (int64, error) {
	var (
		finished []*Dispatch
		requeued int64
	)
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		finished, requeued = nil, 0
		nowMs := storage.UnixMillis(s.now())

		cancelled, err := updateReturning(ctx, tx, `
UPDATE run_dispatch
SET status = 'cancelled', finished_at = ?, lease_expires_at = NULL,
    last_error = 'lease expired with cancel requested', updated_at = ?
WHERE status IN ('claimed', 'running') AND lease_expires_at <= ? AND control_state = 'cancel-requested'
RETURNING `+dispatchColumns+`;`, nowMs, nowMs, nowMs)
		if err != nil {
			return fmt.Errorf("cancel expired dispatches: %w", err)
		}

		voided, err := tx.ExecContext(ctx, `
UPDATE run_dispatch
SET status = 'queued', claimed_by = NULL, lease_expires_at = NULL, max_attempts = max_attempts + 1,
    last_error = 'lease voided by control epoch', updated_at = ?
WHERE status IN ('claimed', 'running') AND lease_expires_at <= ? AND control_state <> 'cancel-requested'
  AND claimed_epoch < `+control.EpochExpr+`;`, nowMs, nowMs)
		if err != nil {
			return fmt.Errorf("requeue voided dispatches: %w", err)
		}
		if requeued, err = voided.RowsAffected(); err != nil {
			return err
		}

		failed, err := updateReturning(ctx, tx, `
UPDATE run_dispatch
SET status = 'failed', finished_at = ?, lease_expires_at = NULL,
    last_error = 'lease expired after ' || attempt_count || ' attempts', updated_at = ?
WHERE status IN ('claimed', 'running') AND lease_expires_at <= ? AND attempt_count >= max_attempts
RETURNING `+dispatchColumns+`;`, nowMs, nowMs, nowMs)
		if err != nil {
			return fmt.Errorf("fail expired dispatches: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
UPDATE run_dispatch
SET status = 'queued', claimed_by = NULL, lease_expires_at = NULL,
    last_error = 'lease expired', updated_at = ?
WHERE status IN ('claimed', 'running') AND lease_expires_at <= ?;`, nowMs, nowMs)
		if err != nil {
			return fmt.Errorf("requeue expired dispatches: %w", err)
		}
		expired, err := res.RowsAffected()
		if err != nil {
			return err
		}
		requeued += expired

		finished = append(cancelled, failed...)
		for _, d := range finished {
			if err := s.runHooks(ctx, tx, d); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, d := range finished {
		s.logger.Warn("expired dispatch finished", "dispatch_id", d.ID, "status", d.Status, "error", d.LastError)
		s.metrics.DispatchOutcome(string(d.Status))
		s.pub.Publish(events.DispatchFinished, d)
	}
	if requeued > 0 {
		s.logger.Warn("requeued dispatches with expired leases", "count", requeued)
		s.pub.Publish(events.DispatchRequeued, map[string]int64{"count": requeued})
	}
	total := requeued + int64(len(finished))
	s.metrics.LeasesRequeued("dispatch", total)
	return total, nil
}

func updateReturning(ctx context.Context, tx *sql.Tx, q string, args ...any) ([]*Dispatch, error) {
	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Dispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
