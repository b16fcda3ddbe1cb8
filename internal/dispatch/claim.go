package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/runlane/internal/control"
	"github.com/mattjoyce/runlane/internal/events"
	"github.com/mattjoyce/runlane/internal/storage"
)

// fenceClause matches the row a lease refers to while that lease is still
// honoured. A stale epoch is tolerated only during a soft pause, which lets
// an in-flight attempt finish inside its remaining lease.
const fenceClause = `id = ? AND claimed_by = ? AND attempt_count = ?
  AND status IN ('claimed', 'running') AND lease_expires_at > ?
  AND (claimed_epoch = ` + control.EpochExpr + `
       OR (` + control.EnabledExpr + ` = 0 AND ` + control.PauseModeExpr + ` = 'soft'))`

// strictFenceClause additionally requires the current epoch. Renewal uses it.
const strictFenceClause = `id = ? AND claimed_by = ? AND attempt_count = ?
  AND status IN ('claimed', 'running') AND lease_expires_at > ?
  AND claimed_epoch = ` + control.EpochExpr

func fenceArgs(l Lease, now int64) []any {
	return []any{l.DispatchID, l.WorkerID, l.Attempt, now}
}

const claimSQL = `
WITH ctl AS (
  SELECT processing_enabled, control_epoch, max_concurrent_dispatches
  FROM runtime_control WHERE id = 1
),
active AS (
  SELECT COUNT(*) AS n FROM run_dispatch
  WHERE status IN ('claimed', 'running') AND lease_expires_at > ?
),
heads AS (
  SELECT d.id, d.queue_key, d.scheduled_at, d.seq,
         ROW_NUMBER() OVER (PARTITION BY d.queue_key ORDER BY d.scheduled_at ASC, d.seq ASC) AS rn
  FROM run_dispatch d
  WHERE d.status = 'queued'
    AND d.control_state = 'normal'
    AND d.merged_into_dispatch_id IS NULL
    AND d.scheduled_at <= ?
),
next AS (
  SELECT h.id
  FROM heads h
  JOIN queue_lane l ON l.queue_key = h.queue_key
  WHERE h.rn = 1 AND l.is_paused = 0
  ORDER BY COALESCE(l.last_claimed_at, 0) ASC, h.scheduled_at ASC, h.seq ASC
  LIMIT 1
)
UPDATE run_dispatch
SET status = 'claimed',
    claimed_by = ?,
    lease_expires_at = ?,
    claimed_epoch = (SELECT control_epoch FROM ctl),
    attempt_count = attempt_count + 1,
    job_id = NULL,
    updated_at = ?
WHERE id = (SELECT id FROM next)
  AND status = 'queued'
  AND (SELECT processing_enabled FROM ctl) = 1
  AND (SELECT n FROM active) < (SELECT max_concurrent_dispatches FROM ctl)
RETURNING ` + dispatchColumns + `;`

// ClaimNext claims the next dispatch for workerID. It returns (nil, nil, nil)
// when nothing is claimable: processing paused, concurrency ceiling reached,
// or no eligible row. Rows on paused lanes wait for the lane to resume.
func (s *Store) ClaimNext(ctx context.Context, workerID string, leaseDuration time.Duration) (*Dispatch, *Lease, error) {
	if workerID == "" {
		return nil, nil, fmt.Errorf("worker id is empty")
	}
	if leaseDuration <= 0 {
		return nil, nil, fmt.Errorf("lease duration must be positive")
	}

	var claimed *Dispatch
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		claimed = nil
		now := s.now()
		nowMs := storage.UnixMillis(now)
		expires := storage.UnixMillis(now.Add(leaseDuration))

		d, err := scanDispatch(tx.QueryRowContext(ctx, claimSQL, nowMs, nowMs, workerID, expires, nowMs))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim dispatch: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE queue_lane SET last_claimed_at = ?, updated_at = ? WHERE queue_key = ?;`,
			nowMs, nowMs, d.QueueKey); err != nil {
			return fmt.Errorf("advance lane claim cursor: %w", err)
		}
		claimed = d
		return nil
	})
	if err != nil || claimed == nil {
		return nil, nil, err
	}

	lease := LeaseOf(claimed)
	s.metrics.DispatchClaimed(s.now().Sub(claimed.ScheduledAt))
	s.logger.Info("dispatch claimed",
		"dispatch_id", claimed.ID,
		"queue_key", claimed.QueueKey,
		"worker_id", workerID,
		"attempt", lease.Attempt,
		"epoch", lease.Epoch,
	)
	s.pub.Publish(events.DispatchClaimed, lease)
	return claimed, &lease, nil
}

// Start records the external execution handle and moves the row to running.
func (s *Store) Start(ctx context.Context, lease Lease, jobID string) error {
	now := storage.UnixMillis(s.now())
	err := storage.RetryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
UPDATE run_dispatch
SET status = 'running', job_id = ?, started_at = ?, updated_at = ?
WHERE `+fenceClause+`;`,
			append([]any{storage.NullString(jobID), now, now}, fenceArgs(lease, now)...)...)
		if err != nil {
			return err
		}
		return requireOne(res)
	})
	if err != nil && !errors.Is(err, ErrLeaseLost) {
		return fmt.Errorf("start dispatch %s: %w", lease.DispatchID, err)
	}
	return err
}

// SetJobID records the external execution handle on a running attempt.
func (s *Store) SetJobID(ctx context.Context, lease Lease, jobID string) error {
	now := storage.UnixMillis(s.now())
	return storage.RetryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
UPDATE run_dispatch SET job_id = ?, updated_at = ?
WHERE `+fenceClause+`;`,
			append([]any{storage.NullString(jobID), now}, fenceArgs(lease, now)...)...)
		if err != nil {
			return err
		}
		return requireOne(res)
	})
}

// Renew extends a lease. It fails with ErrLeaseLost if the lease expired,
// was taken over, or the control epoch moved since the claim.
func (s *Store) Renew(ctx context.Context, lease Lease, d time.Duration) (Lease, error) {
	now := s.now()
	nowMs := storage.UnixMillis(now)
	expires := now.Add(d)

	err := storage.RetryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
UPDATE run_dispatch SET lease_expires_at = ?, updated_at = ?
WHERE `+strictFenceClause+`;`,
			append([]any{storage.UnixMillis(expires), nowMs}, fenceArgs(lease, nowMs)...)...)
		if err != nil {
			return err
		}
		return requireOne(res)
	})
	if err != nil {
		if errors.Is(err, ErrLeaseLost) {
			return lease, err
		}
		return lease, fmt.Errorf("renew dispatch lease %s: %w", lease.DispatchID, err)
	}
	lease.ExpiresAt = storage.FromMillis(storage.UnixMillis(expires))
	return lease, nil
}

// Checkpoint is the cooperative safe point. It never writes.
func (s *Store) Checkpoint(ctx context.Context, lease Lease) (CheckpointResult, error) {
	var (
		claimedBy                    sql.NullString
		attempt                      int
		status, controlState, reason string
		leaseExpires                 sql.NullInt64
		claimedEpoch, epoch          int64
		enabled                      int
		pauseMode                    string
		res                          CheckpointResult
	)
	err := s.db.QueryRowContext(ctx, `
SELECT d.claimed_by, d.attempt_count, d.status, d.lease_expires_at, d.claimed_epoch,
       d.control_state, d.control_reason, d.coalesced_text, d.input_text,
       c.control_epoch, c.processing_enabled, c.pause_mode
FROM run_dispatch d, runtime_control c
WHERE d.id = ? AND c.id = 1;`, lease.DispatchID).Scan(
		&claimedBy, &attempt, &status, &leaseExpires, &claimedEpoch,
		&controlState, &reason, &res.CoalescedText, &res.InputText,
		&epoch, &enabled, &pauseMode,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return res, ErrNotFound
	}
	if err != nil {
		return res, fmt.Errorf("checkpoint dispatch %s: %w", lease.DispatchID, err)
	}

	nowMs := storage.UnixMillis(s.now())
	switch {
	case claimedBy.String != lease.WorkerID || attempt != lease.Attempt:
		res.Directive, res.Reason = Abort, "claim taken over"
	case Status(status) != StatusClaimed && Status(status) != StatusRunning:
		res.Directive, res.Reason = Abort, "dispatch is "+status
	case !leaseExpires.Valid || leaseExpires.Int64 <= nowMs:
		res.Directive, res.Reason = Abort, "lease expired"
	case claimedEpoch != epoch && !(enabled == 0 && control.PauseMode(pauseMode) == control.PauseSoft):
		res.Directive, res.Reason = Abort, "control epoch advanced"
	case ControlState(controlState) == ControlCancelRequested:
		res.Directive, res.Reason = Cancel, reason
	case ControlState(controlState) == ControlPauseRequested:
		res.Directive, res.Reason = Pause, reason
	default:
		res.Directive = Continue
	}
	return res, nil
}

// LockSteering marks the point of no return: later messages on the lane are
// buffered for the next batch instead of being appended to this run.
func (s *Store) LockSteering(ctx context.Context, lease Lease) error {
	return storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		return LockSteeringTx(ctx, tx, lease, s.now())
	})
}

// LockSteeringTx is LockSteering inside a caller's transaction.
func LockSteeringTx(ctx context.Context, tx *sql.Tx, lease Lease, now time.Time) error {
	nowMs := storage.UnixMillis(now)
	res, err := tx.ExecContext(ctx, `
UPDATE run_dispatch SET steer_locked = 1, updated_at = ?
WHERE `+fenceClause+`;`, append([]any{nowMs}, fenceArgs(lease, nowMs)...)...)
	if err != nil {
		return fmt.Errorf("lock steering on %s: %w", lease.DispatchID, err)
	}
	return requireOne(res)
}

// VerifyLeaseTx returns the dispatch if lease is still honoured at now.
func VerifyLeaseTx(ctx context.Context, tx *sql.Tx, lease Lease, now time.Time) (*Dispatch, error) {
	nowMs := storage.UnixMillis(now)
	row := tx.QueryRowContext(ctx, `SELECT `+dispatchColumns+` FROM run_dispatch WHERE `+fenceClause+`;`,
		fenceArgs(lease, nowMs)...)
	d, err := scanDispatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLeaseLost
	}
	if err != nil {
		return nil, fmt.Errorf("verify lease %s: %w", lease.DispatchID, err)
	}
	return d, nil
}

func requireOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}
