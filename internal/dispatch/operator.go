package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattjoyce/runlane/internal/events"
	"github.com/mattjoyce/runlane/internal/storage"
)

// RequestCancel cancels a queued dispatch at once and asks a claimed or
// running one to stop at its next checkpoint.
func (s *Store) RequestCancel(ctx context.Context, id, reason string) (*Dispatch, error) {
	var result *Dispatch
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		result = nil
		nowMs := storage.UnixMillis(s.now())
		cur, err := GetTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			return fmt.Errorf("%w: dispatch %s is %s", ErrInvalidTransition, id, cur.Status)
		}

		if cur.Status == StatusQueued {
			d, err := scanDispatch(tx.QueryRowContext(ctx, `
UPDATE run_dispatch
SET status = 'cancelled', control_state = 'cancel-requested', control_reason = ?, control_updated_at = ?,
    finished_at = ?, last_error = ?, updated_at = ?
WHERE id = ? AND status = 'queued'
RETURNING `+dispatchColumns+`;`, reason, nowMs, nowMs, reason, nowMs, id))
			if err != nil {
				return fmt.Errorf("cancel queued dispatch %s: %w", id, err)
			}
			result = d
			return s.runHooks(ctx, tx, d)
		}

		d, err := scanDispatch(tx.QueryRowContext(ctx, `
UPDATE run_dispatch
SET control_state = 'cancel-requested', control_reason = ?, control_updated_at = ?, updated_at = ?
WHERE id = ? AND status IN ('claimed', 'running')
RETURNING `+dispatchColumns+`;`, reason, nowMs, nowMs, id))
		if err != nil {
			return fmt.Errorf("request cancel of %s: %w", id, err)
		}
		result = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("dispatch cancel requested", "dispatch_id", id, "status", result.Status, "reason", reason)
	if result.Status.Terminal() {
		s.metrics.DispatchOutcome(string(result.Status))
		s.pub.Publish(events.DispatchFinished, result)
	} else {
		s.pub.Publish(events.DispatchControl, result)
	}
	return result, nil
}

// RequestPause asks a dispatch to stop and return to queued. A queued row
// becomes unclaimable until ResumeDispatch.
func (s *Store) RequestPause(ctx context.Context, id, reason string) (*Dispatch, error) {
	return s.setControl(ctx, id, `control_state = 'normal'`, ControlPauseRequested, reason)
}

// ResumeDispatch clears a pause request.
func (s *Store) ResumeDispatch(ctx context.Context, id string) (*Dispatch, error) {
	return s.setControl(ctx, id, `control_state = 'pause-requested'`, ControlNormal, "")
}

func (s *Store) setControl(ctx context.Context, id, guard string, to ControlState, reason string) (*Dispatch, error) {
	var result *Dispatch
	err := storage.RetryOnBusy(ctx, func() error {
		nowMs := storage.UnixMillis(s.now())
		d, err := scanDispatch(s.db.QueryRowContext(ctx, `
UPDATE run_dispatch
SET control_state = ?, control_reason = ?, control_updated_at = ?, updated_at = ?
WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled') AND `+guard+`
RETURNING `+dispatchColumns+`;`, string(to), reason, nowMs, nowMs, id))
		if err != nil {
			return err
		}
		result = d
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: cannot set %s on dispatch %s", ErrInvalidTransition, to, id)
	}
	if err != nil {
		return nil, fmt.Errorf("set control state on %s: %w", id, err)
	}
	s.logger.Info("dispatch control state changed", "dispatch_id", id, "control_state", to, "reason", reason)
	s.pub.Publish(events.DispatchControl, result)
	return result, nil
}

// Merge folds loser into survivor. The loser must still be queued on the same
// lane; it is cancelled with merged_into_dispatch_id set and never claimed
// again. Its messages become part of the survivor's transcript.
func (s *Store) Merge(ctx context.Context, loserID, survivorID string) (*Dispatch, error) {
	var survivor *Dispatch
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		survivor, err = s.MergeTx(ctx, tx, loserID, survivorID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("dispatch merged", "loser", loserID, "survivor", survivorID)
	s.pub.Publish(events.DispatchMerged, map[string]string{"loser": loserID, "survivor": survivorID})
	return survivor, nil
}

// MergeTx is Merge inside a caller's transaction.
func (s *Store) MergeTx(ctx context.Context, tx *sql.Tx, loserID, survivorID string) (*Dispatch, error) {
	if loserID == survivorID {
		return nil, fmt.Errorf("%w: dispatch cannot merge into itself", ErrNotMergeable)
	}
	loser, err := GetTx(ctx, tx, loserID)
	if err != nil {
		return nil, err
	}
	survivor, err := GetTx(ctx, tx, survivorID)
	if err != nil {
		return nil, err
	}
	switch {
	case loser.QueueKey != survivor.QueueKey:
		return nil, fmt.Errorf("%w: dispatches belong to different lanes", ErrNotMergeable)
	case loser.Status != StatusQueued || loser.MergedIntoDispatchID != nil:
		return nil, fmt.Errorf("%w: loser %s is %s", ErrNotMergeable, loserID, loser.Status)
	case survivor.Status.Terminal() || survivor.MergedIntoDispatchID != nil:
		return nil, fmt.Errorf("%w: survivor %s is %s", ErrNotMergeable, survivorID, survivor.Status)
	case survivor.SteerLocked:
		return nil, fmt.Errorf("%w: survivor %s passed its point of no return", ErrNotMergeable, survivorID)
	}

	now := s.now()
	nowMs := storage.UnixMillis(now)
	merged, err := scanDispatch(tx.QueryRowContext(ctx, `
UPDATE run_dispatch
SET status = 'cancelled', merged_into_dispatch_id = ?, control_reason = ?, finished_at = ?, updated_at = ?
WHERE id = ? AND status = 'queued' AND merged_into_dispatch_id IS NULL
RETURNING `+dispatchColumns+`;`, survivorID, "merged into "+survivorID, nowMs, nowMs, loserID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: loser %s changed concurrently", ErrNotMergeable, loserID)
	}
	if err != nil {
		return nil, fmt.Errorf("merge %s into %s: %w", loserID, survivorID, err)
	}
	if err := s.runHooks(ctx, tx, merged); err != nil {
		return nil, err
	}
	return RefreshTranscriptTx(ctx, tx, survivorID, now)
}
