package lane

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mattjoyce/runlane/internal/dispatch"
	"github.com/mattjoyce/runlane/internal/events"
	"github.com/mattjoyce/runlane/internal/log"
	"github.com/mattjoyce/runlane/internal/storage"
)

// FlushDue closes every lane whose debounce window has elapsed, creating
// one dispatch per lane. It returns the number of dispatches created.
func (s *Store) FlushDue(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT queue_key FROM queue_lane
WHERE state = 'debouncing' AND is_paused = 0 AND active_dispatch_id IS NULL AND debounce_until <= ?
ORDER BY debounce_until ASC;`, storage.UnixMillis(s.now()))
	if err != nil {
		return 0, fmt.Errorf("find due lanes: %w", err)
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return 0, err
		}
		keys = append(keys, k)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}

	created := 0
	var errs []error
	for _, k := range keys {
		d, err := s.Flush(ctx, k)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if d != nil {
			created++
		}
	}
	return created, errors.Join(errs...)
}

// Flush closes one lane's batch if its window has elapsed. It returns nil
// when the lane is not due (another flusher won, or new input slid the window).
func (s *Store) Flush(ctx context.Context, key string) (*dispatch.Dispatch, error) {
	var d *dispatch.Dispatch
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		d, err = s.flushTx(ctx, tx, key, s.now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("flush lane %s: %w", key, err)
	}
	if d != nil {
		log.WithLane(key).Info("lane flushed", "dispatch_id", d.ID, "run_key", d.RunKey)
		s.pub.Publish(events.LaneFlushed, d)
	}
	return d, nil
}

func (s *Store) flushTx(ctx context.Context, tx *sql.Tx, key string, now time.Time) (*dispatch.Dispatch, error) {
	nowMs := storage.UnixMillis(now)

	// Guarded claim of the lane: only one flusher can take a due window.
	var (
		seq                             int64
		sessionKey, agentID, instanceID string
	)
	err := tx.QueryRowContext(ctx, `
UPDATE queue_lane
SET batch_seq = batch_seq + 1, updated_at = ?
WHERE queue_key = ? AND state = 'debouncing' AND is_paused = 0
  AND active_dispatch_id IS NULL AND debounce_until <= ?
RETURNING batch_seq, session_key, agent_id, plugin_instance_id;`, nowMs, key, nowMs).
		Scan(&seq, &sessionKey, &agentID, &instanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	pending, err := countPending(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if pending == 0 {
		_, err := tx.ExecContext(ctx, `
UPDATE queue_lane SET state = 'idle', debounce_until = NULL WHERE queue_key = ?;`, key)
		return nil, err
	}

	d, err := s.dispatches.InsertTx(ctx, tx, dispatch.NewDispatch{
		RunKey:           runKey(key, seq),
		QueueKey:         key,
		AgentID:          agentID,
		PluginInstanceID: instanceID,
		SessionKey:       sessionKey,
		MaxAttempts:      s.defaults.MaxAttempts,
		ScheduledAt:      now,
	})
	if err != nil {
		return nil, err
	}
	if err := settleCoalesced(ctx, tx, d.ID, nowMs); err != nil {
		return nil, err
	}
	if d, err = dispatch.RefreshTranscriptTx(ctx, tx, d.ID, now); err != nil {
		return nil, err
	}
	if err := activate(ctx, tx, key, d.ID, nowMs); err != nil {
		return nil, err
	}
	return d, nil
}

func activate(ctx context.Context, tx *sql.Tx, key, dispatchID string, nowMs int64) error {
	_, err := tx.ExecContext(ctx, `
UPDATE queue_lane
SET state = 'dispatch-in-flight', active_dispatch_id = ?, debounce_until = NULL, updated_at = ?
WHERE queue_key = ?;`, dispatchID, nowMs, key)
	if err != nil {
		return fmt.Errorf("activate dispatch %s on %s: %w", dispatchID, key, err)
	}
	return nil
}

func runKey(queueKey string, seq int64) string {
	return queueKey + "#" + strconv.FormatInt(seq, 10)
}
