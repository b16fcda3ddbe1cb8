package lane

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mattjoyce/runlane/internal/dispatch"
	"github.com/mattjoyce/runlane/internal/events"
	"github.com/mattjoyce/runlane/internal/log"
	"github.com/mattjoyce/runlane/internal/storage"
)

// Enqueue stores one inbound message and decides, in a single transaction,
// whether it waits in the lane's pending batch or is steered into the
// dispatch already in flight. Redelivery of a work item is a no-op that
// reports the original message.
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	if err := validateRequest(req); err != nil {
		return EnqueueResult{}, err
	}
	key := DeriveKey(req.SessionKey, req.AgentID, req.Channel)
	workItem := req.WorkItemID
	if workItem == "" {
		workItem = uuid.NewString()
	}

	var (
		res     EnqueueResult
		steered *dispatch.Dispatch
	)
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		res, steered = EnqueueResult{QueueKey: key}, nil
		now := s.now()
		nowMs := storage.UnixMillis(now)
		arrived := req.ArrivedAt
		if arrived.IsZero() {
			arrived = now
		}

		if err := s.ensureLaneTx(ctx, tx, key, req, nowMs); err != nil {
			return err
		}

		dup, err := scanMessage(tx.QueryRowContext(ctx, `
SELECT `+messageColumns+` FROM queue_message WHERE queue_key = ? AND work_item_id = ?;`, key, workItem))
		if err == nil {
			res.MessageID, res.Duplicate = dup.ID, true
			res.Dropped = dup.Status == MessageDropped
			if dup.DispatchID != nil {
				res.AttachedTo = *dup.DispatchID
			}
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check duplicate work item: %w", err)
		}

		l, err := getLane(ctx, tx, key)
		if err != nil {
			return err
		}

		res.MessageID = uuid.NewString()
		_, err = tx.ExecContext(ctx, `
INSERT INTO queue_message (id, queue_key, work_item_id, plugin_instance_id, text, sender_name, response_context, arrived_at, status)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending');`,
			res.MessageID, key, workItem, req.PluginInstanceID, req.Text, req.SenderName, req.ResponseContext,
			storage.UnixMillis(arrived))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		switch {
		case l.IsPaused:
			// Held until ResumeLane arms a window.
		case l.State == StateIdle || l.State == StateDebouncing:
			_, err = tx.ExecContext(ctx, `
UPDATE queue_lane SET state = 'debouncing', debounce_until = ?, updated_at = ? WHERE queue_key = ?;`,
				nowMs+l.DebounceMs, nowMs, key)
			if err != nil {
				return fmt.Errorf("arm debounce window: %w", err)
			}
		case l.State == StateInFlight && l.Mode == ModeSteer && l.ActiveDispatchID != nil:
			ok, err := dispatch.SteerableTx(ctx, tx, *l.ActiveDispatchID)
			if err != nil {
				return err
			}
			if ok && l.MaxQueued > 0 {
				// A full dispatch takes no more input; the message waits in
				// the next batch under the usual back-pressure.
				attached, err := countAttached(ctx, tx, *l.ActiveDispatchID)
				if err != nil {
					return err
				}
				ok = attached < l.MaxQueued
			}
			if ok {
				if err := settleCoalesced(ctx, tx, *l.ActiveDispatchID, nowMs, res.MessageID); err != nil {
					return err
				}
				if steered, err = dispatch.RefreshTranscriptTx(ctx, tx, *l.ActiveDispatchID, now); err != nil {
					return err
				}
				res.AttachedTo = steered.ID
			}
		}

		if res.AttachedTo == "" {
			dropped, err := applyBackPressure(ctx, tx, key, l.MaxQueued, nowMs)
			if err != nil {
				return err
			}
			res.DroppedMessageIDs = dropped
			res.Dropped = len(dropped) > 0
		}
		_, err = tx.ExecContext(ctx, `UPDATE queue_lane SET updated_at = ? WHERE queue_key = ?;`, nowMs, key)
		return err
	})
	if err != nil {
		return EnqueueResult{}, err
	}

	logger := log.WithLane(key)
	switch {
	case res.Duplicate:
		logger.Info("duplicate work item ignored", "work_item_id", workItem, "message_id", res.MessageID)
		s.metrics.MessageEnqueued("duplicate")
		return res, nil
	case res.AttachedTo != "":
		logger.Info("message steered into running dispatch", "message_id", res.MessageID, "dispatch_id", res.AttachedTo)
		s.metrics.MessageEnqueued("steered")
		s.pub.Publish(events.DispatchSteered, steered)
	default:
		logger.Info("message enqueued", "message_id", res.MessageID, "work_item_id", workItem)
		s.metrics.MessageEnqueued("pending")
	}
	if res.Dropped {
		logger.Warn("back-pressure dropped messages", "count", len(res.DroppedMessageIDs), "ids", res.DroppedMessageIDs)
		s.metrics.MessagesDropped(len(res.DroppedMessageIDs))
		s.pub.Publish(events.LaneDropped, res)
	}
	s.pub.Publish(events.LaneEnqueued, res)
	return res, nil
}

func validateRequest(req EnqueueRequest) error {
	var missing []string
	if req.SessionKey == "" {
		missing = append(missing, "session_key")
	}
	if req.AgentID == "" {
		missing = append(missing, "agent_id")
	}
	if req.Channel == "" {
		missing = append(missing, "channel")
	}
	if req.Text == "" {
		missing = append(missing, "text")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalid, strings.Join(missing, ", "))
	}
	if strings.Contains(req.SessionKey+req.AgentID+req.Channel, "|") {
		return fmt.Errorf("%w: session_key, agent_id and channel must not contain '|'", ErrInvalid)
	}
	return nil
}

func (s *Store) ensureLaneTx(ctx context.Context, tx *sql.Tx, key string, req EnqueueRequest, nowMs int64) error {
	mode := s.defaults.Mode
	if mode == "" {
		mode = ModeQueue
	}
	_, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO queue_lane (
  queue_key, session_key, agent_id, channel, plugin_instance_id, state, debounce_ms, max_queued, mode,
  created_at, updated_at
)
VALUES (?, ?, ?, ?, ?, 'idle', ?, ?, ?, ?, ?);`,
		key, req.SessionKey, req.AgentID, req.Channel, req.PluginInstanceID,
		s.defaults.Debounce.Milliseconds(), s.defaults.MaxQueued, string(mode), nowMs, nowMs)
	if err != nil {
		return fmt.Errorf("create lane %s: %w", key, err)
	}
	return nil
}

// settleCoalesced attaches pending messages to a dispatch. With no ids every
// pending message on the dispatch's lane is taken.
func settleCoalesced(ctx context.Context, tx *sql.Tx, dispatchID string, nowMs int64, ids ...string) error {
	q := `UPDATE queue_message SET status = 'coalesced', dispatch_id = ?, settled_at = ? WHERE status = 'pending'`
	args := []any{dispatchID, nowMs}
	if len(ids) == 0 {
		q += ` AND queue_key = (SELECT queue_key FROM run_dispatch WHERE id = ?)`
		args = append(args, dispatchID)
	} else {
		q += ` AND id IN (?` + strings.Repeat(", ?", len(ids)-1) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	if _, err := tx.ExecContext(ctx, q+`;`, args...); err != nil {
		return fmt.Errorf("coalesce messages onto %s: %w", dispatchID, err)
	}
	return nil
}

// countAttached counts the messages a dispatch already carries, including
// those of dispatches merged into it.
func countAttached(ctx context.Context, tx *sql.Tx, dispatchID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
WITH RECURSIVE fam(id) AS (
  SELECT ?
  UNION
  SELECT d.id FROM run_dispatch d JOIN fam ON d.merged_into_dispatch_id = fam.id
)
SELECT COUNT(*) FROM queue_message
WHERE dispatch_id IN (SELECT id FROM fam) AND status = 'coalesced';`, dispatchID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages on %s: %w", dispatchID, err)
	}
	return n, nil
}

// applyBackPressure drops the oldest pending messages beyond maxQueued.
func applyBackPressure(ctx context.Context, tx *sql.Tx, key string, maxQueued int, nowMs int64) ([]string, error) {
	if maxQueued <= 0 {
		return nil, nil
	}
	pending, err := countPending(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	excess := pending - maxQueued
	if excess <= 0 {
		return nil, nil
	}
	rows, err := tx.QueryContext(ctx, `
UPDATE queue_message
SET status = 'dropped', drop_reason = ?, settled_at = ?
WHERE id IN (
  SELECT id FROM queue_message
  WHERE queue_key = ? AND status = 'pending'
  ORDER BY arrived_at ASC, seq ASC
  LIMIT ?
)
RETURNING id;`, DropMaxQueued, nowMs, key, excess)
	if err != nil {
		return nil, fmt.Errorf("apply back-pressure on %s: %w", key, err)
	}
	defer rows.Close()

	var dropped []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dropped = append(dropped, id)
	}
	return dropped, rows.Err()
}
