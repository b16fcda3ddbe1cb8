package lane

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/mattjoyce/runlane/internal/dispatch"
	"github.com/mattjoyce/runlane/internal/events"
	"github.com/mattjoyce/runlane/internal/log"
	"github.com/mattjoyce/runlane/internal/storage"
)

// Replay runs a finished dispatch again with its original transcript. On a
// free lane the replay becomes the active dispatch. If the lane's active
// dispatch has not been claimed yet and still accepts input, the replay is
// merged into it. Anything else is ErrLaneBusy.
func (s *Store) Replay(ctx context.Context, dispatchID, by string) (*dispatch.Dispatch, error) {
	var (
		replay *dispatch.Dispatch
		merged bool
	)
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		replay, merged = nil, false
		now := s.now()
		nowMs := storage.UnixMillis(now)

		orig, err := dispatch.GetTx(ctx, tx, dispatchID)
		if err != nil {
			return err
		}
		if !orig.Status.Terminal() {
			return fmt.Errorf("%w: dispatch %s is %s", dispatch.ErrInvalidTransition, dispatchID, orig.Status)
		}
		if orig.MergedIntoDispatchID != nil {
			return fmt.Errorf("%w: dispatch %s was merged into %s", dispatch.ErrInvalidTransition, dispatchID, *orig.MergedIntoDispatchID)
		}
		msgs, err := familyMessages(ctx, tx, dispatchID)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return fmt.Errorf("%w: dispatch %s has no messages to replay", dispatch.ErrInvalidTransition, dispatchID)
		}

		l, err := getLane(ctx, tx, orig.QueueKey)
		if err != nil {
			return err
		}
		var target *dispatch.Dispatch
		if l.ActiveDispatchID != nil {
			target, err = dispatch.GetTx(ctx, tx, *l.ActiveDispatchID)
			if err != nil {
				return err
			}
			if target.Status != dispatch.StatusQueued || target.SteerLocked {
				return fmt.Errorf("%w: %s", ErrLaneBusy, target.ID)
			}
		}

		var seq int64
		if err := tx.QueryRowContext(ctx, `
UPDATE queue_lane SET batch_seq = batch_seq + 1, updated_at = ? WHERE queue_key = ? RETURNING batch_seq;`,
			nowMs, l.QueueKey).Scan(&seq); err != nil {
			return fmt.Errorf("advance batch sequence: %w", err)
		}
		replay, err = s.dispatches.InsertTx(ctx, tx, dispatch.NewDispatch{
			RunKey:             runKey(l.QueueKey, seq),
			QueueKey:           l.QueueKey,
			AgentID:            orig.AgentID,
			PluginInstanceID:   orig.PluginInstanceID,
			SessionKey:         orig.SessionKey,
			MaxAttempts:        orig.MaxAttempts,
			ReplayOfDispatchID: orig.ID,
			ScheduledAt:        now,
		})
		if err != nil {
			return err
		}
		for _, m := range msgs {
			_, err := tx.ExecContext(ctx, `
INSERT INTO queue_message (
  id, queue_key, work_item_id, plugin_instance_id, text, sender_name, response_context,
  arrived_at, status, dispatch_id, settled_at
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'coalesced', ?, ?);`,
				uuid.NewString(), l.QueueKey, "replay:"+replay.ID+":"+m.ID, m.PluginInstanceID, m.Text,
				m.SenderName, m.ResponseContext, storage.UnixMillis(m.ArrivedAt), replay.ID, nowMs)
			if err != nil {
				return fmt.Errorf("copy message %s for replay: %w", m.ID, err)
			}
		}
		if replay, err = dispatch.RefreshTranscriptTx(ctx, tx, replay.ID, now); err != nil {
			return err
		}

		if target == nil {
			return activate(ctx, tx, l.QueueKey, replay.ID, nowMs)
		}
		if _, err := s.dispatches.MergeTx(ctx, tx, replay.ID, target.ID); err != nil {
			return err
		}
		merged = true
		replay, err = dispatch.GetTx(ctx, tx, replay.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	logger := log.WithLane(replay.QueueKey).With("dispatch_id", replay.ID, "replay_of", dispatchID, "by", by)
	if merged {
		logger.Info("replay merged into queued dispatch", "survivor", *replay.MergedIntoDispatchID)
		s.pub.Publish(events.DispatchMerged, map[string]string{"loser": replay.ID, "survivor": *replay.MergedIntoDispatchID})
	} else {
		logger.Info("replay dispatch created")
		s.pub.Publish(events.LaneFlushed, replay)
	}
	return replay, nil
}
