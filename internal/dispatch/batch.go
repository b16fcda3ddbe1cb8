package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/runlane/internal/storage"
)

// Line is one message as it appears in a transcript.
type Line struct {
	Sender string
	Text   string
}

// RenderTranscript folds lines into the text a run sees. Consecutive lines
// from the same sender share one "sender: ..." block; blocks are separated by
// a blank line. Order is preserved exactly.
func RenderTranscript(lines []Line) string {
	var (
		b    strings.Builder
		prev string
	)
	for i, l := range lines {
		switch {
		case i == 0:
		case l.Sender == prev:
			b.WriteByte('\n')
			b.WriteString(l.Text)
			continue
		default:
			b.WriteString("\n\n")
		}
		if l.Sender != "" {
			b.WriteString(l.Sender)
			b.WriteString(": ")
		}
		b.WriteString(l.Text)
		prev = l.Sender
	}
	return b.String()
}

// InsertTx creates a queued dispatch inside the caller's transaction.
func (s *Store) InsertTx(ctx context.Context, tx *sql.Tx, nd NewDispatch) (*Dispatch, error) {
	if nd.RunKey == "" || nd.QueueKey == "" {
		return nil, fmt.Errorf("insert dispatch: run key and queue key are required")
	}
	maxAttempts := nd.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	scheduled := nd.ScheduledAt
	if scheduled.IsZero() {
		scheduled = s.now()
	}
	now := storage.UnixMillis(s.now())
	id := uuid.NewString()

	_, err := tx.ExecContext(ctx, `
INSERT INTO run_dispatch (
  id, run_key, queue_key, agent_id, plugin_instance_id, session_key, status, control_state,
  max_attempts, replay_of_dispatch_id, scheduled_at, created_at, updated_at
)
VALUES (?, ?, ?, ?, ?, ?, 'queued', 'normal', ?, ?, ?, ?, ?);`,
		id, nd.RunKey, nd.QueueKey, nd.AgentID, nd.PluginInstanceID, nd.SessionKey,
		maxAttempts, storage.NullString(nd.ReplayOfDispatchID), storage.UnixMillis(scheduled), now, now)
	if err != nil {
		return nil, fmt.Errorf("insert dispatch: %w", err)
	}
	s.metrics.DispatchCreated()
	return GetTx(ctx, tx, id)
}

// SteerableTx reports whether new input may still be appended to id.
func SteerableTx(ctx context.Context, q storage.Execer, id string) (bool, error) {
	var (
		status string
		locked int
		merged sql.NullString
	)
	err := q.QueryRowContext(ctx, `
SELECT status, steer_locked, merged_into_dispatch_id FROM run_dispatch WHERE id = ?;`, id).Scan(&status, &locked, &merged)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read steer state of %s: %w", id, err)
	}
	return !Status(status).Terminal() && locked == 0 && !merged.Valid, nil
}

// RefreshTranscriptTx rebuilds coalesced_text and the latest-message fields
// of id from every message coalesced onto it or onto dispatches merged into
// it, ordered by arrival then insertion.
func RefreshTranscriptTx(ctx context.Context, tx *sql.Tx, id string, now time.Time) (*Dispatch, error) {
	rows, err := tx.QueryContext(ctx, `
WITH RECURSIVE fam(id) AS (
  SELECT ?
  UNION
  SELECT d.id FROM run_dispatch d JOIN fam ON d.merged_into_dispatch_id = fam.id
)
SELECT m.text, m.sender_name, m.work_item_id, m.response_context
FROM queue_message m
WHERE m.dispatch_id IN (SELECT id FROM fam) AND m.status = 'coalesced'
ORDER BY m.arrived_at ASC, m.seq ASC;`, id)
	if err != nil {
		return nil, fmt.Errorf("load transcript for %s: %w", id, err)
	}

	var (
		lines                     []Line
		lastWorkItem, lastContext string
	)
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.Text, &l.Sender, &lastWorkItem, &lastContext); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan transcript line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return GetTx(ctx, tx, id)
	}

	last := lines[len(lines)-1]
	_, err = tx.ExecContext(ctx, `
UPDATE run_dispatch
SET coalesced_text = ?, input_text = ?, sender_name = ?, work_item_id = ?, response_context = ?, updated_at = ?
WHERE id = ?;`,
		RenderTranscript(lines), last.Text, last.Sender, lastWorkItem, lastContext, storage.UnixMillis(now), id)
	if err != nil {
		return nil, fmt.Errorf("update transcript for %s: %w", id, err)
	}
	return GetTx(ctx, tx, id)
}
