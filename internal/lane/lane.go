// Package lane batches inbound messages per conversation lane: debounce,
// coalescing, live steering and back-pressure. A lane owns at most one
// active dispatch at a time.
package lane

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattjoyce/runlane/internal/dispatch"
	"github.com/mattjoyce/runlane/internal/events"
	"github.com/mattjoyce/runlane/internal/log"
	"github.com/mattjoyce/runlane/internal/metrics"
	"github.com/mattjoyce/runlane/internal/storage"
)

const laneColumns = `queue_key, session_key, agent_id, channel, plugin_instance_id, state, is_paused,
  debounce_until, debounce_ms, max_queued, active_dispatch_id, mode, pause_reason, paused_by, paused_at,
  batch_seq, last_claimed_at, created_at, updated_at`

const messageColumns = `id, queue_key, work_item_id, plugin_instance_id, text, sender_name, response_context,
  arrived_at, status, dispatch_id, drop_reason, settled_at`

type Store struct {
	db         *sql.DB
	dispatches *dispatch.Store
	defaults   Defaults
	now        func() time.Time
	pub        events.Publisher
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Store) { s.pub = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

func WithDefaults(d Defaults) Option {
	return func(s *Store) { s.defaults = d }
}

// New builds a lane store on the same database as dispatches and registers
// the hook that frees a lane when its dispatch finishes.
func New(db *sql.DB, dispatches *dispatch.Store, opts ...Option) *Store {
	s := &Store{
		db:         db,
		dispatches: dispatches,
		defaults:   Defaults{Debounce: 2 * time.Second, MaxQueued: 10, Mode: ModeQueue, MaxAttempts: 3},
		now:        time.Now,
		pub:        events.Discard{},
		logger:     log.WithComponent("lane"),
	}
	for _, opt := range opts {
		opt(s)
	}
	dispatches.OnFinish(s.onDispatchFinished)
	return s
}

// DeriveKey builds the lane key for a (session, agent, channel) triple.
func DeriveKey(sessionKey, agentID, channel string) string {
	return sessionKey + "|" + agentID + "|" + channel
}

// onDispatchFinished runs inside the transaction that finishes d. A merged
// active dispatch hands the lane to its survivor; otherwise the lane is freed
// and buffered messages get a fresh debounce window.
func (s *Store) onDispatchFinished(ctx context.Context, tx *sql.Tx, d *dispatch.Dispatch) error {
	l, err := getLane(ctx, tx, d.QueueKey)
	if err != nil {
		return err
	}
	if l.ActiveDispatchID == nil || *l.ActiveDispatchID != d.ID {
		return nil
	}

	nowMs := storage.UnixMillis(s.now())
	if d.MergedIntoDispatchID != nil {
		_, err := tx.ExecContext(ctx, `
UPDATE queue_lane SET active_dispatch_id = ?, updated_at = ? WHERE queue_key = ?;`,
			*d.MergedIntoDispatchID, nowMs, l.QueueKey)
		return err
	}

	pending, err := countPending(ctx, tx, l.QueueKey)
	if err != nil {
		return err
	}
	if pending > 0 && !l.IsPaused {
		_, err = tx.ExecContext(ctx, `
UPDATE queue_lane
SET active_dispatch_id = NULL, state = 'debouncing', debounce_until = ?, updated_at = ?
WHERE queue_key = ?;`, nowMs+l.DebounceMs, nowMs, l.QueueKey)
	} else {
		_, err = tx.ExecContext(ctx, `
UPDATE queue_lane
SET active_dispatch_id = NULL, state = 'idle', debounce_until = NULL, updated_at = ?
WHERE queue_key = ?;`, nowMs, l.QueueKey)
	}
	if err != nil {
		return fmt.Errorf("free lane %s: %w", l.QueueKey, err)
	}
	return nil
}

func countPending(ctx context.Context, q storage.Execer, key string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
SELECT COUNT(*) FROM queue_message WHERE queue_key = ? AND status = 'pending';`, key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending messages on %s: %w", key, err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLane(r rowScanner) (*Lane, error) {
	var (
		l                                      Lane
		state, mode                            string
		paused                                 int
		debounceUntil, pausedAt, lastClaimedAt sql.NullInt64
		active                                 sql.NullString
		createdAt, updatedAt                   int64
	)
	err := r.Scan(&l.QueueKey, &l.SessionKey, &l.AgentID, &l.Channel, &l.PluginInstanceID, &state, &paused,
		&debounceUntil, &l.DebounceMs, &l.MaxQueued, &active, &mode, &l.PauseReason, &l.PausedBy, &pausedAt,
		&l.BatchSeq, &lastClaimedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	l.State = State(state)
	l.Mode = Mode(mode)
	l.IsPaused = paused == 1
	l.DebounceUntil = storage.TimePtr(debounceUntil)
	l.ActiveDispatchID = storage.StringPtr(active)
	l.PausedAt = storage.TimePtr(pausedAt)
	l.LastClaimedAt = storage.TimePtr(lastClaimedAt)
	l.CreatedAt = storage.FromMillis(createdAt)
	l.UpdatedAt = storage.FromMillis(updatedAt)
	return &l, nil
}

func scanMessage(r rowScanner) (*Message, error) {
	var (
		m          Message
		status     string
		arrivedAt  int64
		dispatchID sql.NullString
		settledAt  sql.NullInt64
	)
	err := r.Scan(&m.ID, &m.QueueKey, &m.WorkItemID, &m.PluginInstanceID, &m.Text, &m.SenderName,
		&m.ResponseContext, &arrivedAt, &status, &dispatchID, &m.DropReason, &settledAt)
	if err != nil {
		return nil, err
	}
	m.Status = MessageStatus(status)
	m.ArrivedAt = storage.FromMillis(arrivedAt)
	m.DispatchID = storage.StringPtr(dispatchID)
	m.SettledAt = storage.TimePtr(settledAt)
	return &m, nil
}

func getLane(ctx context.Context, q storage.Execer, key string) (*Lane, error) {
	l, err := scanLane(q.QueryRowContext(ctx, `SELECT `+laneColumns+` FROM queue_lane WHERE queue_key = ?;`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lane %s: %w", key, err)
	}
	return l, nil
}

func (s *Store) Get(ctx context.Context, key string) (*Lane, error) {
	return getLane(ctx, s.db, key)
}

// List returns lanes ordered by most recent activity.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Lane, error) {
	var (
		where []string
		args  []any
	)
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if f.Paused != nil {
		where = append(where, "is_paused = ?")
		args = append(args, boolInt(*f.Paused))
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := `SELECT ` + laneColumns + ` FROM queue_lane`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY updated_at DESC, queue_key ASC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list lanes: %w", err)
	}
	defer rows.Close()

	var out []*Lane
	for rows.Next() {
		l, err := scanLane(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lane: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Messages lists a lane's messages in transcript order. An empty status
// matches all.
func (s *Store) Messages(ctx context.Context, key string, status MessageStatus) ([]*Message, error) {
	q := `SELECT ` + messageColumns + ` FROM queue_message WHERE queue_key = ?`
	args := []any{key}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY arrived_at ASC, seq ASC;`
	return queryMessages(ctx, s.db, q, args...)
}

// DispatchMessages returns the messages that make up a dispatch's
// transcript, including those of dispatches merged into it.
func (s *Store) DispatchMessages(ctx context.Context, dispatchID string) ([]*Message, error) {
	return familyMessages(ctx, s.db, dispatchID)
}

func familyMessages(ctx context.Context, q storage.Execer, dispatchID string) ([]*Message, error) {
	return queryMessages(ctx, q, `
WITH RECURSIVE fam(id) AS (
  SELECT ?
  UNION
  SELECT d.id FROM run_dispatch d JOIN fam ON d.merged_into_dispatch_id = fam.id
)
SELECT `+messageColumns+` FROM queue_message
WHERE dispatch_id IN (SELECT id FROM fam) AND status = 'coalesced'
ORDER BY arrived_at ASC, seq ASC;`, dispatchID)
}

func queryMessages(ctx context.Context, q storage.Execer, query string, args ...any) ([]*Message, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PauseLane stops the lane from starting or running dispatches. Messages are
// still accepted and held pending.
func (s *Store) PauseLane(ctx context.Context, key, reason, by string) (*Lane, error) {
	nowMs := storage.UnixMillis(s.now())
	l, err := s.updateLane(ctx, key, `
UPDATE queue_lane
SET is_paused = 1, pause_reason = ?, paused_by = ?, paused_at = ?, updated_at = ?
WHERE queue_key = ?
RETURNING `+laneColumns+`;`, reason, by, nowMs, nowMs, key)
	if err != nil {
		return nil, err
	}
	log.WithLane(key).Info("lane paused", "reason", reason, "by", by)
	s.pub.Publish(events.LanePaused, l)
	return l, nil
}

// ResumeLane unpauses a lane. A lane with buffered messages and nothing in
// flight starts a fresh debounce window.
func (s *Store) ResumeLane(ctx context.Context, key, by string) (*Lane, error) {
	var l *Lane
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		nowMs := storage.UnixMillis(s.now())
		cur, err := getLane(ctx, tx, key)
		if err != nil {
			return err
		}
		pending, err := countPending(ctx, tx, key)
		if err != nil {
			return err
		}

		state, until := cur.State, sql.NullInt64{}
		if cur.DebounceUntil != nil {
			until = sql.NullInt64{Int64: storage.UnixMillis(*cur.DebounceUntil), Valid: true}
		}
		if cur.ActiveDispatchID == nil {
			if pending > 0 {
				state, until = StateDebouncing, sql.NullInt64{Int64: nowMs + cur.DebounceMs, Valid: true}
			} else {
				state, until = StateIdle, sql.NullInt64{}
			}
		}

		l, err = scanLane(tx.QueryRowContext(ctx, `
UPDATE queue_lane
SET is_paused = 0, pause_reason = '', paused_by = '', paused_at = NULL,
    state = ?, debounce_until = ?, updated_at = ?
WHERE queue_key = ?
RETURNING `+laneColumns+`;`, string(state), until, nowMs, key))
		return err
	})
	if err != nil {
		return nil, err
	}
	log.WithLane(key).Info("lane resumed", "by", by, "state", l.State)
	s.pub.Publish(events.LaneResumed, l)
	return l, nil
}

// SetMode switches a lane between queue and steer.
func (s *Store) SetMode(ctx context.Context, key string, mode Mode) (*Lane, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	l, err := s.updateLane(ctx, key, `
UPDATE queue_lane SET mode = ?, updated_at = ? WHERE queue_key = ?
RETURNING `+laneColumns+`;`, string(mode), storage.UnixMillis(s.now()), key)
	if err != nil {
		return nil, err
	}
	log.WithLane(key).Info("lane mode changed", "mode", mode)
	return l, nil
}

func (s *Store) updateLane(ctx context.Context, key, q string, args ...any) (*Lane, error) {
	var l *Lane
	err := storage.RetryOnBusy(ctx, func() error {
		var err error
		l, err = scanLane(s.db.QueryRowContext(ctx, q, args...))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update lane %s: %w", key, err)
	}
	return l, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
