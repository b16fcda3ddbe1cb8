package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattjoyce/runlane/internal/backoff"
	"github.com/mattjoyce/runlane/internal/events"
	"github.com/mattjoyce/runlane/internal/log"
	"github.com/mattjoyce/runlane/internal/metrics"
	"github.com/mattjoyce/runlane/internal/storage"
)

const dispatchColumns = `id, run_key, queue_key, work_item_id, agent_id, plugin_instance_id, session_key,
  status, control_state, control_reason, control_updated_at, input_text, coalesced_text, sender_name,
  response_context, job_id, attempt_count, max_attempts, claimed_by, lease_expires_at, claimed_epoch,
  steer_locked, last_error, replay_of_dispatch_id, merged_into_dispatch_id, scheduled_at, started_at,
  finished_at, created_at, updated_at`

// FinishHook runs inside the transaction that moves a dispatch to a state
// where it no longer occupies its lane: terminal, or merged away.
type FinishHook func(ctx context.Context, tx *sql.Tx, d *Dispatch) error

type Store struct {
	db      *sql.DB
	pub     events.Publisher
	metrics *metrics.Metrics
	now     func() time.Time
	retry   backoff.Policy
	logger  *slog.Logger
	hooks   []FinishHook
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

// WithBackoff sets the delay applied before a retryable failure is claimable again.
func WithBackoff(p backoff.Policy) Option {
	return func(s *Store) { s.retry = p }
}

func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		pub:    events.Discard{},
		now:    time.Now,
		retry:  backoff.Policy{Base: time.Second, Max: 30 * time.Second},
		logger: log.WithComponent("dispatch"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnFinish registers a hook. Hooks must be registered before workers start.
func (s *Store) OnFinish(h FinishHook) {
	s.hooks = append(s.hooks, h)
}

// DB exposes the handle for collaborators that share transactions.
func (s *Store) DB() *sql.DB { return s.db }

// Now returns the store clock.
func (s *Store) Now() time.Time { return s.now() }

func (s *Store) runHooks(ctx context.Context, tx *sql.Tx, d *Dispatch) error {
	for _, h := range s.hooks {
		if err := h(ctx, tx, d); err != nil {
			return fmt.Errorf("finish hook for dispatch %s: %w", d.ID, err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDispatch(r rowScanner) (*Dispatch, error) {
	var (
		d                                      Dispatch
		status, controlState                   string
		controlUpdatedAt, leaseExpiresAt       sql.NullInt64
		startedAt, finishedAt                  sql.NullInt64
		jobID, claimedBy, replayOf, mergedInto sql.NullString
		steerLocked                            int
		scheduledAt, createdAt, updatedAt      int64
	)
	err := r.Scan(
		&d.ID, &d.RunKey, &d.QueueKey, &d.WorkItemID, &d.AgentID, &d.PluginInstanceID, &d.SessionKey,
		&status, &controlState, &d.ControlReason, &controlUpdatedAt, &d.InputText, &d.CoalescedText, &d.SenderName,
		&d.ResponseContext, &jobID, &d.AttemptCount, &d.MaxAttempts, &claimedBy, &leaseExpiresAt, &d.ClaimedEpoch,
		&steerLocked, &d.LastError, &replayOf, &mergedInto, &scheduledAt, &startedAt,
		&finishedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	d.ControlState = ControlState(controlState)
	d.ControlUpdatedAt = storage.TimePtr(controlUpdatedAt)
	d.JobID = storage.StringPtr(jobID)
	d.ClaimedBy = storage.StringPtr(claimedBy)
	d.LeaseExpiresAt = storage.TimePtr(leaseExpiresAt)
	d.SteerLocked = steerLocked == 1
	d.ReplayOfDispatchID = storage.StringPtr(replayOf)
	d.MergedIntoDispatchID = storage.StringPtr(mergedInto)
	d.ScheduledAt = storage.FromMillis(scheduledAt)
	d.StartedAt = storage.TimePtr(startedAt)
	d.FinishedAt = storage.TimePtr(finishedAt)
	d.CreatedAt = storage.FromMillis(createdAt)
	d.UpdatedAt = storage.FromMillis(updatedAt)
	return &d, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Dispatch, error) {
	return GetTx(ctx, s.db, id)
}

// GetTx loads a dispatch through any executor.
func GetTx(ctx context.Context, q storage.Execer, id string) (*Dispatch, error) {
	row := q.QueryRowContext(ctx, `SELECT `+dispatchColumns+` FROM run_dispatch WHERE id = ?;`, id)
	d, err := scanDispatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dispatch %s: %w", id, err)
	}
	return d, nil
}

// List returns dispatches newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Dispatch, error) {
	var (
		where []string
		args  []any
	)
	if f.QueueKey != "" {
		where = append(where, "queue_key = ?")
		args = append(args, f.QueueKey)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	q := `SELECT ` + dispatchColumns + ` FROM run_dispatch`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY seq DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list dispatches: %w", err)
	}
	defer rows.Close()

	var out []*Dispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Counts returns the number of dispatches per status.
func (s *Store) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM run_dispatch GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count dispatches: %w", err)
	}
	defer rows.Close()

	out := map[Status]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[Status(status)] = n
	}
	return out, rows.Err()
}

// ActiveCount returns how many dispatches hold a live lease.
func (s *Store) ActiveCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM run_dispatch
WHERE status IN ('claimed', 'running') AND lease_expires_at > ?;`, storage.UnixMillis(s.now())).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active dispatches: %w", err)
	}
	return n, nil
}
