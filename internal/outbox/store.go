// Package outbox holds effects produced by runs until a delivery worker has
// handed them to their channel. Delivery is at least once; an attempt whose
// outcome cannot be confirmed parks the effect as unknown until an operator
// releases it.
package outbox

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/runlane/internal/backoff"
	"github.com/mattjoyce/runlane/internal/dispatch"
	"github.com/mattjoyce/runlane/internal/events"
	"github.com/mattjoyce/runlane/internal/log"
	"github.com/mattjoyce/runlane/internal/metrics"
	"github.com/mattjoyce/runlane/internal/storage"
)

const effectColumns = `id, effect_key, dispatch_id, dispatch_attempt, plugin_instance_id, work_item_id, job_id,
  channel, kind, payload, response_context, status, retryable, attempt_count, max_attempts, next_attempt_at,
  claimed_by, lease_expires_at, claimed_epoch, provider_ref, last_error, unknown_reason, released_by,
  released_at, sent_at, created_at, updated_at`

type Store struct {
	db          *sql.DB
	now         func() time.Time
	pub         events.Publisher
	metrics     *metrics.Metrics
	retry       backoff.Policy
	maxAttempts int
	logger      *slog.Logger
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

// WithBackoff sets the retry delay for retryable delivery failures.
func WithBackoff(p backoff.Policy) Option {
	return func(s *Store) { s.retry = p }
}

// WithMaxAttempts sets the delivery attempt budget of new effects.
func WithMaxAttempts(n int) Option {
	return func(s *Store) { s.maxAttempts = n }
}

func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:          db,
		now:         time.Now,
		pub:         events.Discard{},
		retry:       backoff.Policy{Base: time.Second, Max: 5 * time.Minute},
		maxAttempts: 5,
		logger:      log.WithComponent("outbox"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DeriveKey is the effect key used when the run does not supply one. It is
// stable for a given attempt and emission order, so re-recording the same
// effect within an attempt is a no-op.
func DeriveKey(runKey string, attempt, ordinal int) string {
	sum := blake3.Sum256([]byte(runKey + "\x00" + strconv.Itoa(attempt) + "\x00" + strconv.Itoa(ordinal)))
	return hex.EncodeToString(sum[:])
}

// Enqueue records an effect for the run holding lease. The lease is checked
// inside the same transaction, and steering on the dispatch is locked: once
// a reply exists the transcript it answered can no longer change. A repeated
// effect key returns the effect already stored.
func (s *Store) Enqueue(ctx context.Context, lease dispatch.Lease, req EffectRequest) (*Effect, error) {
	if req.Channel == "" || req.Kind == "" {
		return nil, fmt.Errorf("enqueue effect: channel and kind are required")
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	var (
		e       *Effect
		created bool
	)
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		e, created = nil, false
		now := s.now()
		nowMs := storage.UnixMillis(now)

		d, err := dispatch.VerifyLeaseTx(ctx, tx, lease, now)
		if err != nil {
			return err
		}
		key := req.EffectKey
		if key == "" {
			key = DeriveKey(d.RunKey, lease.Attempt, req.Ordinal)
		}

		existing, err := getBy(ctx, tx, "effect_key", key)
		if err == nil {
			e = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		if err := dispatch.LockSteeringTx(ctx, tx, lease, now); err != nil {
			return err
		}
		var jobID sql.NullString
		if d.JobID != nil {
			jobID = storage.NullString(*d.JobID)
		}
		e, err = scanEffect(tx.QueryRowContext(ctx, `
INSERT INTO outbox_effect (
  id, effect_key, dispatch_id, dispatch_attempt, plugin_instance_id, work_item_id, job_id, channel, kind,
  payload, response_context, status, max_attempts, next_attempt_at, created_at, updated_at
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?)
RETURNING `+effectColumns+`;`,
			uuid.NewString(), key, d.ID, lease.Attempt, d.PluginInstanceID, d.WorkItemID, jobID, req.Channel,
			req.Kind, string(payload), d.ResponseContext, s.maxAttempts, nowMs, nowMs, nowMs))
		if err != nil {
			return fmt.Errorf("insert effect: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrLeaseLost) {
			return nil, err
		}
		return nil, fmt.Errorf("enqueue effect for %s: %w", lease.DispatchID, err)
	}
	if created {
		log.WithEffect(e.ID).Info("effect enqueued",
			"dispatch_id", e.DispatchID, "channel", e.Channel, "kind", e.Kind, "effect_key", e.EffectKey)
		s.pub.Publish(events.EffectEnqueued, e)
	}
	return e, nil
}

// Emit lets the outbox serve as a dispatch.Emitter.
func (s *Store) Emit(ctx context.Context, lease dispatch.Lease, e dispatch.Effect) (string, error) {
	eff, err := s.Enqueue(ctx, lease, EffectRequest{
		Channel:   e.Channel,
		Kind:      e.Kind,
		Payload:   e.Payload,
		EffectKey: e.EffectKey,
		Ordinal:   e.Ordinal,
	})
	if err != nil {
		return "", err
	}
	return eff.ID, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEffect(r rowScanner) (*Effect, error) {
	var (
		e                                   Effect
		payload, status                     string
		jobID, claimedBy                    sql.NullString
		retryable                           int
		nextAttemptAt, createdAt, updatedAt int64
		leaseExpiresAt, releasedAt, sentAt  sql.NullInt64
	)
	err := r.Scan(&e.ID, &e.EffectKey, &e.DispatchID, &e.DispatchAttempt, &e.PluginInstanceID, &e.WorkItemID, &jobID,
		&e.Channel, &e.Kind, &payload, &e.ResponseContext, &status, &retryable, &e.AttemptCount, &e.MaxAttempts,
		&nextAttemptAt, &claimedBy, &leaseExpiresAt, &e.ClaimedEpoch, &e.ProviderRef, &e.LastError,
		&e.UnknownReason, &e.ReleasedBy, &releasedAt, &sentAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	e.Payload = []byte(payload)
	e.Status = Status(status)
	e.Retryable = retryable == 1
	e.JobID = storage.StringPtr(jobID)
	e.ClaimedBy = storage.StringPtr(claimedBy)
	e.NextAttemptAt = storage.FromMillis(nextAttemptAt)
	e.LeaseExpiresAt = storage.TimePtr(leaseExpiresAt)
	e.ReleasedAt = storage.TimePtr(releasedAt)
	e.SentAt = storage.TimePtr(sentAt)
	e.CreatedAt = storage.FromMillis(createdAt)
	e.UpdatedAt = storage.FromMillis(updatedAt)
	return &e, nil
}

func getBy(ctx context.Context, q storage.Execer, column, value string) (*Effect, error) {
	e, err := scanEffect(q.QueryRowContext(ctx, `SELECT `+effectColumns+` FROM outbox_effect WHERE `+column+` = ?;`, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get effect by %s: %w", column, err)
	}
	return e, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Effect, error) {
	return getBy(ctx, s.db, "id", id)
}

// GetByKey looks an effect up by its idempotency key.
func (s *Store) GetByKey(ctx context.Context, key string) (*Effect, error) {
	return getBy(ctx, s.db, "effect_key", key)
}

// List returns effects newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Effect, error) {
	var (
		where []string
		args  []any
	)
	if f.DispatchID != "" {
		where = append(where, "dispatch_id = ?")
		args = append(args, f.DispatchID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, f.Channel)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := `SELECT ` + effectColumns + ` FROM outbox_effect`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY seq DESC LIMIT ?;`
	args = append(args, limit)
	return s.query(ctx, q, args...)
}

// ForDispatch returns a dispatch's effects in emission order.
func (s *Store) ForDispatch(ctx context.Context, dispatchID string) ([]*Effect, error) {
	return s.query(ctx, `SELECT `+effectColumns+` FROM outbox_effect WHERE dispatch_id = ? ORDER BY seq ASC;`, dispatchID)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]*Effect, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list effects: %w", err)
	}
	defer rows.Close()

	var out []*Effect
	for rows.Next() {
		e, err := scanEffect(rows)
		if err != nil {
			return nil, fmt.Errorf("scan effect: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Counts returns the number of effects per status.
func (s *Store) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox_effect GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count effects: %w", err)
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
