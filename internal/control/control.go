// Package control owns the runtime_control singleton: the fleet-wide pause
// switch and the epoch every lease is fenced against.
package control

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/runlane/internal/events"
	"github.com/mattjoyce/runlane/internal/log"
	"github.com/mattjoyce/runlane/internal/storage"
)

type PauseMode string

const (
	PauseNone PauseMode = ""
	PauseSoft PauseMode = "soft"
	PauseHard PauseMode = "hard"
)

// SQL fragments other stores embed so that claim and fencing checks read the
// control row inside the same statement.
const (
	EpochExpr     = `(SELECT control_epoch FROM runtime_control WHERE id = 1)`
	EnabledExpr   = `(SELECT processing_enabled FROM runtime_control WHERE id = 1)`
	PauseModeExpr = `(SELECT pause_mode FROM runtime_control WHERE id = 1)`
	MaxActiveExpr = `(SELECT max_concurrent_dispatches FROM runtime_control WHERE id = 1)`
)

var ErrInvalidMode = errors.New("pause mode must be soft or hard")

// State is a snapshot of the control row.
type State struct {
	ProcessingEnabled       bool       `json:"processing_enabled"`
	PauseMode               PauseMode  `json:"pause_mode,omitempty"`
	PauseReason             string     `json:"pause_reason,omitempty"`
	PausedBy                string     `json:"paused_by,omitempty"`
	PausedAt                *time.Time `json:"paused_at,omitempty"`
	Epoch                   int64      `json:"control_epoch"`
	MaxConcurrentDispatches int        `json:"max_concurrent_dispatches"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

type Store struct {
	db     *sql.DB
	pub    events.Publisher
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithPublisher sends transitions to an event hub.
func WithPublisher(p events.Publisher) Option {
	return func(s *Store) { s.pub = p }
}

func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		pub:    events.Discard{},
		now:    time.Now,
		logger: log.WithComponent("control"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Get(ctx context.Context) (State, error) {
	return Read(ctx, s.db)
}

// Read loads the control row through any executor, so callers can observe
// it inside their own transaction.
func Read(ctx context.Context, q storage.Execer) (State, error) {
	var (
		st       State
		enabled  int
		mode     string
		pausedAt sql.NullInt64
		updated  int64
	)
	err := q.QueryRowContext(ctx, `
SELECT processing_enabled, pause_mode, pause_reason, paused_by, paused_at,
       control_epoch, max_concurrent_dispatches, updated_at
FROM runtime_control WHERE id = 1;`).Scan(
		&enabled, &mode, &st.PauseReason, &st.PausedBy, &pausedAt,
		&st.Epoch, &st.MaxConcurrentDispatches, &updated,
	)
	if err != nil {
		return State{}, fmt.Errorf("read runtime control: %w", err)
	}
	st.ProcessingEnabled = enabled == 1
	st.PauseMode = PauseMode(mode)
	st.PausedAt = storage.TimePtr(pausedAt)
	st.UpdatedAt = storage.FromMillis(updated)
	return st, nil
}

// Pause stops new claims fleet-wide and bumps the epoch. It is not
// idempotent on purpose: pausing an already paused system still fences out
// every lease issued before this call.
func (s *Store) Pause(ctx context.Context, mode PauseMode, reason, by string) (State, error) {
	if mode != PauseSoft && mode != PauseHard {
		return State{}, ErrInvalidMode
	}
	now := storage.UnixMillis(s.now())
	err := storage.RetryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
UPDATE runtime_control
SET processing_enabled = 0, pause_mode = ?, pause_reason = ?, paused_by = ?, paused_at = ?,
    control_epoch = control_epoch + 1, updated_at = ?
WHERE id = 1;`, string(mode), reason, by, now, now)
		return err
	})
	if err != nil {
		return State{}, fmt.Errorf("pause processing: %w", err)
	}

	st, err := s.Get(ctx)
	if err != nil {
		return State{}, err
	}
	s.logger.Warn("processing paused", "mode", mode, "reason", reason, "by", by, "epoch", st.Epoch)
	s.pub.Publish(events.ControlPaused, st)
	return st, nil
}

// Resume re-enables claims and bumps the epoch, even when already running.
func (s *Store) Resume(ctx context.Context, by string) (State, error) {
	now := storage.UnixMillis(s.now())
	err := storage.RetryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
UPDATE runtime_control
SET processing_enabled = 1, pause_mode = '', pause_reason = '', paused_by = '', paused_at = NULL,
    control_epoch = control_epoch + 1, updated_at = ?
WHERE id = 1;`, now)
		return err
	})
	if err != nil {
		return State{}, fmt.Errorf("resume processing: %w", err)
	}

	st, err := s.Get(ctx)
	if err != nil {
		return State{}, err
	}
	s.logger.Info("processing resumed", "by", by, "epoch", st.Epoch)
	s.pub.Publish(events.ControlResumed, st)
	return st, nil
}

func (s *Store) IsProcessingAllowed(ctx context.Context) (bool, error) {
	st, err := s.Get(ctx)
	if err != nil {
		return false, err
	}
	return st.ProcessingEnabled, nil
}

func (s *Store) CurrentEpoch(ctx context.Context) (int64, error) {
	st, err := s.Get(ctx)
	if err != nil {
		return 0, err
	}
	return st.Epoch, nil
}

// SetMaxConcurrentDispatches changes the global claim ceiling. It does not
// touch the epoch: lowering the ceiling never revokes existing leases.
func (s *Store) SetMaxConcurrentDispatches(ctx context.Context, n int) (State, error) {
	if n < 1 {
		return State{}, fmt.Errorf("max concurrent dispatches must be at least 1 (got %d)", n)
	}
	err := storage.RetryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
UPDATE runtime_control SET max_concurrent_dispatches = ?, updated_at = ? WHERE id = 1;`,
			n, storage.UnixMillis(s.now()))
		return err
	})
	if err != nil {
		return State{}, fmt.Errorf("set max concurrent dispatches: %w", err)
	}
	s.logger.Info("concurrency ceiling changed", "max_concurrent_dispatches", n)
	return s.Get(ctx)
}
