package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultMaxConcurrentDispatches seeds runtime_control on first bootstrap.
const DefaultMaxConcurrentDispatches = 4

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
//
// Transactions begin IMMEDIATE so a writer takes the lock up front and waits
// on busy_timeout instead of failing on lock upgrade. Within one process the
// pool is limited to a single connection; cross-process coordination relies
// on SQLite locking plus guarded updates.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	if err := validateSQLiteFilesystem(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// BootstrapSQLite creates tables/indexes if missing and seeds the
// runtime_control singleton.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runtime_control (
  id                        INTEGER PRIMARY KEY CHECK (id = 1),
  processing_enabled        INTEGER NOT NULL DEFAULT 1,
  pause_mode                TEXT NOT NULL DEFAULT '',
  pause_reason              TEXT NOT NULL DEFAULT '',
  paused_by                 TEXT NOT NULL DEFAULT '',
  paused_at                 INTEGER,
  control_epoch             INTEGER NOT NULL DEFAULT 1,
  max_concurrent_dispatches INTEGER NOT NULL DEFAULT 4,
  updated_at                INTEGER NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS queue_lane (
  queue_key          TEXT PRIMARY KEY,
  session_key        TEXT NOT NULL,
  agent_id           TEXT NOT NULL,
  channel            TEXT NOT NULL,
  plugin_instance_id TEXT NOT NULL DEFAULT '',
  state              TEXT NOT NULL DEFAULT 'idle',
  is_paused          INTEGER NOT NULL DEFAULT 0,
  debounce_until     INTEGER,
  debounce_ms        INTEGER NOT NULL DEFAULT 2000,
  max_queued         INTEGER NOT NULL DEFAULT 10,
  active_dispatch_id TEXT,
  mode               TEXT NOT NULL DEFAULT 'queue',
  pause_reason       TEXT NOT NULL DEFAULT '',
  paused_by          TEXT NOT NULL DEFAULT '',
  paused_at          INTEGER,
  batch_seq          INTEGER NOT NULL DEFAULT 0,
  last_claimed_at    INTEGER,
  created_at         INTEGER NOT NULL,
  updated_at         INTEGER NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS queue_message (
  seq                INTEGER PRIMARY KEY AUTOINCREMENT,
  id                 TEXT NOT NULL UNIQUE,
  queue_key          TEXT NOT NULL REFERENCES queue_lane(queue_key),
  work_item_id       TEXT NOT NULL,
  plugin_instance_id TEXT NOT NULL DEFAULT '',
  text               TEXT NOT NULL,
  sender_name        TEXT NOT NULL DEFAULT '',
  response_context   TEXT NOT NULL DEFAULT '',
  arrived_at         INTEGER NOT NULL,
  status             TEXT NOT NULL DEFAULT 'pending',
  dispatch_id        TEXT,
  drop_reason        TEXT NOT NULL DEFAULT '',
  settled_at         INTEGER,
  UNIQUE (queue_key, work_item_id)
);`,
		`CREATE TABLE IF NOT EXISTS run_dispatch (
  seq                     INTEGER PRIMARY KEY AUTOINCREMENT,
  id                      TEXT NOT NULL UNIQUE,
  run_key                 TEXT NOT NULL UNIQUE,
  queue_key               TEXT NOT NULL REFERENCES queue_lane(queue_key),
  work_item_id            TEXT NOT NULL DEFAULT '',
  agent_id                TEXT NOT NULL,
  plugin_instance_id      TEXT NOT NULL DEFAULT '',
  session_key             TEXT NOT NULL,
  status                  TEXT NOT NULL DEFAULT 'queued',
  control_state           TEXT NOT NULL DEFAULT 'normal',
  control_reason          TEXT NOT NULL DEFAULT '',
  control_updated_at      INTEGER,
  input_text              TEXT NOT NULL DEFAULT '',
  coalesced_text          TEXT NOT NULL DEFAULT '',
  sender_name             TEXT NOT NULL DEFAULT '',
  response_context        TEXT NOT NULL DEFAULT '',
  job_id                  TEXT,
  attempt_count           INTEGER NOT NULL DEFAULT 0,
  max_attempts            INTEGER NOT NULL DEFAULT 3,
  claimed_by              TEXT,
  lease_expires_at        INTEGER,
  claimed_epoch           INTEGER NOT NULL DEFAULT 0,
  steer_locked            INTEGER NOT NULL DEFAULT 0,
  last_error              TEXT NOT NULL DEFAULT '',
  replay_of_dispatch_id   TEXT,
  merged_into_dispatch_id TEXT,
  scheduled_at            INTEGER NOT NULL,
  started_at              INTEGER,
  finished_at             INTEGER,
  created_at              INTEGER NOT NULL,
  updated_at              INTEGER NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS outbox_effect (
  seq                INTEGER PRIMARY KEY AUTOINCREMENT,
  id                 TEXT NOT NULL UNIQUE,
  effect_key         TEXT NOT NULL UNIQUE,
  dispatch_id        TEXT NOT NULL REFERENCES run_dispatch(id),
  dispatch_attempt   INTEGER NOT NULL DEFAULT 0,
  plugin_instance_id TEXT NOT NULL DEFAULT '',
  work_item_id       TEXT NOT NULL DEFAULT '',
  job_id             TEXT,
  channel            TEXT NOT NULL,
  kind               TEXT NOT NULL,
  payload            TEXT NOT NULL DEFAULT '',
  response_context   TEXT NOT NULL DEFAULT '',
  status             TEXT NOT NULL DEFAULT 'pending',
  retryable          INTEGER NOT NULL DEFAULT 1,
  attempt_count      INTEGER NOT NULL DEFAULT 0,
  max_attempts       INTEGER NOT NULL DEFAULT 5,
  next_attempt_at    INTEGER NOT NULL,
  claimed_by         TEXT,
  lease_expires_at   INTEGER,
  claimed_epoch      INTEGER NOT NULL DEFAULT 0,
  provider_ref       TEXT NOT NULL DEFAULT '',
  last_error         TEXT NOT NULL DEFAULT '',
  unknown_reason     TEXT NOT NULL DEFAULT '',
  released_by        TEXT NOT NULL DEFAULT '',
  released_at        INTEGER,
  sent_at            INTEGER,
  created_at         INTEGER NOT NULL,
  updated_at         INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS queue_lane_state_debounce_idx ON queue_lane(state, debounce_until);`,
		`CREATE INDEX IF NOT EXISTS queue_message_lane_status_idx ON queue_message(queue_key, status, arrived_at, seq);`,
		`CREATE INDEX IF NOT EXISTS queue_message_dispatch_idx ON queue_message(dispatch_id);`,
		`CREATE INDEX IF NOT EXISTS run_dispatch_status_scheduled_idx ON run_dispatch(status, scheduled_at);`,
		`CREATE INDEX IF NOT EXISTS run_dispatch_lane_idx ON run_dispatch(queue_key, status, scheduled_at, seq);`,
		`CREATE INDEX IF NOT EXISTS outbox_effect_status_next_idx ON outbox_effect(status, next_attempt_at);`,
		`CREATE INDEX IF NOT EXISTS outbox_effect_dispatch_idx ON outbox_effect(dispatch_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}

	_, err := db.ExecContext(ctx, `
INSERT OR IGNORE INTO runtime_control (id, processing_enabled, control_epoch, max_concurrent_dispatches, updated_at)
VALUES (1, 1, 1, ?, ?);`, DefaultMaxConcurrentDispatches, UnixMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("seed runtime_control: %w", err)
	}
	return nil
}
