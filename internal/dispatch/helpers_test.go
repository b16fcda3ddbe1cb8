package dispatch

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/runlane/internal/backoff"
	"github.com/mattjoyce/runlane/internal/storage"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openTestDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runlane.db")
	db, err := storage.OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, path
}

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	db, _ := openTestDB(t)
	clk := newTestClock()
	s := NewStore(db, WithClock(clk.Now), WithBackoff(backoff.Policy{Base: time.Second, Max: 10 * time.Second}))
	return s, clk
}

func seedLane(t *testing.T, db *sql.DB, key string) {
	t.Helper()
	_, err := db.Exec(`
INSERT OR IGNORE INTO queue_lane (queue_key, session_key, agent_id, channel, created_at, updated_at)
VALUES (?, 'session', 'agent', 'test', 0, 0);`, key)
	require.NoError(t, err)
}

// seedDispatch creates a queued dispatch on lane key holding lines as its
// coalesced messages.
func seedDispatch(t *testing.T, s *Store, key string, lines ...Line) *Dispatch {
	t.Helper()
	ctx := context.Background()
	seedLane(t, s.db, key)

	var d *Dispatch
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		d, err = s.InsertTx(ctx, tx, NewDispatch{
			RunKey:     key + "#" + uuid.NewString(),
			QueueKey:   key,
			AgentID:    "agent",
			SessionKey: "session",
		})
		if err != nil {
			return err
		}
		base := storage.UnixMillis(s.now())
		for i, l := range lines {
			_, err := tx.Exec(`
INSERT INTO queue_message (id, queue_key, work_item_id, text, sender_name, arrived_at, status, dispatch_id)
VALUES (?, ?, ?, ?, ?, ?, 'coalesced', ?);`,
				uuid.NewString(), key, uuid.NewString(), l.Text, l.Sender, base+int64(i), d.ID)
			if err != nil {
				return err
			}
		}
		d, err = RefreshTranscriptTx(ctx, tx, d.ID, s.now())
		return err
	})
	require.NoError(t, err)
	return d
}

type recordingEmitter struct {
	mu      sync.Mutex
	effects []Effect
	leases  []Lease
	err     error
}

func (r *recordingEmitter) Emit(_ context.Context, lease Lease, e Effect) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.effects = append(r.effects, e)
	r.leases = append(r.leases, lease)
	return uuid.NewString(), nil
}

func (r *recordingEmitter) Effects() []Effect {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Effect(nil), r.effects...)
}
