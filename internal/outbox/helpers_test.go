package outbox

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
	"github.com/mattjoyce/runlane/internal/control"
	"github.com/mattjoyce/runlane/internal/dispatch"
	"github.com/mattjoyce/runlane/internal/storage"
)

const testLease = 30 * time.Second

type testClock struct {
	mu sync.Mutex
	t  time.Time
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

type fixture struct {
	db         *sql.DB
	clk        *testClock
	dispatches *dispatch.Store
	outbox     *Store
	control    *control.Store
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "runlane.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clk := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{
		WithClock(clk.Now),
		WithBackoff(backoff.Policy{Base: time.Second, Max: 10 * time.Second}),
	}, opts...)
	return &fixture{
		db:         db,
		clk:        clk,
		dispatches: dispatch.NewStore(db, dispatch.WithClock(clk.Now)),
		outbox:     New(db, opts...),
		control:    control.New(db, control.WithClock(clk.Now)),
	}
}

// claimedRun creates a dispatch whose replies go to responseContext and
// claims it.
func (f *fixture) claimedRun(t *testing.T, responseContext string) (*dispatch.Dispatch, dispatch.Lease) {
	t.Helper()
	ctx := context.Background()
	key := "session|agent|" + uuid.NewString()[:8]
	_, err := f.db.Exec(`
INSERT INTO queue_lane (queue_key, session_key, agent_id, channel, created_at, updated_at)
VALUES (?, 'session', 'agent', 'test', 0, 0);`, key)
	require.NoError(t, err)

	err = storage.WithTx(ctx, f.db, func(tx *sql.Tx) error {
		d, err := f.dispatches.InsertTx(ctx, tx, dispatch.NewDispatch{
			RunKey: key + "#1", QueueKey: key, AgentID: "agent", SessionKey: "session",
		})
		if err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE run_dispatch SET response_context = ? WHERE id = ?;`, responseContext, d.ID)
		return err
	})
	require.NoError(t, err)

	d, lease, err := f.dispatches.ClaimNext(ctx, "worker-a", testLease)
	require.NoError(t, err)
	require.NotNil(t, d)
	return d, *lease
}

// pendingEffect enqueues one effect on a fresh run and finishes the run.
func (f *fixture) pendingEffect(t *testing.T, channel string) *Effect {
	t.Helper()
	ctx := context.Background()
	_, lease := f.claimedRun(t, `{"chat_id": 42}`)
	e, err := f.outbox.Enqueue(ctx, lease, EffectRequest{
		Channel: channel,
		Kind:    "reply",
		Payload: []byte(`{"text":"hello"}`),
	})
	require.NoError(t, err)
	_, err = f.dispatches.Complete(ctx, lease, dispatch.Outcome{Kind: dispatch.OutcomeCompleted})
	require.NoError(t, err)
	return e
}

func (f *fixture) claim(t *testing.T) (*Effect, Lease) {
	t.Helper()
	e, lease, err := f.outbox.ClaimNext(context.Background(), "deliverer-a", testLease)
	require.NoError(t, err)
	require.NotNil(t, e, "expected a claimable effect")
	return e, *lease
}
