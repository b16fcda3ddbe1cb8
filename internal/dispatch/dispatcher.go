package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/runlane/internal/log"
)

// releaseTimeout bounds the write that hands a claim back on shutdown.
const releaseTimeout = 5 * time.Second

// PoolConfig sizes a Dispatcher.
type PoolConfig struct {
	WorkerID     string
	Workers      int
	Lease        time.Duration
	PollInterval time.Duration
}

// Dispatcher claims dispatches and runs them through an Executor, keeping
// each lease alive with a heartbeat while the executor works.
type Dispatcher struct {
	store   *Store
	exec    Executor
	emitter Emitter
	cfg     PoolConfig
	logger  *slog.Logger
}

func NewDispatcher(store *Store, exec Executor, emitter Emitter, cfg PoolConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Dispatcher{
		store:   store,
		exec:    exec,
		emitter: emitter,
		cfg:     cfg,
		logger:  log.WithComponent("dispatcher"),
	}
}

// Start runs the worker pool until ctx is cancelled. In-flight attempts are
// released back to queued on the way out.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("dispatch workers started", "workers", d.cfg.Workers, "worker_id", d.cfg.WorkerID)
	defer d.logger.Info("dispatch workers stopped")

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s/%d", d.cfg.WorkerID, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.loop(ctx, workerID)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (d *Dispatcher) loop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Drain: keep claiming while work is available.
		for ctx.Err() == nil {
			ran, err := d.RunOnce(ctx, workerID)
			if err != nil && ctx.Err() == nil {
				d.logger.Error("dispatch worker iteration failed", "worker_id", workerID, "error", err)
			}
			if !ran || err != nil {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims at most one dispatch and drives it to an outcome. It
// reports whether anything was claimed.
func (d *Dispatcher) RunOnce(ctx context.Context, workerID string) (bool, error) {
	claimed, lease, err := d.store.ClaimNext(ctx, workerID, d.cfg.Lease)
	if err != nil {
		return false, err
	}
	if claimed == nil {
		return false, nil
	}
	d.execute(ctx, claimed, *lease)
	return true, nil
}

func (d *Dispatcher) execute(ctx context.Context, claimed *Dispatch, lease Lease) {
	logger := log.WithDispatch(claimed.ID).With("queue_key", claimed.QueueKey, "attempt", lease.Attempt)

	if err := d.store.Start(ctx, lease, ""); err != nil {
		logger.Warn("could not start claimed dispatch", "error", err)
		return
	}

	run := NewRun(d.store, d.emitter, claimed, lease)
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		d.heartbeat(runCtx, run, cancel, logger)
	}()

	execErr := d.exec.Execute(runCtx, run)
	cancel(nil)
	<-hbDone

	if errors.Is(context.Cause(runCtx), ErrLeaseLost) {
		logger.Warn("abandoning attempt after lease loss", "error", execErr)
		d.yield(ctx, run.Lease(), logger)
		return
	}
	if ctx.Err() != nil {
		rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer rcancel()
		if err := d.store.Release(rctx, run.Lease(), "worker shutting down"); err != nil {
			logger.Warn("could not release dispatch on shutdown", "error", err)
		}
		return
	}

	out, ok := outcomeFor(execErr)
	if !ok {
		logger.Warn("abandoning attempt", "error", execErr)
		d.yield(ctx, run.Lease(), logger)
		return
	}
	if execErr != nil && out.Kind == OutcomeFailed {
		logger.Warn("executor failed", "error", execErr, "retryable", out.Retryable)
	}
	if _, err := d.store.Complete(ctx, run.Lease(), out); err != nil {
		if errors.Is(err, ErrLeaseLost) {
			logger.Warn("outcome rejected, lease no longer held", "outcome", out.Kind)
			return
		}
		logger.Error("failed to record dispatch outcome", "outcome", out.Kind, "error", err)
	}
}

// yield hands an abandoned claim back when a control epoch bump voided it.
// Any other loss is left to lease expiry.
func (d *Dispatcher) yield(ctx context.Context, lease Lease, logger *slog.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := d.store.Yield(rctx, lease); err != nil && !errors.Is(err, ErrLeaseLost) {
		logger.Warn("could not yield voided dispatch", "error", err)
	}
}

// heartbeat renews the lease every third of its duration. When renewal is
// refused and the checkpoint confirms the lease is void, the run context is
// cancelled with ErrLeaseLost. A soft pause refuses renewal but keeps the
// lease honoured, so the attempt continues until it expires.
func (d *Dispatcher) heartbeat(ctx context.Context, run *Run, cancel context.CancelCauseFunc, logger *slog.Logger) {
	ticker := time.NewTicker(d.cfg.Lease / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		renewed, err := d.store.Renew(ctx, run.Lease(), d.cfg.Lease)
		if err == nil {
			run.setLease(renewed)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if !errors.Is(err, ErrLeaseLost) {
			logger.Warn("lease renewal failed", "error", err)
			continue
		}

		cp, cerr := d.store.Checkpoint(ctx, run.Lease())
		if cerr != nil && ctx.Err() == nil {
			logger.Warn("checkpoint after refused renewal failed", "error", cerr)
			continue
		}
		if cp.Directive == Abort {
			logger.Warn("lease lost, stopping attempt", "reason", cp.Reason)
			cancel(ErrLeaseLost)
			return
		}
	}
}
