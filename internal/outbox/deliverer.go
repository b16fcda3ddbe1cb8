package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mattjoyce/runlane/internal/dispatch"
	"github.com/mattjoyce/runlane/internal/log"
	"github.com/mattjoyce/runlane/internal/metrics"
)

const (
	OutcomeSent    = "sent"
	OutcomeRetry   = "retry"
	OutcomeFailed  = "failed"
	OutcomeUnknown = "unknown"
)

// PoolConfig sizes a Deliverer. AttemptTimeout bounds one adapter call and
// must be shorter than Lease so the lease outlives the send.
type PoolConfig struct {
	WorkerID       string
	Workers        int
	Lease          time.Duration
	PollInterval   time.Duration
	AttemptTimeout time.Duration
}

// Deliverer claims pending effects and hands them to their channel
// adapters. Each effect is claimed and settled on its own.
type Deliverer struct {
	store    *Store
	registry *Registry
	cfg      PoolConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewDeliverer(store *Store, registry *Registry, cfg PoolConfig, m *metrics.Metrics) *Deliverer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.AttemptTimeout <= 0 || cfg.AttemptTimeout >= cfg.Lease {
		cfg.AttemptTimeout = cfg.Lease / 2
	}
	return &Deliverer{
		store:    store,
		registry: registry,
		cfg:      cfg,
		metrics:  m,
		logger:   log.WithComponent("deliverer"),
	}
}

// Start runs the delivery workers until ctx is cancelled.
func (d *Deliverer) Start(ctx context.Context) error {
	d.logger.Info("delivery workers started", "workers", d.cfg.Workers, "channels", d.registry.Channels())
	defer d.logger.Info("delivery workers stopped")

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s/outbox/%d", d.cfg.WorkerID, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.loop(ctx, workerID)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (d *Deliverer) loop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for ctx.Err() == nil {
			did, err := d.DeliverOnce(ctx, workerID)
			if err != nil && ctx.Err() == nil {
				d.logger.Error("delivery iteration failed", "worker_id", workerID, "error", err)
			}
			if !did || err != nil {
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

// DeliverOnce claims at most one effect and settles it. It reports whether
// an effect was claimed.
func (d *Deliverer) DeliverOnce(ctx context.Context, workerID string) (bool, error) {
	e, lease, err := d.store.ClaimNext(ctx, workerID, d.cfg.Lease)
	if err != nil {
		return false, err
	}
	if e == nil {
		return false, nil
	}
	return true, d.deliver(ctx, e, *lease)
}

func (d *Deliverer) deliver(ctx context.Context, e *Effect, lease Lease) error {
	logger := log.WithEffect(e.ID).With("channel", e.Channel, "attempt", lease.Attempt)

	directive, reason, err := d.store.Checkpoint(ctx, lease)
	if err != nil {
		return err
	}
	if directive == dispatch.Abort {
		logger.Warn("delivery aborted before send", "reason", reason)
		return ignoreLeaseLost(d.store.Yield(ctx, lease))
	}

	adapter, err := d.registry.Lookup(e.Channel)
	if err != nil {
		_, merr := d.store.MarkFailed(ctx, lease, err.Error(), false)
		d.metrics.EffectOutcome(e.Channel, OutcomeFailed, 0)
		return ignoreLeaseLost(merr)
	}

	actx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	started := time.Now()
	ref, sendErr := adapter.Deliver(actx, e)
	cancel()
	took := time.Since(started)

	// The send outcome is recorded even when the worker is shutting down.
	rctx := context.WithoutCancel(ctx)
	outcome := Classify(sendErr)
	switch outcome {
	case OutcomeSent:
		_, err = d.store.MarkSent(rctx, lease, ref)
	case OutcomeUnknown:
		_, err = d.store.MarkUnknown(rctx, lease, sendErr.Error())
	case OutcomeFailed:
		_, err = d.store.MarkFailed(rctx, lease, sendErr.Error(), false)
	default:
		_, err = d.store.MarkFailed(rctx, lease, sendErr.Error(), true)
	}
	d.metrics.EffectOutcome(e.Channel, outcome, took)
	if errors.Is(err, ErrLeaseLost) {
		logger.Warn("delivery outcome rejected, lease no longer held", "outcome", outcome)
		return nil
	}
	return err
}

// Classify maps an adapter error to a delivery outcome.
func Classify(err error) string {
	if err == nil {
		return OutcomeSent
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return OutcomeFailed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeUnknown
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeUnknown
	}
	return OutcomeRetry
}

func ignoreLeaseLost(err error) error {
	if errors.Is(err, ErrLeaseLost) {
		return nil
	}
	return err
}
