package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/runlane/internal/config"
	"github.com/mattjoyce/runlane/internal/events"
	"github.com/mattjoyce/runlane/internal/metrics"
)

// Scheduler drives the time-based transitions nothing else triggers:
// closing debounce windows and recovering leases whose holder went away.
type Scheduler struct {
	interval   time.Duration
	lanes      LaneFlusher
	dispatches DispatchService
	effects    EffectService
	events     events.Publisher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// New creates a Scheduler. A nil hub discards events.
func New(cfg *config.Config, lanes LaneFlusher, dispatches DispatchService, effects EffectService, hub events.Publisher, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if hub == nil {
		hub = events.Discard{}
	}
	interval := cfg.Service.TickInterval
	if interval <= 0 {
		interval = config.Defaults().Service.TickInterval
	}
	return &Scheduler{
		interval:   interval,
		lanes:      lanes,
		dispatches: dispatches,
		effects:    effects,
		events:     hub,
		metrics:    m,
		logger:     logger.With("component", "scheduler"),
		stopCh:     make(chan struct{}),
	}
}

// Start runs crash recovery, then the tick loop in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("starting scheduler", "tick_interval", s.interval)

	if err := s.recover(ctx); err != nil {
		return fmt.Errorf("scheduler crash recovery failed: %w", err)
	}

	s.wg.Add(1)
	go s.tickLoop(ctx)
	return nil
}

// Stop ends the tick loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("stopping scheduler")
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Debug("scheduler context cancelled, stopping tick loop")
			return
		}
	}
}

// Tick performs one scheduling pass. Each step runs even if an earlier one
// failed.
func (s *Scheduler) Tick(ctx context.Context) {
	flushed, err := s.lanes.FlushDue(ctx)
	if err != nil {
		s.logger.Error("failed to flush due lanes", "error", err)
	}

	dispatches, err := s.dispatches.RequeueExpired(ctx)
	if err != nil {
		s.logger.Error("failed to requeue expired dispatches", "error", err)
	}

	effects, err := s.effects.RequeueExpired(ctx)
	if err != nil {
		s.logger.Error("failed to requeue expired effects", "error", err)
	}

	if active, err := s.dispatches.ActiveCount(ctx); err != nil {
		s.logger.Error("failed to count active dispatches", "error", err)
	} else {
		s.metrics.SetActiveDispatches(active)
	}

	s.logger.Debug("scheduler tick", "flushed", flushed, "dispatches_requeued", dispatches, "effects_requeued", effects)
	s.events.Publish(events.SchedulerTick, map[string]any{
		"at":                  time.Now().UTC(),
		"flushed":             flushed,
		"dispatches_requeued": dispatches,
		"effects_requeued":    effects,
	})
}

// recover releases every lease that expired while no process was running,
// then flushes windows that closed in the meantime.
func (s *Scheduler) recover(ctx context.Context) error {
	s.logger.Info("performing crash recovery")

	dispatches, err := s.dispatches.RequeueExpired(ctx)
	if err != nil {
		return fmt.Errorf("recover dispatch leases: %w", err)
	}
	effects, err := s.effects.RequeueExpired(ctx)
	if err != nil {
		return fmt.Errorf("recover effect leases: %w", err)
	}
	flushed, err := s.lanes.FlushDue(ctx)
	if err != nil {
		return fmt.Errorf("flush overdue lanes: %w", err)
	}

	if dispatches+effects == 0 {
		s.logger.Info("no orphaned leases found", "flushed", flushed)
	} else {
		s.logger.Warn("recovered orphaned leases", "dispatches", dispatches, "effects", effects, "flushed", flushed)
	}
	s.events.Publish(events.SchedulerRecovered, map[string]any{
		"dispatches": dispatches,
		"effects":    effects,
		"flushed":    flushed,
	})
	return nil
}
