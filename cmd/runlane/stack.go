package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/mattjoyce/runlane/internal/backoff"
	"github.com/mattjoyce/runlane/internal/config"
	"github.com/mattjoyce/runlane/internal/control"
	"github.com/mattjoyce/runlane/internal/dispatch"
	"github.com/mattjoyce/runlane/internal/events"
	"github.com/mattjoyce/runlane/internal/inspect"
	"github.com/mattjoyce/runlane/internal/lane"
	"github.com/mattjoyce/runlane/internal/metrics"
	"github.com/mattjoyce/runlane/internal/outbox"
	"github.com/mattjoyce/runlane/internal/storage"
)

// stack is every store over one database, wired the same way for the
// service and for one-shot admin commands.
type stack struct {
	cfg        *config.Config
	db         *sql.DB
	hub        *events.Hub
	metrics    *metrics.Metrics
	control    *control.Store
	dispatches *dispatch.Store
	lanes      *lane.Store
	effects    *outbox.Store
}

func loadConfig(configPath string) (*config.Config, string, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			return nil, "", err
		}
		configPath = discovered
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, err
	}
	return cfg, configPath, nil
}

func openStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, err
	}

	s := &stack{cfg: cfg, db: db, hub: events.NewHub(256)}
	if cfg.Metrics.Enabled {
		s.metrics = metrics.New(cfg.Metrics.Namespace)
	}
	s.control = control.New(db, control.WithPublisher(s.hub))
	s.dispatches = dispatch.NewStore(db,
		dispatch.WithPublisher(s.hub),
		dispatch.WithMetrics(s.metrics),
		dispatch.WithBackoff(backoff.Policy{Base: cfg.Dispatch.BackoffBase, Max: cfg.Dispatch.BackoffMax}),
	)
	s.lanes = lane.New(db, s.dispatches,
		lane.WithPublisher(s.hub),
		lane.WithMetrics(s.metrics),
		lane.WithDefaults(lane.Defaults{
			Debounce:    cfg.Lanes.Debounce,
			MaxQueued:   cfg.Lanes.MaxQueued,
			Mode:        lane.Mode(cfg.Lanes.Mode),
			MaxAttempts: cfg.Dispatch.MaxAttempts,
		}),
	)
	s.effects = outbox.New(db,
		outbox.WithPublisher(s.hub),
		outbox.WithMetrics(s.metrics),
		outbox.WithBackoff(backoff.Policy{Base: cfg.Outbox.BackoffBase, Max: cfg.Outbox.BackoffMax}),
		outbox.WithMaxAttempts(cfg.Outbox.MaxAttempts),
	)
	return s, nil
}

// withStack loads config, opens the stores and runs fn, reporting errors on
// stderr.
func withStack(configPath string, fn func(ctx context.Context, s *stack) error) int {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := openStack(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer s.db.Close()

	if err := fn(ctx, s); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func (s *stack) sources() inspect.Sources {
	return inspect.Sources{Dispatches: s.dispatches, Lanes: s.lanes, Effects: s.effects}
}

// operator names the person behind a CLI action.
func operator(by string) string {
	if by != "" {
		return by
	}
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}
