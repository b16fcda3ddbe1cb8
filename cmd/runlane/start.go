package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattjoyce/runlane/internal/api"
	"github.com/mattjoyce/runlane/internal/auth"
	"github.com/mattjoyce/runlane/internal/config"
	"github.com/mattjoyce/runlane/internal/dispatch"
	"github.com/mattjoyce/runlane/internal/lock"
	"github.com/mattjoyce/runlane/internal/log"
	"github.com/mattjoyce/runlane/internal/outbox"
	"github.com/mattjoyce/runlane/internal/scheduler"
	"github.com/mattjoyce/runlane/internal/tui/watch"
	"github.com/mattjoyce/runlane/internal/webhook"
)

func runSystemNoun(args []string) int {
	action, rest, code, ok := nounAction("system", []string{"start", "status", "watch"}, args)
	if !ok {
		return code
	}
	switch action {
	case "start":
		return runStart(rest)
	case "status":
		return runSystemStatus(rest)
	case "watch":
		return runWatch(rest)
	default:
		return unknownAction("system", action)
	}
}

// runWatch opens the live dashboard against a running instance. URL and
// key default to the API listener and the first configured token.
func runWatch(args []string) int {
	fs := newFlagSet("watch")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	apiURL := fs.String("url", "", "API base URL (default: from api.listen)")
	apiKey := fs.String("api-key", "", "Bearer token (default: from api.auth)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *apiURL == "" || *apiKey == "" {
		cfg, _, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
			return 1
		}
		if *apiURL == "" {
			*apiURL = "http://" + cfg.API.Listen
		}
		if *apiKey == "" {
			*apiKey = cfg.API.Auth.APIKey
			if *apiKey == "" && len(cfg.API.Auth.Tokens) > 0 {
				*apiKey = cfg.API.Auth.Tokens[0].Token
			}
		}
	}

	if err := watch.Run(*apiURL, *apiKey); err != nil {
		fmt.Fprintf(stderr, "watch: %v\n", err)
		return 1
	}
	return 0
}

func runStart(args []string) int {
	fs := newFlagSet("start")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, resolved, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("runlane starting", "version", version, "config", resolved)

	workerID := cfg.Service.WorkerID
	if workerID == "" {
		workerID = defaultWorkerID()
	}
	workerLock, err := lock.AcquireWorker(filepath.Dir(cfg.State.Path), workerID)
	if err != nil {
		logger.Error("failed to acquire worker lock (another process may use this worker id)", "worker_id", workerID, "error", err)
		return 1
	}
	defer workerLock.Release()
	logger.Info("acquired worker lock", "path", workerLock.Path(), "worker_id", workerID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := openStack(ctx, cfg)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer s.db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	if err := seedControl(ctx, s, cfg); err != nil {
		logger.Error("failed to seed runtime control", "error", err)
		return 1
	}

	registry, err := buildRegistry(cfg.Outbox.Adapters)
	if err != nil {
		logger.Error("failed to configure outbox adapters", "error", err)
		return 1
	}

	dispatcher := dispatch.NewDispatcher(s.dispatches, buildExecutor(cfg.Dispatch.Executor), s.effects, dispatch.PoolConfig{
		WorkerID:     workerID,
		Workers:      cfg.Dispatch.Workers,
		Lease:        cfg.Dispatch.Lease,
		PollInterval: cfg.Dispatch.PollInterval,
	})
	deliverer := outbox.NewDeliverer(s.effects, registry, outbox.PoolConfig{
		WorkerID:       workerID,
		Workers:        cfg.Outbox.Workers,
		Lease:          cfg.Outbox.Lease,
		PollInterval:   cfg.Outbox.PollInterval,
		AttemptTimeout: cfg.Outbox.AttemptTimeout,
	}, s.metrics)
	sched := scheduler.New(cfg, s.lanes, s.dispatches, s.effects, s.hub, s.metrics, log.WithComponent("scheduler"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 5)
	done := make(chan struct{})
	components := 0
	run := func(name string, start func(context.Context) error) {
		components++
		go func() {
			defer func() { done <- struct{}{} }()
			if err := start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	run("scheduler", sched.Start)
	run("dispatcher", dispatcher.Start)
	run("deliverer", deliverer.Start)

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
		}
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
			Tokens: tokens,
		}, api.Deps{
			Control:    s.control,
			Lanes:      s.lanes,
			Dispatches: s.dispatches,
			Effects:    s.effects,
			Events:     s.hub,
			Metrics:    s.metrics,
		}, log.Get())
		run("api", apiServer.Start)
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if cfg.Webhooks != nil && len(cfg.Webhooks.Endpoints) > 0 {
		webhookConfig, err := webhook.FromGlobalConfig(cfg.Webhooks)
		if err != nil {
			logger.Error("failed to configure webhooks", "error", err)
			cancel()
			return 1
		}
		webhookServer := webhook.New(webhookConfig, s.lanes, log.Get())
		run("webhook", webhookServer.Start)
		logger.Info("webhook server enabled", "listen", webhookConfig.Listen, "endpoints", len(webhookConfig.Endpoints))
	}

	logger.Info("runlane running (press Ctrl+C to stop)", "worker_id", workerID)

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}
	cancel()
	sched.Stop()

	// Workers release their claims on the way out; wait for them so the
	// database is not closed underneath.
	timeout := time.After(15 * time.Second)
	for i := 0; i < components; i++ {
		select {
		case <-done:
		case <-timeout:
			logger.Warn("shutdown timed out", "pending", components-i)
			return code
		}
	}
	logger.Info("runlane stopped")
	return code
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "runlane"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// seedControl applies the configured concurrency ceiling at boot. Runtime
// changes through the API or CLI hold until the next restart.
func seedControl(ctx context.Context, s *stack, cfg *config.Config) error {
	st, err := s.control.Get(ctx)
	if err != nil {
		return err
	}
	if st.MaxConcurrentDispatches == cfg.Control.MaxConcurrentDispatches {
		return nil
	}
	_, err = s.control.SetMaxConcurrentDispatches(ctx, cfg.Control.MaxConcurrentDispatches)
	return err
}

func buildExecutor(ec config.ExecutorConfig) dispatch.Executor {
	if ec.Kind == "exec" {
		return dispatch.Exec{
			Command: ec.Command,
			Args:    ec.Args,
			Timeout: ec.Timeout,
			Channel: ec.Channel,
		}
	}
	return dispatch.Echo{Channel: ec.Channel}
}

func buildRegistry(ac config.AdaptersConfig) (*outbox.Registry, error) {
	r := outbox.NewRegistry()
	if ac.Log != nil {
		if err := r.Register(outbox.LogAdapter{Logger: log.WithComponent("outbox.log")}, ac.Log.Channels...); err != nil {
			return nil, err
		}
	}
	if ac.HTTP != nil {
		a := outbox.HTTPAdapter{Client: &http.Client{}, Headers: ac.HTTP.Headers}
		if err := r.Register(a, ac.HTTP.Channels...); err != nil {
			return nil, err
		}
	}
	if ac.Telegram != nil {
		if err := r.Register(outbox.NewTelegramAdapter(ac.Telegram.Token), ac.Telegram.Channels...); err != nil {
			return nil, err
		}
	}
	return r, nil
}
