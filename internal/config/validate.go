package config

import (
	"errors"
	"fmt"
	"strings"
)

func validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if cfg.Service.TickInterval <= 0 {
		add("service.tick_interval must be positive")
	}
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		add("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		add("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if cfg.State.Path == "" {
		add("state.path is required")
	}
	if cfg.Control.MaxConcurrentDispatches < 1 {
		add("control.max_concurrent_dispatches must be at least 1")
	}

	if cfg.Lanes.Debounce < 0 {
		add("lanes.debounce must not be negative")
	}
	if cfg.Lanes.MaxQueued < 1 {
		add("lanes.max_queued must be at least 1")
	}
	if cfg.Lanes.Mode != "steer" && cfg.Lanes.Mode != "queue" {
		add("lanes.mode must be steer or queue (got %q)", cfg.Lanes.Mode)
	}

	d := cfg.Dispatch
	validatePool(add, "dispatch", d.Workers, d.MaxAttempts, d.Lease.Milliseconds(), d.PollInterval.Milliseconds(), d.BackoffBase.Milliseconds(), d.BackoffMax.Milliseconds())
	switch d.Executor.Kind {
	case "echo":
	case "exec":
		if d.Executor.Command == "" {
			add("dispatch.executor.command is required for kind exec")
		}
		if d.Executor.Timeout <= 0 {
			add("dispatch.executor.timeout must be positive")
		}
	default:
		add("dispatch.executor.kind must be echo or exec (got %q)", d.Executor.Kind)
	}
	if d.Executor.Channel == "" {
		add("dispatch.executor.channel is required")
	}

	o := cfg.Outbox
	validatePool(add, "outbox", o.Workers, o.MaxAttempts, o.Lease.Milliseconds(), o.PollInterval.Milliseconds(), o.BackoffBase.Milliseconds(), o.BackoffMax.Milliseconds())
	if o.AttemptTimeout <= 0 {
		add("outbox.attempt_timeout must be positive")
	} else if o.AttemptTimeout >= o.Lease {
		add("outbox.attempt_timeout must be shorter than outbox.lease")
	}
	if t := o.Adapters.Telegram; t != nil {
		if t.Token == "" {
			add("outbox.adapters.telegram.token is required")
		}
		if msg := unresolved("outbox.adapters.telegram.token", t.Token); msg != nil {
			errs = append(errs, msg)
		}
	}
	if !hasAdapterFor(cfg, d.Executor.Channel) {
		add("no outbox adapter handles channel %q used by dispatch.executor.channel", d.Executor.Channel)
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			add("api.listen is required when api is enabled")
		}
		if msg := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); msg != nil {
			errs = append(errs, msg)
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				add("api.auth.tokens[%d].token is required", i)
			}
			if msg := unresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); msg != nil {
				errs = append(errs, msg)
			}
			if len(tok.Scopes) == 0 {
				add("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	if cfg.Webhooks != nil {
		if cfg.Webhooks.Listen == "" {
			add("webhooks.listen is required")
		}
		seen := map[string]bool{}
		for i, ep := range cfg.Webhooks.Endpoints {
			if !strings.HasPrefix(ep.Path, "/") {
				add("webhooks.endpoints[%d].path must start with /", i)
			}
			if seen[ep.Path] {
				add("webhooks.endpoints[%d].path %q is duplicated", i, ep.Path)
			}
			seen[ep.Path] = true
			if ep.Channel == "" {
				add("webhooks.endpoints[%d].channel is required", i)
			}
			if ep.Secret == "" {
				add("webhooks.endpoints[%d].secret is required", i)
			}
			if msg := unresolved(fmt.Sprintf("webhooks.endpoints[%d].secret", i), ep.Secret); msg != nil {
				errs = append(errs, msg)
			}
		}
	}

	return errors.Join(errs...)
}

func validatePool(add func(string, ...any), section string, workers, maxAttempts int, lease, poll, base, maxBackoff int64) {
	if workers < 1 {
		add("%s.workers must be at least 1", section)
	}
	if maxAttempts < 1 {
		add("%s.max_attempts must be at least 1", section)
	}
	if lease <= 0 {
		add("%s.lease must be positive", section)
	}
	if poll <= 0 {
		add("%s.poll_interval must be positive", section)
	}
	if base <= 0 || maxBackoff < base {
		add("%s.backoff_base must be positive and not exceed %s.backoff_max", section, section)
	}
}

func unresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

func hasAdapterFor(cfg *Config, channel string) bool {
	a := cfg.Outbox.Adapters
	var lists [][]string
	if a.Log != nil {
		lists = append(lists, a.Log.Channels)
	}
	if a.HTTP != nil {
		lists = append(lists, a.HTTP.Channels)
	}
	if a.Telegram != nil {
		lists = append(lists, a.Telegram.Channels)
	}
	for _, l := range lists {
		for _, c := range l {
			if c == channel {
				return true
			}
		}
	}
	return false
}
