// Package doctor lints a loaded runlane configuration for mistakes the
// loader accepts but an operator almost certainly did not intend.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os/exec"
	"slices"
	"strings"

	"github.com/mattjoyce/runlane/internal/auth"
	"github.com/mattjoyce/runlane/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor checks a configuration.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

// New creates a Doctor for a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateAdapters(r)
	d.validateExecutor(r)
	d.validateTokenScopes(r)
	d.validateWebhooks(r)
	d.warnAPIExposure(r)
	d.warnTimings(r)
	d.warnDeprecatedSyntax(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// adapterChannels lists every channel bound by each configured adapter.
func (d *Doctor) adapterChannels() map[string][]string {
	a := d.cfg.Outbox.Adapters
	out := map[string][]string{}
	if a.Log != nil {
		out["log"] = a.Log.Channels
	}
	if a.HTTP != nil {
		out["http"] = a.HTTP.Channels
	}
	if a.Telegram != nil {
		out["telegram"] = a.Telegram.Channels
	}
	return out
}

// validateAdapters rejects channels bound twice and flags adapters that
// bind nothing.
func (d *Doctor) validateAdapters(r *Result) {
	owners := map[string]string{}
	names := make([]string, 0, 3)
	channels := d.adapterChannels()
	for name := range channels {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		field := "outbox.adapters." + name + ".channels"
		if len(channels[name]) == 0 {
			d.addWarning(r, "adapters", field, fmt.Sprintf("adapter %q is configured but binds no channels", name))
		}
		for _, ch := range channels[name] {
			if ch == "" {
				d.addError(r, "adapters", field, "channel name is empty")
				continue
			}
			if prev, ok := owners[ch]; ok {
				d.addError(r, "adapters", field,
					fmt.Sprintf("channel %q is already bound to adapter %q", ch, prev))
				continue
			}
			owners[ch] = name
		}
	}
}

// validateExecutor checks that the configured run executor can start.
func (d *Doctor) validateExecutor(r *Result) {
	ex := d.cfg.Dispatch.Executor
	switch ex.Kind {
	case "exec":
		if _, err := d.lookPath(ex.Command); err != nil {
			d.addError(r, "executor", "dispatch.executor.command",
				fmt.Sprintf("command %q is not executable: %v", ex.Command, err))
		}
	case "echo":
		d.addWarning(r, "executor", "dispatch.executor.kind",
			"echo executor replies with the transcript; use exec to run a real agent")
	}
}

// validateTokenScopes checks scope syntax against the API's resources.
func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			d.validateSingleScope(r, scope, fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j))
		}
	}
}

func (d *Doctor) validateSingleScope(r *Result, scope, field string) {
	if _, err := auth.ParseScope(scope); err != nil {
		d.addError(r, "token_scopes", field, err.Error())
	}
}

// validateWebhooks checks for path conflicts and endpoints that cannot name
// an agent.
func (d *Doctor) validateWebhooks(r *Result) {
	if d.cfg.Webhooks == nil {
		return
	}
	if d.cfg.API.Enabled && d.cfg.Webhooks.Listen == d.cfg.API.Listen {
		d.addError(r, "webhooks", "webhooks.listen",
			fmt.Sprintf("webhooks and api both listen on %q", d.cfg.API.Listen))
	}

	seen := make(map[string]int)
	for i, ep := range d.cfg.Webhooks.Endpoints {
		field := fmt.Sprintf("webhooks.endpoints[%d]", i)

		normalized := strings.TrimSuffix(ep.Path, "/")
		if prev, exists := seen[normalized]; exists {
			d.addError(r, "webhooks", field+".path",
				fmt.Sprintf("webhook path %q conflicts with webhooks.endpoints[%d]", ep.Path, prev))
		}
		seen[normalized] = i

		if ep.AgentID == "" {
			d.addWarning(r, "webhooks", field+".agent_id",
				fmt.Sprintf("webhook %q has no default agent_id; every body must carry one", ep.Path))
		}
		if len(ep.Secret) > 0 && len(ep.Secret) < 16 {
			d.addWarning(r, "webhooks", field+".secret",
				fmt.Sprintf("webhook %q secret is shorter than 16 characters", ep.Path))
		}
	}
}

// warnAPIExposure flags an API that either rejects everyone or listens
// beyond loopback.
func (d *Doctor) warnAPIExposure(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth", "API enabled but no tokens configured; every authenticated route will answer 401")
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		return
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && !ip.IsLoopback()) {
		d.addWarning(r, "api", "api.listen",
			fmt.Sprintf("API listens on %q, reachable beyond this host", d.cfg.API.Listen))
	}
}

// warnTimings flags interval combinations that make leases or debounce
// misbehave.
func (d *Doctor) warnTimings(r *Result) {
	tick := d.cfg.Service.TickInterval
	if d.cfg.Lanes.Debounce == 0 {
		d.addWarning(r, "timing", "lanes.debounce", "debounce is zero; bursts will not be coalesced")
	} else if d.cfg.Lanes.Debounce < tick {
		d.addWarning(r, "timing", "lanes.debounce",
			fmt.Sprintf("debounce %s is shorter than tick_interval %s; flushes happen at tick granularity", d.cfg.Lanes.Debounce, tick))
	}
	if d.cfg.Dispatch.Lease < 2*tick {
		d.addWarning(r, "timing", "dispatch.lease",
			fmt.Sprintf("dispatch lease %s is under two scheduler ticks (%s); expired leases are recovered late", d.cfg.Dispatch.Lease, tick))
	}
	if d.cfg.Dispatch.PollInterval >= d.cfg.Dispatch.Lease {
		d.addWarning(r, "timing", "dispatch.poll_interval", "poll interval is not shorter than the lease")
	}
	if d.cfg.Outbox.MaxAttempts == 1 {
		d.addWarning(r, "timing", "outbox.max_attempts", "effects get a single delivery attempt; transient failures become permanent")
	}
}

// warnDeprecatedSyntax warns about legacy config patterns.
func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "deprecated", "api.auth.api_key",
			"legacy api_key grants full access; migrate to tokens array with scopes")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
