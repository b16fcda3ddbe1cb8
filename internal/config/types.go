package config

import "time"

// Config represents the complete runlane configuration.
type Config struct {
	Include  []string        `yaml:"include,omitempty"`
	Service  ServiceConfig   `yaml:"service"`
	State    StateConfig     `yaml:"state"`
	Control  ControlConfig   `yaml:"control"`
	Lanes    LaneConfig      `yaml:"lanes"`
	Dispatch DispatchConfig  `yaml:"dispatch"`
	Outbox   OutboxConfig    `yaml:"outbox"`
	API      APIConfig       `yaml:"api,omitempty"`
	Webhooks *WebhooksConfig `yaml:"webhooks,omitempty"`
	Metrics  MetricsConfig   `yaml:"metrics"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name string `yaml:"name"`
	// WorkerID identifies this process in claimed_by columns. Defaults to
	// hostname-pid when empty.
	WorkerID     string        `yaml:"worker_id"`
	TickInterval time.Duration `yaml:"tick_interval"`
	LogLevel     string        `yaml:"log_level"`
	LogFormat    string        `yaml:"log_format"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// ControlConfig seeds the runtime control row.
type ControlConfig struct {
	MaxConcurrentDispatches int `yaml:"max_concurrent_dispatches"`
}

// LaneConfig holds defaults applied to lanes when they are first created.
type LaneConfig struct {
	Debounce  time.Duration `yaml:"debounce"`
	MaxQueued int           `yaml:"max_queued"`
	Mode      string        `yaml:"mode"` // steer | queue
}

// DispatchConfig defines the run worker pool.
type DispatchConfig struct {
	Workers      int            `yaml:"workers"`
	Lease        time.Duration  `yaml:"lease"`
	PollInterval time.Duration  `yaml:"poll_interval"`
	MaxAttempts  int            `yaml:"max_attempts"`
	BackoffBase  time.Duration  `yaml:"backoff_base"`
	BackoffMax   time.Duration  `yaml:"backoff_max"`
	Executor     ExecutorConfig `yaml:"executor"`
}

// ExecutorConfig selects what a claimed dispatch runs.
type ExecutorConfig struct {
	Kind    string        `yaml:"kind"` // echo | exec
	Command string        `yaml:"command,omitempty"`
	Args    []string      `yaml:"args,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
	// Channel is the outbox channel replies are emitted on.
	Channel string `yaml:"channel,omitempty"`
}

// OutboxConfig defines the effect delivery worker pool.
type OutboxConfig struct {
	Workers        int            `yaml:"workers"`
	Lease          time.Duration  `yaml:"lease"`
	PollInterval   time.Duration  `yaml:"poll_interval"`
	AttemptTimeout time.Duration  `yaml:"attempt_timeout"`
	MaxAttempts    int            `yaml:"max_attempts"`
	BackoffBase    time.Duration  `yaml:"backoff_base"`
	BackoffMax     time.Duration  `yaml:"backoff_max"`
	Adapters       AdaptersConfig `yaml:"adapters"`
}

// AdaptersConfig enables channel delivery adapters.
type AdaptersConfig struct {
	Log      *LogAdapterConfig      `yaml:"log,omitempty"`
	HTTP     *HTTPAdapterConfig     `yaml:"http,omitempty"`
	Telegram *TelegramAdapterConfig `yaml:"telegram,omitempty"`
}

// LogAdapterConfig routes a channel to the structured log.
type LogAdapterConfig struct {
	Channels []string `yaml:"channels"`
}

// HTTPAdapterConfig routes a channel to JSON webhooks.
type HTTPAdapterConfig struct {
	Channels []string          `yaml:"channels"`
	Headers  map[string]string `yaml:"headers,omitempty"`
}

// TelegramAdapterConfig routes a channel to the Telegram Bot API.
type TelegramAdapterConfig struct {
	Channels []string `yaml:"channels"`
	Token    string   `yaml:"token"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the legacy single bearer token (admin/full access).
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// WebhooksConfig defines inbound message listener settings.
type WebhooksConfig struct {
	Listen    string            `yaml:"listen"`
	Endpoints []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookEndpoint maps a path to a lane channel.
type WebhookEndpoint struct {
	Path            string `yaml:"path"`
	Channel         string `yaml:"channel"`
	AgentID         string `yaml:"agent_id"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header"`
	MaxBodySize     string `yaml:"max_body_size"`
}

// MetricsConfig controls the Prometheus registry.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:         "runlane",
			TickInterval: 250 * time.Millisecond,
			LogLevel:     "info",
			LogFormat:    "json",
		},
		State: StateConfig{
			Path: "./data/runlane.db",
		},
		Control: ControlConfig{
			MaxConcurrentDispatches: 4,
		},
		Lanes: LaneConfig{
			Debounce:  2 * time.Second,
			MaxQueued: 10,
			Mode:      "queue",
		},
		Dispatch: DispatchConfig{
			Workers:      2,
			Lease:        30 * time.Second,
			PollInterval: 500 * time.Millisecond,
			MaxAttempts:  3,
			BackoffBase:  time.Second,
			BackoffMax:   30 * time.Second,
			Executor: ExecutorConfig{
				Kind:    "echo",
				Timeout: 5 * time.Minute,
				Channel: "log",
			},
		},
		Outbox: OutboxConfig{
			Workers:        2,
			Lease:          30 * time.Second,
			PollInterval:   500 * time.Millisecond,
			AttemptTimeout: 10 * time.Second,
			MaxAttempts:    5,
			BackoffBase:    time.Second,
			BackoffMax:     5 * time.Minute,
			Adapters: AdaptersConfig{
				Log: &LogAdapterConfig{Channels: []string{"log"}},
			},
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "runlane",
		},
	}
}
