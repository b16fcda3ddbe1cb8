package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mattjoyce/runlane/internal/log"
)

// Adapter hands one effect to an external channel. It returns a reference
// from the provider when there is one. Returning a *PermanentError stops
// retries; a context deadline means the outcome is unknown.
type Adapter interface {
	Deliver(ctx context.Context, e *Effect) (string, error)
}

// AdapterFunc lets a plain function serve as an Adapter.
type AdapterFunc func(ctx context.Context, e *Effect) (string, error)

func (f AdapterFunc) Deliver(ctx context.Context, e *Effect) (string, error) { return f(ctx, e) }

// Registry maps channels to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register binds channels to a. A channel registered twice is an error.
func (r *Registry) Register(a Adapter, channels ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range channels {
		if ch == "" {
			return fmt.Errorf("register adapter: empty channel")
		}
		if _, ok := r.adapters[ch]; ok {
			return fmt.Errorf("register adapter: channel %q already registered", ch)
		}
		r.adapters[ch] = a
	}
	return nil
}

func (r *Registry) Lookup(channel string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[channel]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoAdapter, channel)
	}
	return a, nil
}

// Channels lists registered channels in sorted order.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for ch := range r.adapters {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// LogAdapter writes effects to the structured log instead of sending them.
type LogAdapter struct {
	Logger *slog.Logger
}

func (a LogAdapter) Deliver(_ context.Context, e *Effect) (string, error) {
	logger := a.Logger
	if logger == nil {
		logger = log.WithComponent("outbox.log")
	}
	logger.Info("effect delivered",
		"effect_id", e.ID,
		"dispatch_id", e.DispatchID,
		"channel", e.Channel,
		"kind", e.Kind,
		"payload", json.RawMessage(e.Payload),
	)
	return "log:" + e.ID, nil
}

// payloadText pulls the "text" field most reply payloads carry.
func payloadText(e *Effect) (string, error) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(e.Payload, &body); err != nil {
		return "", &PermanentError{Err: fmt.Errorf("decode payload: %w", err)}
	}
	if body.Text == "" {
		return "", &PermanentError{Err: fmt.Errorf("payload has no text")}
	}
	return body.Text, nil
}
