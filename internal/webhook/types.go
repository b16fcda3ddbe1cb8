package webhook

import (
	"context"
	"encoding/json"

	"github.com/mattjoyce/runlane/internal/lane"
)

// Enqueuer accepts inbound messages onto lanes.
type Enqueuer interface {
	Enqueue(ctx context.Context, req lane.EnqueueRequest) (lane.EnqueueResult, error)
}

// Config holds webhook server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig defines a single webhook endpoint.
type EndpointConfig struct {
	// Path is the URL path for this webhook (e.g., "/webhook/telegram")
	Path string

	// Channel names the lane channel every message on this path lands in.
	Channel string

	// AgentID is used when the body does not name an agent.
	AgentID string

	// Secret is the HMAC secret for signature verification
	Secret string

	// SignatureHeader is the HTTP header containing the HMAC signature
	SignatureHeader string

	// MaxBodySize is the maximum allowed request body size in bytes (default: 1MB)
	MaxBodySize int64
}

// Message is the JSON body a webhook caller posts.
type Message struct {
	WorkItemID       string          `json:"work_item_id"`
	SessionKey       string          `json:"session_key"`
	AgentID          string          `json:"agent_id"`
	Text             string          `json:"text"`
	SenderName       string          `json:"sender_name"`
	ResponseContext  json.RawMessage `json:"response_context"`
	PluginInstanceID string          `json:"plugin_instance_id"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// BackpressureHeader is set on an accepted message when the lane dropped
// older messages to make room for it.
const BackpressureHeader = "X-Runlane-Backpressure"

// Default values
const (
	DefaultMaxBodySize     = 1048576 // 1 MB
	DefaultSignatureHeader = "X-Runlane-Signature"
)
