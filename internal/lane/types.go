package lane

import (
	"errors"
	"fmt"
	"time"
)

type Mode string

const (
	ModeQueue Mode = "queue"
	ModeSteer Mode = "steer"
)

// ParseMode accepts "queue" or "steer".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeQueue, ModeSteer:
		return Mode(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

type State string

const (
	StateIdle       State = "idle"
	StateDebouncing State = "debouncing"
	StateInFlight   State = "dispatch-in-flight"
)

type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageCoalesced MessageStatus = "coalesced"
	MessageDropped   MessageStatus = "dropped"
)

// DropMaxQueued is the drop reason recorded by back-pressure.
const DropMaxQueued = "max_queued_exceeded"

type Lane struct {
	QueueKey         string     `json:"queue_key"`
	SessionKey       string     `json:"session_key"`
	AgentID          string     `json:"agent_id"`
	Channel          string     `json:"channel"`
	PluginInstanceID string     `json:"plugin_instance_id,omitempty"`
	State            State      `json:"state"`
	IsPaused         bool       `json:"is_paused"`
	DebounceUntil    *time.Time `json:"debounce_until,omitempty"`
	DebounceMs       int64      `json:"debounce_ms"`
	MaxQueued        int        `json:"max_queued"`
	ActiveDispatchID *string    `json:"active_dispatch_id,omitempty"`
	Mode             Mode       `json:"mode"`
	PauseReason      string     `json:"pause_reason,omitempty"`
	PausedBy         string     `json:"paused_by,omitempty"`
	PausedAt         *time.Time `json:"paused_at,omitempty"`
	BatchSeq         int64      `json:"batch_seq"`
	LastClaimedAt    *time.Time `json:"last_claimed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type Message struct {
	ID               string        `json:"id"`
	QueueKey         string        `json:"queue_key"`
	WorkItemID       string        `json:"work_item_id"`
	PluginInstanceID string        `json:"plugin_instance_id,omitempty"`
	Text             string        `json:"text"`
	SenderName       string        `json:"sender_name,omitempty"`
	ResponseContext  string        `json:"response_context,omitempty"`
	ArrivedAt        time.Time     `json:"arrived_at"`
	Status           MessageStatus `json:"status"`
	DispatchID       *string       `json:"dispatch_id,omitempty"`
	DropReason       string        `json:"drop_reason,omitempty"`
	SettledAt        *time.Time    `json:"settled_at,omitempty"`
}

// EnqueueRequest is one inbound message.
type EnqueueRequest struct {
	SessionKey       string    `json:"session_key"`
	AgentID          string    `json:"agent_id"`
	Channel          string    `json:"channel"`
	PluginInstanceID string    `json:"plugin_instance_id,omitempty"`
	WorkItemID       string    `json:"work_item_id"`
	Text             string    `json:"text"`
	SenderName       string    `json:"sender_name,omitempty"`
	ResponseContext  string    `json:"response_context,omitempty"`
	ArrivedAt        time.Time `json:"arrived_at,omitempty"`
}

// EnqueueResult reports where a message landed. AttachedTo is empty while
// the message is pending.
type EnqueueResult struct {
	QueueKey          string   `json:"queue_key"`
	MessageID         string   `json:"message_id"`
	AttachedTo        string   `json:"attached_to,omitempty"`
	Dropped           bool     `json:"dropped"`
	DroppedMessageIDs []string `json:"dropped_message_ids,omitempty"`
	Duplicate         bool     `json:"duplicate,omitempty"`
}

// Defaults apply to lanes when they are created.
type Defaults struct {
	Debounce    time.Duration
	MaxQueued   int
	Mode        Mode
	MaxAttempts int
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	State  State
	Paused *bool
	Limit  int
}

var (
	ErrNotFound    = errors.New("lane not found")
	ErrLaneBusy    = errors.New("lane has a dispatch in flight")
	ErrInvalidMode = errors.New("invalid lane mode")
	ErrInvalid     = errors.New("invalid message")
)
