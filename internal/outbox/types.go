package outbox

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	// StatusUnknown means a send was attempted but its outcome could not be
	// confirmed. Such effects are never claimed again until released.
	StatusUnknown Status = "unknown"
)

type Effect struct {
	ID               string          `json:"id"`
	EffectKey        string          `json:"effect_key"`
	DispatchID       string          `json:"dispatch_id"`
	DispatchAttempt  int             `json:"dispatch_attempt"`
	PluginInstanceID string          `json:"plugin_instance_id,omitempty"`
	WorkItemID       string          `json:"work_item_id,omitempty"`
	JobID            *string         `json:"job_id,omitempty"`
	Channel          string          `json:"channel"`
	Kind             string          `json:"kind"`
	Payload          json.RawMessage `json:"payload"`
	ResponseContext  string          `json:"response_context,omitempty"`
	Status           Status          `json:"status"`
	Retryable        bool            `json:"retryable"`
	AttemptCount     int             `json:"attempt_count"`
	MaxAttempts      int             `json:"max_attempts"`
	NextAttemptAt    time.Time       `json:"next_attempt_at"`
	ClaimedBy        *string         `json:"claimed_by,omitempty"`
	LeaseExpiresAt   *time.Time      `json:"lease_expires_at,omitempty"`
	ClaimedEpoch     int64           `json:"claimed_epoch"`
	ProviderRef      string          `json:"provider_ref,omitempty"`
	LastError        string          `json:"last_error,omitempty"`
	UnknownReason    string          `json:"unknown_reason,omitempty"`
	ReleasedBy       string          `json:"released_by,omitempty"`
	ReleasedAt       *time.Time      `json:"released_at,omitempty"`
	SentAt           *time.Time      `json:"sent_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Lease identifies one delivery attempt of one effect.
type Lease struct {
	EffectID  string    `json:"effect_id"`
	WorkerID  string    `json:"worker_id"`
	Attempt   int       `json:"attempt"`
	Epoch     int64     `json:"epoch"`
	ExpiresAt time.Time `json:"expires_at"`
}

func leaseOf(e *Effect) Lease {
	l := Lease{EffectID: e.ID, Attempt: e.AttemptCount, Epoch: e.ClaimedEpoch}
	if e.ClaimedBy != nil {
		l.WorkerID = *e.ClaimedBy
	}
	if e.LeaseExpiresAt != nil {
		l.ExpiresAt = *e.LeaseExpiresAt
	}
	return l
}

// EffectRequest is what a run asks to have delivered.
type EffectRequest struct {
	Channel   string
	Kind      string
	Payload   json.RawMessage
	EffectKey string
	Ordinal   int
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	DispatchID string
	Status     Status
	Channel    string
	Limit      int
}

// PermanentError marks a delivery failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

var (
	ErrNotFound          = errors.New("effect not found")
	ErrLeaseLost         = errors.New("effect lease lost")
	ErrInvalidTransition = errors.New("invalid effect transition")
	ErrNoAdapter         = errors.New("no adapter for channel")
)
