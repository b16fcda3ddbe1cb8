package dispatch

import (
	"errors"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusClaimed   Status = "claimed"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type ControlState string

const (
	ControlNormal          ControlState = "normal"
	ControlPauseRequested  ControlState = "pause-requested"
	ControlCancelRequested ControlState = "cancel-requested"
)

type Dispatch struct {
	ID                   string       `json:"id"`
	RunKey               string       `json:"run_key"`
	QueueKey             string       `json:"queue_key"`
	WorkItemID           string       `json:"work_item_id"`
	AgentID              string       `json:"agent_id"`
	PluginInstanceID     string       `json:"plugin_instance_id,omitempty"`
	SessionKey           string       `json:"session_key"`
	Status               Status       `json:"status"`
	ControlState         ControlState `json:"control_state"`
	ControlReason        string       `json:"control_reason,omitempty"`
	ControlUpdatedAt     *time.Time   `json:"control_updated_at,omitempty"`
	InputText            string       `json:"input_text"`
	CoalescedText        string       `json:"coalesced_text"`
	SenderName           string       `json:"sender_name,omitempty"`
	ResponseContext      string       `json:"response_context,omitempty"`
	JobID                *string      `json:"job_id,omitempty"`
	AttemptCount         int          `json:"attempt_count"`
	MaxAttempts          int          `json:"max_attempts"`
	ClaimedBy            *string      `json:"claimed_by,omitempty"`
	LeaseExpiresAt       *time.Time   `json:"lease_expires_at,omitempty"`
	ClaimedEpoch         int64        `json:"claimed_epoch"`
	SteerLocked          bool         `json:"steer_locked"`
	LastError            string       `json:"last_error,omitempty"`
	ReplayOfDispatchID   *string      `json:"replay_of_dispatch_id,omitempty"`
	MergedIntoDispatchID *string      `json:"merged_into_dispatch_id,omitempty"`
	ScheduledAt          time.Time    `json:"scheduled_at"`
	StartedAt            *time.Time   `json:"started_at,omitempty"`
	FinishedAt           *time.Time   `json:"finished_at,omitempty"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// Lease identifies one claim of one dispatch. It is the only credential a
// worker holds; every write on behalf of a run carries it.
type Lease struct {
	DispatchID string    `json:"dispatch_id"`
	WorkerID   string    `json:"worker_id"`
	Attempt    int       `json:"attempt"`
	Epoch      int64     `json:"epoch"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// LeaseOf rebuilds the lease a claimed dispatch row represents.
func LeaseOf(d *Dispatch) Lease {
	l := Lease{DispatchID: d.ID, Attempt: d.AttemptCount, Epoch: d.ClaimedEpoch}
	if d.ClaimedBy != nil {
		l.WorkerID = *d.ClaimedBy
	}
	if d.LeaseExpiresAt != nil {
		l.ExpiresAt = *d.LeaseExpiresAt
	}
	return l
}

// Directive is what a worker must do at a safe checkpoint.
type Directive string

const (
	Continue Directive = "continue"
	Cancel   Directive = "cancel"
	Pause    Directive = "pause"
	Abort    Directive = "abort"
)

// CheckpointResult is returned by Store.Checkpoint.
type CheckpointResult struct {
	Directive     Directive
	Reason        string
	CoalescedText string
	InputText     string
}

// OutcomeKind selects the transition Complete applies.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeCancelled OutcomeKind = "cancelled"
	OutcomePaused    OutcomeKind = "paused"
)

type Outcome struct {
	Kind      OutcomeKind
	Error     string
	Retryable bool
}

// NewDispatch describes a row to insert.
type NewDispatch struct {
	RunKey             string
	QueueKey           string
	AgentID            string
	PluginInstanceID   string
	SessionKey         string
	MaxAttempts        int
	ReplayOfDispatchID string
	ScheduledAt        time.Time
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	QueueKey string
	Status   Status
	Limit    int
}

var (
	ErrNotFound          = errors.New("dispatch not found")
	ErrLeaseLost         = errors.New("dispatch lease lost")
	ErrInvalidTransition = errors.New("invalid dispatch transition")
	ErrNotMergeable      = errors.New("dispatches cannot be merged")
)
