package protocol

import (
	"encoding/json"
	"time"
)

// Version is the only envelope version this build speaks.
const Version = 1

// Request is the envelope written to an agent process on stdin: one per
// dispatch attempt.
type Request struct {
	Protocol        int       `json:"protocol"`
	DispatchID      string    `json:"dispatch_id"`
	RunKey          string    `json:"run_key"`
	QueueKey        string    `json:"queue_key"`
	AgentID         string    `json:"agent_id"`
	SessionKey      string    `json:"session_key"`
	Attempt         int       `json:"attempt"`
	InputText       string    `json:"input_text"`
	Transcript      string    `json:"transcript"`
	SenderName      string    `json:"sender_name,omitempty"`
	ResponseContext string    `json:"response_context,omitempty"`
	ReplayOf        string    `json:"replay_of,omitempty"`
	DeadlineAt      time.Time `json:"deadline_at"`
}

// Response is the envelope read back from the agent's stdout.
type Response struct {
	Status  string     `json:"status"` // ok | error
	Error   string     `json:"error,omitempty"`
	Retry   *bool      `json:"retry,omitempty"` // defaults to true if omitted
	Replies []Reply    `json:"replies,omitempty"`
	Logs    []LogEntry `json:"logs,omitempty"`
}

// Reply is one outbound effect requested by the agent. Channel and Kind fall
// back to the executor's defaults when empty; Payload wins over Text.
type Reply struct {
	Channel   string          `json:"channel,omitempty"`
	Kind      string          `json:"kind,omitempty"`
	Text      string          `json:"text,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	EffectKey string          `json:"effect_key,omitempty"`
}

// LogEntry is a log line forwarded from the agent.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}

// ShouldRetry reports whether a failed attempt may be retried. Defaults to
// true if retry is omitted.
func (r *Response) ShouldRetry() bool {
	if r.Retry == nil {
		return true
	}
	return *r.Retry
}

// Body returns the effect payload for the reply.
func (r Reply) Body() (json.RawMessage, error) {
	if len(r.Payload) > 0 {
		return r.Payload, nil
	}
	return json.Marshal(map[string]string{"text": r.Text})
}
