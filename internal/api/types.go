package api

import (
	"github.com/mattjoyce/runlane/internal/control"
	"github.com/mattjoyce/runlane/internal/dispatch"
	"github.com/mattjoyce/runlane/internal/lane"
	"github.com/mattjoyce/runlane/internal/outbox"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status            string                  `json:"status"`
	UptimeSeconds     int64                   `json:"uptime_seconds"`
	ProcessingEnabled bool                    `json:"processing_enabled"`
	ControlEpoch      int64                   `json:"control_epoch"`
	ActiveDispatches  int                     `json:"active_dispatches"`
	Dispatches        map[dispatch.Status]int `json:"dispatches"`
	Effects           map[outbox.Status]int   `json:"effects"`
}

// PauseRequest is the body of POST /control/pause.
type PauseRequest struct {
	Mode   control.PauseMode `json:"mode"`
	Reason string            `json:"reason"`
	By     string            `json:"by"`
}

// ActorRequest carries who performed an operator action and why.
type ActorRequest struct {
	Reason string `json:"reason"`
	By     string `json:"by"`
}

// ConcurrencyRequest is the body of PUT /control/concurrency.
type ConcurrencyRequest struct {
	MaxConcurrentDispatches int `json:"max_concurrent_dispatches"`
}

// ModeRequest is the body of PUT /lanes/{key}/mode.
type ModeRequest struct {
	Mode lane.Mode `json:"mode"`
}

// MergeRequest is the body of POST /dispatches/{id}/merge.
type MergeRequest struct {
	Into string `json:"into"`
}

// LaneResponse is a lane with the messages waiting on it.
type LaneResponse struct {
	*lane.Lane
	Pending []*lane.Message `json:"pending"`
}
