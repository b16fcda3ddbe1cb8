package watch

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/mattjoyce/runlane/internal/events"
)

// payload is the union of the event bodies the watch view reads. Each
// event fills only the fields its type carries.
type payload struct {
	ID                string   `json:"id"`
	QueueKey          string   `json:"queue_key"`
	DispatchID        string   `json:"dispatch_id"`
	WorkerID          string   `json:"worker_id"`
	Status            string   `json:"status"`
	ControlState      string   `json:"control_state"`
	Attempt           int      `json:"attempt"`
	AttemptCount      int      `json:"attempt_count"`
	Channel           string   `json:"channel"`
	IsPaused          bool     `json:"is_paused"`
	DroppedMessageIDs []string `json:"dropped_message_ids"`
	Survivor          string   `json:"survivor"`
	Loser             string   `json:"loser"`
	ProcessingEnabled bool     `json:"processing_enabled"`
	PauseMode         string   `json:"pause_mode"`
	Epoch             int64    `json:"control_epoch"`
}

// LaneState is what the view knows about one lane.
type LaneState struct {
	Key        string
	Paused     bool
	Pending    int
	Dropped    int
	Dispatch   string
	Status     string
	Worker     string
	Attempt    int
	Control    string
	LastStatus string
	LastRun    time.Time
}

// State returns the lane state label derived from what was observed.
func (l *LaneState) State() string {
	switch {
	case l.Paused:
		return "paused"
	case l.Dispatch != "":
		return "dispatch-in-flight"
	case l.Pending > 0:
		return "debouncing"
	default:
		return "idle"
	}
}

// ChannelState counts effects per outbox channel.
type ChannelState struct {
	Channel string
	Pending int
	Sent    int
	Failed  int
	Unknown int
}

// Board is the event-derived picture the watch view renders.
type Board struct {
	Lanes    map[string]*LaneState
	Channels map[string]*ChannelState
	Paused   bool
	Mode     string
	Epoch    int64

	byDispatch map[string]string
}

func NewBoard() *Board {
	return &Board{
		Lanes:      make(map[string]*LaneState),
		Channels:   make(map[string]*ChannelState),
		byDispatch: make(map[string]string),
	}
}

func (b *Board) lane(key string) *LaneState {
	l, ok := b.Lanes[key]
	if !ok {
		l = &LaneState{Key: key}
		b.Lanes[key] = l
	}
	return l
}

func (b *Board) channel(name string) *ChannelState {
	c, ok := b.Channels[name]
	if !ok {
		c = &ChannelState{Channel: name}
		b.Channels[name] = c
	}
	return c
}

// laneFor resolves the lane of a dispatch seen earlier in the stream.
func (b *Board) laneFor(p payload) *LaneState {
	key := p.QueueKey
	if key == "" {
		key = b.byDispatch[p.DispatchID]
	}
	if key == "" {
		return nil
	}
	return b.lane(key)
}

// Apply folds one event into the board.
func (b *Board) Apply(e events.Event, now time.Time) {
	var p payload
	_ = json.Unmarshal(e.Data, &p)

	switch e.Type {
	case events.ControlPaused, events.ControlResumed:
		b.Paused = !p.ProcessingEnabled
		b.Mode = p.PauseMode
		b.Epoch = p.Epoch

	case events.LaneEnqueued:
		b.lane(p.QueueKey).Pending++
	case events.LaneDropped:
		l := b.lane(p.QueueKey)
		l.Dropped += len(p.DroppedMessageIDs)
		l.Pending -= len(p.DroppedMessageIDs)
		if l.Pending < 0 {
			l.Pending = 0
		}
	case events.LanePaused, events.LaneResumed:
		b.lane(p.QueueKey).Paused = p.IsPaused

	case events.LaneFlushed:
		l := b.lane(p.QueueKey)
		l.Dispatch, l.Status, l.Worker, l.Control = p.ID, p.Status, "", ""
		l.Pending = 0
		b.byDispatch[p.ID] = p.QueueKey
	case events.DispatchSteered:
		b.byDispatch[p.ID] = p.QueueKey
		if l := b.laneFor(p); l != nil && l.Pending > 0 {
			l.Pending--
		}
	case events.DispatchClaimed:
		if l := b.laneFor(p); l != nil {
			l.Status, l.Worker, l.Attempt = "claimed", p.WorkerID, p.Attempt
		}
	case events.DispatchRetrying:
		if l := b.laneFor(p); l != nil {
			l.Status, l.Worker, l.Attempt = "retrying", "", p.AttemptCount
		}
	case events.DispatchControl:
		if l := b.laneFor(p); l != nil {
			l.Control = p.ControlState
			if p.Status == "queued" {
				l.Status, l.Worker = "queued", ""
			}
		}
	case events.DispatchFinished:
		if l := b.laneFor(p); l != nil && (l.Dispatch == p.ID || l.Dispatch == "") {
			l.Dispatch, l.Status, l.Worker, l.Control = "", "", "", ""
			l.LastStatus, l.LastRun = p.Status, now
		}
		delete(b.byDispatch, p.ID)
	case events.DispatchMerged:
		if key, ok := b.byDispatch[p.Loser]; ok {
			b.byDispatch[p.Survivor] = key
		}

	case events.EffectEnqueued:
		b.channel(p.Channel).Pending++
	case events.EffectSent:
		c := b.channel(p.Channel)
		c.Pending, c.Sent = max(c.Pending-1, 0), c.Sent+1
	case events.EffectFailed:
		c := b.channel(p.Channel)
		if p.Status == "failed" {
			c.Pending, c.Failed = max(c.Pending-1, 0), c.Failed+1
		}
	case events.EffectUnknown:
		c := b.channel(p.Channel)
		c.Pending, c.Unknown = max(c.Pending-1, 0), c.Unknown+1
	case events.EffectReleased:
		c := b.channel(p.Channel)
		c.Unknown, c.Pending = max(c.Unknown-1, 0), c.Pending+1
	}
}

// LaneKeys returns lane keys in stable order.
func (b *Board) LaneKeys() []string {
	keys := make([]string, 0, len(b.Lanes))
	for k := range b.Lanes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ChannelNames returns channel names in stable order.
func (b *Board) ChannelNames() []string {
	names := make([]string, 0, len(b.Channels))
	for n := range b.Channels {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
