package main

import (
	"context"
	"flag"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/mattjoyce/runlane/internal/control"
	"github.com/mattjoyce/runlane/internal/dispatch"
	"github.com/mattjoyce/runlane/internal/inspect"
	"github.com/mattjoyce/runlane/internal/lane"
	"github.com/mattjoyce/runlane/internal/outbox"
)

// adminFlags are the flags every one-shot admin action accepts.
type adminFlags struct {
	config string
	by     string
	reason string
	json   bool
	limit  int
}

// parseAdmin parses args for an admin action that takes exactly nargs
// positional arguments. extra registers action-specific flags.
func parseAdmin(name, usage string, nargs int, args []string, extra func(*flag.FlagSet)) (*adminFlags, []string, bool) {
	f := &adminFlags{}
	fs := newFlagSet(name)
	fs.StringVar(&f.config, "config", "", "Path to configuration file or directory")
	fs.StringVar(&f.by, "by", "", "Operator recorded on the change")
	fs.StringVar(&f.reason, "reason", "", "Reason recorded on the change")
	fs.BoolVar(&f.json, "json", false, "Output JSON")
	fs.IntVar(&f.limit, "limit", 50, "Maximum rows to list")
	if extra != nil {
		extra(fs)
	}
	positional, err := parseInterleaved(fs, args)
	if err != nil {
		return nil, nil, false
	}
	if len(positional) != nargs {
		fmt.Fprintf(stderr, "Usage: runlane %s\n", usage)
		return nil, nil, false
	}
	return f, positional, true
}

// show prints v as JSON or through render.
func show(f *adminFlags, v any, render func() string) error {
	if f.json {
		if printJSON(v) != 0 {
			return fmt.Errorf("render json")
		}
		return nil
	}
	fmt.Fprint(stdout, render())
	return nil
}

// --- system status ---

type statusReport struct {
	Control    control.State           `json:"control"`
	Active     int                     `json:"active_dispatches"`
	Dispatches map[dispatch.Status]int `json:"dispatches"`
	Effects    map[outbox.Status]int   `json:"effects"`
}

func runSystemStatus(args []string) int {
	f, _, ok := parseAdmin("status", "system status [--config PATH] [--json]", 0, args, nil)
	if !ok {
		return 1
	}
	return withStack(f.config, func(ctx context.Context, s *stack) error {
		var (
			r   statusReport
			err error
		)
		if r.Control, err = s.control.Get(ctx); err != nil {
			return err
		}
		if r.Active, err = s.dispatches.ActiveCount(ctx); err != nil {
			return err
		}
		if r.Dispatches, err = s.dispatches.Counts(ctx); err != nil {
			return err
		}
		if r.Effects, err = s.effects.Counts(ctx); err != nil {
			return err
		}
		return show(f, r, func() string {
			out := renderControl(r.Control)
			out += keyValue([][2]string{
				{"Active", strconv.Itoa(r.Active)},
				{"Dispatches", countsLine(r.Dispatches)},
				{"Effects", countsLine(r.Effects)},
			})
			return out
		})
	})
}

func countsLine[K ~string](m map[K]int) string {
	if len(m) == 0 {
		return styles.Dim.Render("none")
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	var out string
	for i, k := range keys {
		if i > 0 {
			out += "  "
		}
		out += statusStyle(k).Render(fmt.Sprintf("%s=%d", k, m[K(k)]))
	}
	return out
}

// --- control ---

func runControlNoun(args []string) int {
	action, rest, code, ok := nounAction("control", []string{"show", "pause", "resume", "concurrency"}, args)
	if !ok {
		return code
	}
	switch action {
	case "show":
		f, _, ok := parseAdmin("show", "control show [--json]", 0, rest, nil)
		if !ok {
			return 1
		}
		return withStack(f.config, func(ctx context.Context, s *stack) error {
			st, err := s.control.Get(ctx)
			if err != nil {
				return err
			}
			return show(f, st, func() string { return renderControl(st) })
		})
	case "pause":
		var mode string
		f, _, ok := parseAdmin("pause", "control pause [--mode soft|hard] [--reason R] [--by NAME]", 0, rest, func(fs *flag.FlagSet) {
			fs.StringVar(&mode, "mode", string(control.PauseSoft), "soft lets in-flight work finish; hard revokes every lease")
		})
		if !ok {
			return 1
		}
		return withStack(f.config, func(ctx context.Context, s *stack) error {
			st, err := s.control.Pause(ctx, control.PauseMode(mode), f.reason, operator(f.by))
			if err != nil {
				return err
			}
			return show(f, st, func() string { return renderControl(st) })
		})
	case "resume":
		f, _, ok := parseAdmin("resume", "control resume [--by NAME]", 0, rest, nil)
		if !ok {
			return 1
		}
		return withStack(f.config, func(ctx context.Context, s *stack) error {
			st, err := s.control.Resume(ctx, operator(f.by))
			if err != nil {
				return err
			}
			return show(f, st, func() string { return renderControl(st) })
		})
	case "concurrency":
		f, pos, ok := parseAdmin("concurrency", "control concurrency <n>", 1, rest, nil)
		if !ok {
			return 1
		}
		n, err := strconv.Atoi(pos[0])
		if err != nil {
			fmt.Fprintf(stderr, "Invalid concurrency %q: %v\n", pos[0], err)
			return 1
		}
		return withStack(f.config, func(ctx context.Context, s *stack) error {
			st, err := s.control.SetMaxConcurrentDispatches(ctx, n)
			if err != nil {
				return err
			}
			return show(f, st, func() string { return renderControl(st) })
		})
	default:
		return unknownAction("control", action)
	}
}

func renderControl(st control.State) string {
	state := styles.OK.Render("running")
	if !st.ProcessingEnabled {
		state = styles.Warn.Render(fmt.Sprintf("paused (%s)", st.PauseMode))
	}
	pairs := [][2]string{
		{"Processing", state},
		{"Epoch", strconv.FormatInt(st.Epoch, 10)},
		{"Concurrency", strconv.Itoa(st.MaxConcurrentDispatches)},
	}
	if !st.ProcessingEnabled {
		pairs = append(pairs,
			[2]string{"Paused By", st.PausedBy},
			[2]string{"Reason", st.PauseReason},
			[2]string{"Paused At", formatTime(st.PausedAt)},
		)
	}
	return keyValue(pairs)
}

// --- lane ---

func runLaneNoun(args []string) int {
	action, rest, code, ok := nounAction("lane", []string{"list", "show", "enqueue", "pause", "resume", "mode"}, args)
	if !ok {
		return code
	}
	switch action {
	case "list":
		var state string
		var paused bool
		f, _, ok := parseAdmin("list", "lane list [--state S] [--paused]", 0, rest, func(fs *flag.FlagSet) {
			fs.StringVar(&state, "state", "", "Filter by state (idle, debouncing, dispatch-in-flight)")
			fs.BoolVar(&paused, "paused", false, "Only paused lanes")
		})
		if !ok {
			return 1
		}
		filter := lane.ListFilter{State: lane.State(state), Limit: f.limit}
		if paused {
			filter.Paused = &paused
		}
		return withStack(f.config, func(ctx context.Context, s *stack) error {
			lanes, err := s.lanes.List(ctx, filter)
			if err != nil {
				return err
			}
			return show(f, lanes, func() string { return renderLanes(lanes) })
		})
	case "show":
		f, pos, ok := parseAdmin("show", "lane show <queue-key>", 1, rest, nil)
		if !ok {
			return 1
		}
		return withStack(f.config, func(ctx context.Context, s *stack) error {
			l, err := s.lanes.Get(ctx, pos[0])
			if err != nil {
				return err
			}
			pending, err := s.lanes.Messages(ctx, pos[0], lane.MessagePending)
			if err != nil {
				return err
			}
			v := map[string]any{"lane": l, "pending": pending}
			return show(f, v, func() string { return renderLane(l, pending) })
		})
	case "enqueue":
		var req lane.EnqueueRequest
		f, _, ok := parseAdmin("enqueue", "lane enqueue --session S --agent A --channel C --text T [--work-item ID]", 0, rest, func(fs *flag.FlagSet) {
			fs.StringVar(&req.SessionKey, "session", "", "Session key")
			fs.StringVar(&req.AgentID, "agent", "", "Agent id")
			fs.StringVar(&req.Channel, "channel", "", "Channel")
			fs.StringVar(&req.Text, "text", "", "Message text")
			fs.StringVar(&req.WorkItemID, "work-item", "", "Idempotency key for the message")
			fs.StringVar(&req.SenderName, "sender", "", "Sender display name")
			fs.StringVar(&req.ResponseContext, "response-context", "", "JSON routing context for replies")
		})
		if !ok {
			return 1
		}
		return withStack(f.config, func(ctx context.Context, s *stack) error {
			res, err := s.lanes.Enqueue(ctx, req)
			if err != nil {
				return err
			}
			return show(f, res, func() string {
				pairs := [][2]string{{"Queue Key", res.QueueKey}, {"Message", res.MessageID}}
				if res.Duplicate {
					pairs = append(pairs, [2]string{"Duplicate", "yes"})
				}
				if res.AttachedTo != "" {
					pairs = append(pairs, [2]string{"Attached To", res.AttachedTo})
				}
				if len(res.DroppedMessageIDs) > 0 {
					pairs = append(pairs, [2]string{"Dropped", styles.Failed.Render(fmt.Sprint(res.DroppedMessageIDs))})
				}
				return keyValue(pairs)
			})
		})
	case "pause", "resume":
		f, pos, ok := parseAdmin(action, "lane "+action+" <queue-key> [--reason R] [--by NAME]", 1, rest, nil)
		if !ok {
			return 1
		}
		return withStack(f.config, func(ctx context.Context, s *stack) error {
			var (
				l   *lane.Lane
				err error
			)
			if action == "pause" {
				l, err = s.lanes.PauseLane(ctx, pos[0], f.reason, operator(f.by))
			} else {
				l, err = s.lanes.ResumeLane(ctx, pos[0], operator(f.by))
			}
			if err != nil {
				return err
			}
			return show(f, l, func() string { return renderLane(l, nil) })
		})
	case "mode":
		f, pos, ok := parseAdmin("mode", "lane mode <queue-key> <queue|steer>", 2, rest, nil)
		if !ok {
			return 1
		}
		mode, err := lane.ParseMode(pos[1])
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return withStack(f.config, func(ctx context.Context, s *stack) error {
			l, err := s.lanes.SetMode(ctx, pos[0], mode)
			if err != nil {
				return err
			}
			return show(f, l, func() string { return renderLane(l, nil) })
		})
	default:
		return unknownAction("lane", action)
	}
}

func renderLanes(lanes []*lane.Lane) string {
	if len(lanes) == 0 {
		return styles.Dim.Render("no lanes") + "\n"
	}
	rows := make([][]string, 0, len(lanes))
	for _, l := range lanes {
		paused := ""
		if l.IsPaused {
			paused = "paused"
		}
		rows = append(rows, []string{l.QueueKey, string(l.State), string(l.Mode), paused, derefOr(l.ActiveDispatchID, "-")})
	}
	return renderTable([]string{"QUEUE KEY", "STATE", "MODE", "PAUSED", "ACTIVE DISPATCH"}, rows, 1) + "\n"
}

func renderLane(l *lane.Lane, pending []*lane.Message) string {
	pairs := [][2]string{
		{"Queue Key", l.QueueKey},
		{"State", statusStyle(string(l.State)).Render(string(l.State))},
		{"Mode", string(l.Mode)},
		{"Debounce", (time.Duration(l.DebounceMs) * time.Millisecond).String()},
		{"Max Queued", strconv.Itoa(l.MaxQueued)},
		{"Active", derefOr(l.ActiveDispatchID, "-")},
	}
	if l.IsPaused {
		pairs = append(pairs, [2]string{"Paused", styles.Warn.Render(fmt.Sprintf("by %s: %s", l.PausedBy, l.PauseReason))})
	}
	out := keyValue(pairs)
	if len(pending) > 0 {
		rows := make([][]string, 0, len(pending))
		for _, m := range pending {
			rows = append(rows, []string{m.ID, m.WorkItemID, m.ArrivedAt.Format(time.RFC3339), m.Text})
		}
		out += renderTable([]string{"MESSAGE", "WORK ITEM", "ARRIVED", "TEXT"}, rows, -1) + "\n"
	}
	return out
}

// --- dispatch ---

func runDispatchNoun(args []string) int {
	action, rest, code, ok := nounAction("dispatch", []string{"list", "inspect", "cancel", "pause", "resume", "replay", "merge"}, args)
	if !ok {
		return code
	}
	switch action {
	case "list":
		var status, queueKey string
		f, _, ok := parseAdmin("list", "dispatch list [--status S] [--lane KEY]", 0, rest, func(fs *flag.FlagSet) {
			fs.StringVar(&status, "status", "", "Filter by status")
			fs.StringVar(&queueKey, "lane", "", "Filter by queue key")
		})
		if !ok {
			return 1
		}
		return withStack(f.config, func(ctx context.Context, s *stack) error {
			list, err := s.dispatches.List(ctx, dispatch.ListFilter{QueueKey: queueKey, Status: dispatch.Status(status), Limit: f.limit})
			if err != nil {
				return err
			}
			return show(f, list, func() string { return renderDispatches(list) })
		})
	case "inspect":
		return runDispatchInspect(rest)
	case "cancel", "pause", "resume", "replay":
		f, pos, ok := parseAdmin(action, "dispatch "+action+" <id> [--reason R] [--by NAME]", 1, rest, nil)
		if !ok {
			return 1
		}
		return withStack(f.config, func(ctx context.Context, s *stack) error {
			var (
				d   *dispatch.Dispatch
				err error
			)
			switch action {
			case "cancel":
				reason := f.reason
				if reason == "" {
					reason = "cancelled by " + operator(f.by)
				}
				d, err = s.dispatches.RequestCancel(ctx, pos[0], reason)
			case "pause":
				d, err = s.dispatches.RequestPause(ctx, pos[0], f.reason)
			case "resume":
				d, err = s.dispatches.ResumeDispatch(ctx, pos[0])
			case "replay":
				d, err = s.lanes.Replay(ctx, pos[0], operator(f.by))
			}
			if err != nil {
				return err
			}
			return show(f, d, func() string { return renderDispatches([]*dispatch.Dispatch{d}) })
		})
	case "merge":
		f, pos, ok := parseAdmin("merge", "dispatch merge <id> <into-id>", 2, rest, nil)
		if !ok {
			return 1
		}
		return withStack(f.config, func(ctx context.Context, s *stack) error {
			d, err := s.dispatches.Merge(ctx, pos[0], pos[1])
			if err != nil {
				return err
			}
			return show(f, d, func() string { return renderDispatches([]*dispatch.Dispatch{d}) })
		})
	default:
		return unknownAction("dispatch", action)
	}
}

func runDispatchInspect(args []string) int {
	f, pos, ok := parseAdmin("inspect", "dispatch inspect <id> [--json]", 1, args, nil)
	if !ok {
		return 1
	}
	return withStack(f.config, func(ctx context.Context, s *stack) error {
		r, err := inspect.Gather(ctx, s.sources(), pos[0])
		if err != nil {
			return err
		}
		return show(f, r, func() string { return inspect.Render(r) })
	})
}

func renderDispatches(list []*dispatch.Dispatch) string {
	if len(list) == 0 {
		return styles.Dim.Render("no dispatches") + "\n"
	}
	rows := make([][]string, 0, len(list))
	for _, d := range list {
		rows = append(rows, []string{
			d.ID,
			d.QueueKey,
			string(d.Status),
			string(d.ControlState),
			fmt.Sprintf("%d/%d", d.AttemptCount, d.MaxAttempts),
			d.CreatedAt.Format(time.RFC3339),
		})
	}
	return renderTable([]string{"ID", "LANE", "STATUS", "CONTROL", "ATTEMPTS", "CREATED"}, rows, 2) + "\n"
}

// --- effect ---

func runEffectNoun(args []string) int {
	action, rest, code, ok := nounAction("effect", []string{"list", "release"}, args)
	if !ok {
		return code
	}
	switch action {
	case "list":
		var status, dispatchID, channel string
		f, _, ok := parseAdmin("list", "effect list [--status S] [--dispatch ID] [--channel C]", 0, rest, func(fs *flag.FlagSet) {
			fs.StringVar(&status, "status", "", "Filter by status")
			fs.StringVar(&dispatchID, "dispatch", "", "Filter by dispatch id")
			fs.StringVar(&channel, "channel", "", "Filter by channel")
		})
		if !ok {
			return 1
		}
		return withStack(f.config, func(ctx context.Context, s *stack) error {
			list, err := s.effects.List(ctx, outbox.ListFilter{DispatchID: dispatchID, Status: outbox.Status(status), Channel: channel, Limit: f.limit})
			if err != nil {
				return err
			}
			return show(f, list, func() string { return renderEffects(list) })
		})
	case "release":
		f, pos, ok := parseAdmin("release", "effect release <id> [--by NAME]", 1, rest, nil)
		if !ok {
			return 1
		}
		return withStack(f.config, func(ctx context.Context, s *stack) error {
			e, err := s.effects.Release(ctx, pos[0], operator(f.by))
			if err != nil {
				return err
			}
			return show(f, e, func() string { return renderEffects([]*outbox.Effect{e}) })
		})
	default:
		return unknownAction("effect", action)
	}
}

func renderEffects(list []*outbox.Effect) string {
	if len(list) == 0 {
		return styles.Dim.Render("no effects") + "\n"
	}
	rows := make([][]string, 0, len(list))
	for _, e := range list {
		note := e.LastError
		if e.Status == outbox.StatusUnknown {
			note = e.UnknownReason
		} else if e.Status == outbox.StatusSent {
			note = e.ProviderRef
		}
		rows = append(rows, []string{
			e.ID,
			e.DispatchID,
			e.Channel + "/" + e.Kind,
			string(e.Status),
			fmt.Sprintf("%d/%d", e.AttemptCount, e.MaxAttempts),
			note,
		})
	}
	return renderTable([]string{"ID", "DISPATCH", "CHANNEL", "STATUS", "ATTEMPTS", "NOTE"}, rows, 3) + "\n"
}

func derefOr(s *string, def string) string {
	if s == nil || *s == "" {
		return def
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
