// Package inspect assembles everything known about one dispatch: the row
// itself, the messages it answers, the effects it produced and the replay
// history it belongs to.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/runlane/internal/dispatch"
	"github.com/mattjoyce/runlane/internal/lane"
	"github.com/mattjoyce/runlane/internal/outbox"
)

// maxReplayHops bounds the walk up replay_of links.
const maxReplayHops = 16

// Sources are the stores a report reads from.
type Sources struct {
	Dispatches *dispatch.Store
	Lanes      *lane.Store
	Effects    *outbox.Store
}

// Report is the structured representation of a dispatch.
type Report struct {
	Dispatch *dispatch.Dispatch `json:"dispatch"`
	Messages []*lane.Message    `json:"messages"`
	Effects  []*outbox.Effect   `json:"effects"`
	// ReplayChain lists the dispatches this one replays, nearest first.
	ReplayChain []string `json:"replay_chain,omitempty"`
}

// Gather loads the report for dispatchID.
func Gather(ctx context.Context, src Sources, dispatchID string) (*Report, error) {
	if strings.TrimSpace(dispatchID) == "" {
		return nil, fmt.Errorf("dispatch id is required")
	}
	d, err := src.Dispatches.Get(ctx, dispatchID)
	if err != nil {
		return nil, err
	}
	msgs, err := src.Lanes.DispatchMessages(ctx, d.ID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	effects, err := src.Effects.ForDispatch(ctx, d.ID)
	if err != nil {
		return nil, fmt.Errorf("load effects: %w", err)
	}

	report := &Report{Dispatch: d, Messages: msgs, Effects: effects}
	for cur := d; cur.ReplayOfDispatchID != nil && len(report.ReplayChain) < maxReplayHops; {
		report.ReplayChain = append(report.ReplayChain, *cur.ReplayOfDispatchID)
		cur, err = src.Dispatches.Get(ctx, *cur.ReplayOfDispatchID)
		if errors.Is(err, dispatch.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("load replay chain: %w", err)
		}
	}
	return report, nil
}

// BuildReport renders a terminal-friendly report for a dispatch.
func BuildReport(ctx context.Context, src Sources, dispatchID string) (string, error) {
	report, err := Gather(ctx, src, dispatchID)
	if err != nil {
		return "", err
	}
	return Render(report), nil
}

// BuildJSONReport returns the machine-readable report.
func BuildJSONReport(ctx context.Context, src Sources, dispatchID string) (string, error) {
	report, err := Gather(ctx, src, dispatchID)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

// Render formats a report as text.
func Render(r *Report) string {
	d := r.Dispatch
	var out strings.Builder
	fmt.Fprintf(&out, "Dispatch Report\n")
	fmt.Fprintf(&out, "Dispatch ID : %s\n", d.ID)
	fmt.Fprintf(&out, "Run Key     : %s\n", d.RunKey)
	fmt.Fprintf(&out, "Lane        : %s\n", d.QueueKey)
	fmt.Fprintf(&out, "Status      : %s (%s)\n", d.Status, d.ControlState)
	fmt.Fprintf(&out, "Attempts    : %d/%d\n", d.AttemptCount, d.MaxAttempts)
	if d.ClaimedBy != nil {
		fmt.Fprintf(&out, "Claimed By  : %s (epoch %d, lease %s)\n", *d.ClaimedBy, d.ClaimedEpoch, formatTime(d.LeaseExpiresAt))
	}
	if d.JobID != nil {
		fmt.Fprintf(&out, "Job         : %s\n", *d.JobID)
	}
	if d.MergedIntoDispatchID != nil {
		fmt.Fprintf(&out, "Merged Into : %s\n", *d.MergedIntoDispatchID)
	}
	if len(r.ReplayChain) > 0 {
		fmt.Fprintf(&out, "Replay Of   : %s\n", strings.Join(r.ReplayChain, " <- "))
	}
	if d.LastError != "" {
		fmt.Fprintf(&out, "Last Error  : %s\n", d.LastError)
	}
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Transcript\n")
	if d.CoalescedText == "" {
		fmt.Fprintf(&out, "  <empty>\n")
	}
	for _, line := range strings.Split(d.CoalescedText, "\n") {
		if line != "" {
			fmt.Fprintf(&out, "  %s\n", line)
		}
	}
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Messages (%d)\n", len(r.Messages))
	for _, m := range r.Messages {
		sender := m.SenderName
		if sender == "" {
			sender = "<anonymous>"
		}
		fmt.Fprintf(&out, "  - %s %s %s [%s] %q\n", m.ArrivedAt.Format(time.RFC3339), m.WorkItemID, sender, m.Status, m.Text)
	}
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Effects (%d)\n", len(r.Effects))
	for _, e := range r.Effects {
		fmt.Fprintf(&out, "  - %s %s/%s [%s] attempts %d/%d\n", e.ID, e.Channel, e.Kind, e.Status, e.AttemptCount, e.MaxAttempts)
		if e.ProviderRef != "" {
			fmt.Fprintf(&out, "      provider_ref : %s\n", e.ProviderRef)
		}
		if e.LastError != "" {
			fmt.Fprintf(&out, "      last_error   : %s\n", e.LastError)
		}
		if e.UnknownReason != "" {
			fmt.Fprintf(&out, "      unknown      : %s\n", e.UnknownReason)
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n"
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "<none>"
	}
	return t.Format(time.RFC3339)
}
