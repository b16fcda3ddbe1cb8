package dispatch

import (
	"context"
	"encoding/json"
	"time"
)

// Echo replies with the run's transcript. It is the default executor and
// the reference for how an executor uses its Run.
type Echo struct {
	Channel string
	// Delay simulates work before the reply is sent.
	Delay time.Duration
}

func (e Echo) Execute(ctx context.Context, run *Run) error {
	if e.Delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.Delay):
		}
	}

	final, err := run.Freeze(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]string{"text": final.CoalescedText})
	if err != nil {
		return Permanent(err)
	}
	_, err = run.Emit(ctx, Effect{Channel: e.Channel, Kind: "reply", Payload: payload})
	return err
}
