package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/mattjoyce/runlane/internal/log"
	"github.com/mattjoyce/runlane/internal/protocol"
)

const (
	// maxStderrBytes caps the amount of stderr captured from an agent process.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// ErrAgentTimeout is returned when the agent process outlives its timeout.
var ErrAgentTimeout = errors.New("agent process timed out")

// Exec runs an agent as a subprocess: the request goes to stdin as one JSON
// line, the response comes back on stdout. Replies become outbox effects.
type Exec struct {
	Command string
	Args    []string
	Timeout time.Duration
	// Channel is used for replies that do not name one.
	Channel string
	// Grace overrides terminationGracePeriod.
	Grace time.Duration
}

func (e Exec) Execute(ctx context.Context, run *Run) error {
	d := run.Dispatch()
	logger := log.WithDispatch(d.ID).With("command", e.Command)

	transcript, err := run.Checkpoint(ctx)
	if err != nil {
		return err
	}

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	req := &protocol.Request{
		Protocol:        protocol.Version,
		DispatchID:      d.ID,
		RunKey:          d.RunKey,
		QueueKey:        d.QueueKey,
		AgentID:         d.AgentID,
		SessionKey:      d.SessionKey,
		Attempt:         run.Lease().Attempt,
		InputText:       d.InputText,
		Transcript:      transcript,
		SenderName:      d.SenderName,
		ResponseContext: d.ResponseContext,
		DeadlineAt:      time.Now().Add(timeout),
	}
	if d.ReplayOfDispatchID != nil {
		req.ReplayOf = *d.ReplayOfDispatchID
	}

	onStart := func(pid int) {
		if err := run.SetJobID(ctx, "pid:"+strconv.Itoa(pid)); err != nil {
			logger.Warn("could not record agent pid", "pid", pid, "error", err)
		}
	}

	// The agent cannot take input while it runs. Once it answers, steering
	// is frozen; if messages were steered in meanwhile the agent runs again
	// on the frozen transcript, so at most twice.
	var resp *protocol.Response
	for {
		var stderr string
		resp, stderr, err = e.spawn(ctx, req, timeout, onStart, logger)
		if err != nil {
			if stderr != "" {
				logger.Warn("agent stderr", "stderr", stderr)
			}
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return err
		}

		for _, entry := range resp.Logs {
			logger.Info("agent log", "level", entry.Level, "message", entry.Message)
		}
		if resp.Status == "error" {
			err := fmt.Errorf("agent error: %s", resp.Error)
			if !resp.ShouldRetry() {
				return Permanent(err)
			}
			return err
		}

		// A cancel or pause that arrived while the agent ran wins over its replies.
		final, err := run.Freeze(ctx)
		if err != nil {
			return err
		}
		if final.CoalescedText == req.Transcript {
			break
		}
		logger.Info("input steered in during the run, running agent on the final transcript")
		req.Transcript, req.InputText = final.CoalescedText, final.InputText
		req.DeadlineAt = time.Now().Add(timeout)
	}

	for i, reply := range resp.Replies {
		body, err := reply.Body()
		if err != nil {
			return Permanent(fmt.Errorf("reply %d: %w", i, err))
		}
		channel, kind := reply.Channel, reply.Kind
		if channel == "" {
			channel = e.Channel
		}
		if kind == "" {
			kind = "reply"
		}
		if _, err := run.Emit(ctx, Effect{Channel: channel, Kind: kind, Payload: body, EffectKey: reply.EffectKey}); err != nil {
			return fmt.Errorf("emit reply %d: %w", i, err)
		}
	}
	return nil
}

// spawn starts the agent, writes req to stdin and decodes the response from
// stdout. On timeout or ctx cancellation the process gets SIGTERM, then
// SIGKILL after the grace period.
func (e Exec) spawn(
	ctx context.Context,
	req *protocol.Request,
	timeout time.Duration,
	onStart func(pid int),
	logger *slog.Logger,
) (*protocol.Response, string, error) {
	timeoutTimer := time.NewTimer(timeout)
	defer timeoutTimer.Stop()

	// Not CommandContext: termination is managed here so the agent gets a grace period.
	cmd := exec.Command(e.Command, e.Args...)
	grace := e.Grace
	if grace <= 0 {
		grace = terminationGracePeriod
	}
	// Orphaned grandchildren can hold stdout open; do not wait on them forever.
	cmd.WaitDelay = grace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", fmt.Errorf("create stdin pipe: %w", err)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("spawning agent", "timeout", timeout)
	if err := cmd.Start(); err != nil {
		return nil, "", Permanent(fmt.Errorf("start process: %w", err))
	}
	if onStart != nil {
		onStart(cmd.Process.Pid)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		if err := protocol.EncodeRequest(stdin, req); err != nil {
			writeErr <- fmt.Errorf("encode request: %w", err)
			return
		}
		writeErr <- nil
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var stopErr error
	select {
	case <-timeoutTimer.C:
		stopErr = fmt.Errorf("%w after %v", ErrAgentTimeout, timeout)
	case <-ctx.Done():
		stopErr = context.Cause(ctx)
	case err := <-waitErr:
		stderrStr := truncateStderr(stderr.String())
		if werr := <-writeErr; werr != nil {
			return nil, stderrStr, werr
		}
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, stderrStr, fmt.Errorf("wait for process: %w", err)
			}
			logger.Warn("agent exited with non-zero status", "exit_code", exitErr.ExitCode())
		}

		resp, raw, err := protocol.DecodeResponseLenient(bytes.NewReader(stdout.Bytes()))
		if err != nil {
			logger.Error("failed to decode agent response", "error", err, "stdout", string(raw))
			return nil, stderrStr, fmt.Errorf("decode response: %w", err)
		}
		return resp, stderrStr, nil
	}

	logger.Warn("stopping agent, sending SIGTERM", "reason", stopErr)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}
	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()

	select {
	case <-waitErr:
		logger.Info("agent exited after SIGTERM")
	case <-graceTimer.C:
		logger.Warn("agent did not exit after SIGTERM, sending SIGKILL")
		if err := cmd.Process.Kill(); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
	return nil, truncateStderr(stderr.String()), stopErr
}

// truncateStderr truncates stderr to maxStderrBytes.
func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
