// Command echo-agent is a reference agent for the exec executor. It reads
// one request envelope from stdin and answers with the transcript it was
// given, which makes lane coalescing and replay visible end to end.
//
// A few directives at the start of the input steer its behaviour:
//
//	/fail <msg>    answer status=error without retry
//	/retry <msg>   answer status=error and ask to be retried
//	/sleep <dur>   wait before answering (for cancel and pause drills)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/runlane/internal/protocol"
)

func main() {
	var req protocol.Request
	var resp protocol.Response
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		resp = errResp(fmt.Sprintf("invalid request JSON: %v", err), false)
	} else {
		ctx, cancel := context.WithDeadline(context.Background(), deadline(req))
		resp = handle(ctx, req)
		cancel()
	}
	_ = json.NewEncoder(os.Stdout).Encode(resp)
}

func deadline(req protocol.Request) time.Time {
	if req.DeadlineAt.IsZero() {
		return time.Now().Add(time.Minute)
	}
	return req.DeadlineAt
}

func handle(ctx context.Context, req protocol.Request) protocol.Response {
	if req.Protocol != protocol.Version {
		return errResp(fmt.Sprintf("unsupported protocol version %d", req.Protocol), false)
	}

	directive, arg := parseDirective(req.InputText)
	switch directive {
	case "/fail":
		return errResp(orDefault(arg, "asked to fail"), false)
	case "/retry":
		if req.Attempt > 1 {
			break
		}
		return errResp(orDefault(arg, "asked to retry"), true)
	case "/sleep":
		d, err := time.ParseDuration(arg)
		if err != nil {
			return errResp(fmt.Sprintf("bad sleep duration %q", arg), false)
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return errResp("deadline reached while sleeping", true)
		}
	}

	text := req.Transcript
	if text == "" {
		text = req.InputText
	}
	if req.ReplayOf != "" {
		text = "(replay of " + req.ReplayOf + ") " + text
	}

	return protocol.Response{
		Status:  "ok",
		Replies: []protocol.Reply{{Text: text}},
		Logs: []protocol.LogEntry{
			info(fmt.Sprintf("echoed %d bytes for %s (attempt %d)", len(text), req.QueueKey, req.Attempt)),
		},
	}
}

// parseDirective splits a leading "/word arg" off the input.
func parseDirective(input string) (string, string) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return "", ""
	}
	word, rest, _ := strings.Cut(input, " ")
	return word, strings.TrimSpace(rest)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func info(msg string) protocol.LogEntry {
	return protocol.LogEntry{Level: "info", Message: msg}
}

func errResp(message string, retry bool) protocol.Response {
	return protocol.Response{
		Status: "error",
		Error:  message,
		Retry:  &retry,
		Logs:   []protocol.LogEntry{{Level: "error", Message: message}},
	}
}
