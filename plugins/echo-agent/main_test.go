package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/runlane/internal/protocol"
)

func request(input string) protocol.Request {
	return protocol.Request{
		Protocol:   protocol.Version,
		DispatchID: "d-1",
		QueueKey:   "s|a|c",
		Attempt:    1,
		InputText:  input,
		Transcript: "alice: " + input,
		DeadlineAt: time.Now().Add(time.Minute),
	}
}

func TestHandleEchoesTranscript(t *testing.T) {
	resp := handle(context.Background(), request("hello"))
	require.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Replies, 1)
	assert.Equal(t, "alice: hello", resp.Replies[0].Text)
	assert.NotEmpty(t, resp.Logs)
}

func TestHandleMarksReplays(t *testing.T) {
	req := request("hello")
	req.ReplayOf = "d-0"
	resp := handle(context.Background(), req)
	require.Len(t, resp.Replies, 1)
	assert.Equal(t, "(replay of d-0) alice: hello", resp.Replies[0].Text)
}

func TestHandleDirectives(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		attempt   int
		wantOK    bool
		wantRetry bool
		wantError string
	}{
		{name: "fail", input: "/fail nope", attempt: 1, wantError: "nope"},
		{name: "fail default message", input: "/fail", attempt: 1, wantError: "asked to fail"},
		{name: "retry first attempt", input: "/retry flaky", attempt: 1, wantRetry: true, wantError: "flaky"},
		{name: "retry succeeds later", input: "/retry flaky", attempt: 2, wantOK: true},
		{name: "short sleep", input: "/sleep 1ms", attempt: 1, wantOK: true},
		{name: "bad sleep", input: "/sleep soon", attempt: 1, wantError: "bad sleep duration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request(tt.input)
			req.Attempt = tt.attempt
			resp := handle(context.Background(), req)
			if tt.wantOK {
				assert.Equal(t, "ok", resp.Status)
				return
			}
			assert.Equal(t, "error", resp.Status)
			assert.Contains(t, resp.Error, tt.wantError)
			assert.Equal(t, tt.wantRetry, resp.ShouldRetry())
		})
	}
}

func TestSleepHonoursDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	resp := handle(ctx, request("/sleep 1h"))
	assert.Equal(t, "error", resp.Status)
	assert.True(t, resp.ShouldRetry())
}

func TestRejectsUnknownProtocol(t *testing.T) {
	req := request("hello")
	req.Protocol = 99
	resp := handle(context.Background(), req)
	assert.Equal(t, "error", resp.Status)
	assert.False(t, resp.ShouldRetry())
}

func TestResponsePassesStrictDecode(t *testing.T) {
	resp := handle(context.Background(), request("x"))
	out, err := json.Marshal(resp)
	require.NoError(t, err)

	decoded, err := protocol.DecodeResponse(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, resp.Replies, decoded.Replies)
}
