package protocol

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestEncodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     *Request
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "valid run request",
			req: &Request{
				Protocol:   1,
				DispatchID: "d-123",
				RunKey:     "lane:1",
				Attempt:    2,
				Transcript: "alice: hi",
				DeadlineAt: time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC),
			},
			checkFn: func(t *testing.T, output string) {
				if !strings.Contains(output, `"protocol":1`) {
					t.Error("missing protocol field")
				}
				if !strings.Contains(output, `"dispatch_id":"d-123"`) {
					t.Error("missing dispatch_id field")
				}
				if !strings.Contains(output, `"attempt":2`) {
					t.Error("missing attempt field")
				}
				if strings.Contains(output, `"replay_of"`) {
					t.Error("empty replay_of should be omitted")
				}
			},
		},
		{
			name:    "unsupported protocol version",
			req:     &Request{Protocol: 2, DispatchID: "d"},
			wantErr: true,
		},
		{
			name:    "missing dispatch id",
			req:     &Request{Protocol: 1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EncodeRequest(&buf, tt.req)

			if (err != nil) != tt.wantErr {
				t.Errorf("EncodeRequest() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, buf.String())
			}
		})
	}
}

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		checkFn func(t *testing.T, resp *Response)
	}{
		{
			name:  "valid ok response with replies",
			input: `{"status":"ok","replies":[{"text":"hello"},{"channel":"http","payload":{"a":1}}]}`,
			checkFn: func(t *testing.T, resp *Response) {
				if len(resp.Replies) != 2 {
					t.Fatalf("want 2 replies, got %d", len(resp.Replies))
				}
				if resp.Replies[1].Channel != "http" {
					t.Errorf("want channel http, got %q", resp.Replies[1].Channel)
				}
			},
		},
		{
			name:  "valid error response",
			input: `{"status":"error","error":"something went wrong","retry":false}`,
			checkFn: func(t *testing.T, resp *Response) {
				if resp.Error != "something went wrong" {
					t.Errorf("want error message, got %s", resp.Error)
				}
				if resp.ShouldRetry() {
					t.Error("want retry=false")
				}
			},
		},
		{
			name:  "retry defaults to true",
			input: `{"status":"error","error":"temporary failure"}`,
			checkFn: func(t *testing.T, resp *Response) {
				if !resp.ShouldRetry() {
					t.Error("want retry to default to true")
				}
			},
		},
		{
			name:  "response with logs",
			input: `{"status":"ok","logs":[{"level":"info","message":"test log"}]}`,
			checkFn: func(t *testing.T, resp *Response) {
				if len(resp.Logs) != 1 || resp.Logs[0].Level != "info" {
					t.Fatalf("logs not parsed: %+v", resp.Logs)
				}
			},
		},
		{name: "missing status field", input: `{"replies":[]}`, wantErr: true},
		{name: "invalid status value", input: `{"status":"unknown"}`, wantErr: true},
		{name: "error status without message", input: `{"status":"error"}`, wantErr: true},
		{name: "empty reply", input: `{"status":"ok","replies":[{"channel":"log"}]}`, wantErr: true},
		{name: "unknown field", input: `{"status":"ok","extra":1}`, wantErr: true},
		{name: "invalid JSON", input: `{not json}`, wantErr: true},
		{name: "empty input", input: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := DecodeResponse(strings.NewReader(tt.input))

			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeResponse() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, resp)
			}
		})
	}
}

func TestDecodeResponseLenient(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantErr     bool
		wantRawData bool
	}{
		{name: "valid JSON response", input: `{"status":"ok"}`, wantRawData: true},
		{name: "unknown fields tolerated", input: `{"status":"ok","extra":true}`, wantRawData: true},
		{name: "invalid JSON captures raw data", input: `not json at all`, wantErr: true, wantRawData: true},
		{name: "empty output", input: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, rawData, err := DecodeResponseLenient(strings.NewReader(tt.input))

			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeResponseLenient() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantRawData && len(rawData) == 0 {
				t.Error("expected raw data to be captured")
			}
			if !tt.wantErr && resp == nil {
				t.Error("expected response to be parsed")
			}
		})
	}
}

func TestReplyBody(t *testing.T) {
	body, err := Reply{Text: "hi"}.Body()
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != `{"text":"hi"}` {
		t.Errorf("unexpected body %s", body)
	}

	body, err = Reply{Text: "ignored", Payload: []byte(`{"x":1}`)}.Body()
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != `{"x":1}` {
		t.Errorf("payload should win, got %s", body)
	}
}
