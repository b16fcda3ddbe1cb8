package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// EncodeRequest serializes req as one JSON line to w.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if req.DispatchID == "" {
		return fmt.Errorf("request missing dispatch_id")
	}
	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return nil
}

// DecodeResponse strictly reads a Response from r. Unknown fields are rejected.
func DecodeResponse(r io.Reader) (*Response, error) {
	var resp Response
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if err := resp.validate(); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DecodeResponseLenient reads all of r and tolerates unknown fields. The raw
// bytes are returned so callers can log what the agent actually printed.
func DecodeResponseLenient(r io.Reader) (*Response, []byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(data) == 0 {
		return nil, data, fmt.Errorf("agent produced no output on stdout")
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, data, fmt.Errorf("agent output is not valid JSON: %w", err)
	}
	if err := resp.validate(); err != nil {
		return nil, data, err
	}
	return &resp, data, nil
}

func (r *Response) validate() error {
	switch {
	case r.Status == "":
		return fmt.Errorf("response missing required field: status")
	case r.Status != "ok" && r.Status != "error":
		return fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", r.Status)
	case r.Status == "error" && r.Error == "":
		return fmt.Errorf("response has status=error but no error message")
	}
	for i, reply := range r.Replies {
		if reply.Text == "" && len(reply.Payload) == 0 {
			return fmt.Errorf("reply %d has neither text nor payload", i)
		}
	}
	return nil
}
