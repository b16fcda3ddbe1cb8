package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// HTTPAdapter POSTs effects as JSON to the URL named by the effect's
// response context. The effect key is sent as Idempotency-Key so receivers
// can drop redeliveries.
type HTTPAdapter struct {
	Client  *http.Client
	Headers map[string]string
}

type httpEnvelope struct {
	EffectID   string          `json:"effect_id"`
	EffectKey  string          `json:"effect_key"`
	DispatchID string          `json:"dispatch_id"`
	WorkItemID string          `json:"work_item_id,omitempty"`
	Channel    string          `json:"channel"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
}

func (a HTTPAdapter) Deliver(ctx context.Context, e *Effect) (string, error) {
	target, err := targetURL(e.ResponseContext)
	if err != nil {
		return "", &PermanentError{Err: err}
	}
	body, err := json.Marshal(httpEnvelope{
		EffectID:   e.ID,
		EffectKey:  e.EffectKey,
		DispatchID: e.DispatchID,
		WorkItemID: e.WorkItemID,
		Channel:    e.Channel,
		Kind:       e.Kind,
		Payload:    e.Payload,
	})
	if err != nil {
		return "", &PermanentError{Err: fmt.Errorf("encode effect: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return "", &PermanentError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", e.EffectKey)
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if id := resp.Header.Get("X-Request-Id"); id != "" {
			return id, nil
		}
		return fmt.Sprintf("http:%d", resp.StatusCode), nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("%s returned %d: %s", target, resp.StatusCode, strings.TrimSpace(string(snippet)))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", &PermanentError{Err: fmt.Errorf("%s returned %d: %s", target, resp.StatusCode, strings.TrimSpace(string(snippet)))}
	default:
		return "", fmt.Errorf("%s returned %d: %s", target, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
}

// targetURL accepts either a bare URL or {"url": "..."}.
func targetURL(responseContext string) (string, error) {
	raw := strings.TrimSpace(responseContext)
	if strings.HasPrefix(raw, "{") {
		var rc struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal([]byte(raw), &rc); err != nil {
			return "", fmt.Errorf("decode response context: %w", err)
		}
		raw = rc.URL
	}
	if raw == "" {
		return "", fmt.Errorf("response context has no url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	return u.String(), nil
}
