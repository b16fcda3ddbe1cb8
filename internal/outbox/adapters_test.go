package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "https://hooks.example.test/reply", want: "https://hooks.example.test/reply"},
		{in: `{"url":"http://localhost:9000/x"}`, want: "http://localhost:9000/x"},
		{in: "", wantErr: true},
		{in: `{"chat_id":1}`, wantErr: true},
		{in: "ftp://example.test/", wantErr: true},
		{in: `{"url":`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := targetURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHTTPAdapterPostsEnvelope(t *testing.T) {
	t.Parallel()

	var got httpEnvelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("X-Request-Id", "req-77")
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	a := HTTPAdapter{Client: srv.Client(), Headers: map[string]string{"X-Token": "secret"}}
	ref, err := a.Deliver(context.Background(), &Effect{
		ID: "e1", EffectKey: "key-1", DispatchID: "d1", Channel: "http", Kind: "reply",
		Payload: []byte(`{"text":"hi"}`), ResponseContext: srv.URL,
	})
	require.NoError(t, err)
	assert.Equal(t, "req-77", ref)
	assert.Equal(t, "e1", got.EffectID)
	assert.Equal(t, "d1", got.DispatchID)
	assert.JSONEq(t, `{"text":"hi"}`, string(got.Payload))
}

func TestHTTPAdapterStatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   string
	}{
		{http.StatusOK, OutcomeSent},
		{http.StatusBadRequest, OutcomeFailed},
		{http.StatusNotFound, OutcomeFailed},
		{http.StatusRequestTimeout, OutcomeRetry},
		{http.StatusTooManyRequests, OutcomeRetry},
		{http.StatusBadGateway, OutcomeRetry},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			t.Cleanup(srv.Close)

			_, err := HTTPAdapter{Client: srv.Client()}.Deliver(context.Background(), &Effect{
				ID: "e", EffectKey: "k", Payload: []byte(`{}`), ResponseContext: srv.URL,
			})
			assert.Equal(t, tt.want, Classify(err))
		})
	}
}

func TestHTTPAdapterBadContextIsPermanent(t *testing.T) {
	t.Parallel()
	_, err := HTTPAdapter{}.Deliver(context.Background(), &Effect{ResponseContext: "not a url"})
	var perm *PermanentError
	assert.True(t, errors.As(err, &perm))
}

// fakeTelegram answers the two Bot API methods the adapter uses.
func fakeTelegram(t *testing.T, sendStatus int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var sends atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"runlane","username":"runlane_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			sends.Add(1)
			assert.NoError(t, r.ParseForm())
			assert.Equal(t, "42", r.PostForm.Get("chat_id"))
			assert.Equal(t, "hello", r.PostForm.Get("text"))
			if sendStatus != http.StatusOK {
				fmt.Fprintf(w, `{"ok":false,"error_code":%d,"description":"Forbidden: bot was blocked by the user"}`, sendStatus)
				return
			}
			fmt.Fprint(w, `{"ok":true,"result":{"message_id":314,"date":0,"chat":{"id":42,"type":"private"},"text":"hello"}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &sends
}

func telegramEffect() *Effect {
	return &Effect{ID: "e1", Channel: "telegram", Kind: "reply", Payload: []byte(`{"text":"hello"}`), ResponseContext: `{"chat_id":42}`}
}

func TestTelegramAdapterSends(t *testing.T) {
	t.Parallel()
	srv, sends := fakeTelegram(t, http.StatusOK)

	a := NewTelegramAdapter("123:abc")
	a.Endpoint = srv.URL + "/bot%s/%s"
	a.Client = srv.Client()

	ref, err := a.Deliver(context.Background(), telegramEffect())
	require.NoError(t, err)
	assert.Equal(t, "telegram:314", ref)

	_, err = a.Deliver(context.Background(), telegramEffect())
	require.NoError(t, err)
	assert.EqualValues(t, 2, sends.Load())
}

func TestTelegramAdapterBlockedIsPermanent(t *testing.T) {
	t.Parallel()
	srv, _ := fakeTelegram(t, http.StatusForbidden)

	a := NewTelegramAdapter("123:abc")
	a.Endpoint = srv.URL + "/bot%s/%s"
	a.Client = srv.Client()

	_, err := a.Deliver(context.Background(), telegramEffect())
	assert.Equal(t, OutcomeFailed, Classify(err))
}

func TestTelegramAdapterRejectsBadEffects(t *testing.T) {
	t.Parallel()
	a := NewTelegramAdapter("123:abc")

	tests := map[string]*Effect{
		"no chat id":     {Payload: []byte(`{"text":"x"}`), ResponseContext: `{}`},
		"non-json":       {Payload: []byte(`{"text":"x"}`), ResponseContext: `chat-42`},
		"string chat id": {Payload: []byte(`{"text":"x"}`), ResponseContext: `{"chat_id":"abc"}`},
		"empty text":     {Payload: []byte(`{"text":""}`), ResponseContext: `{"chat_id":42}`},
	}
	for name, e := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := a.Deliver(context.Background(), e)
			assert.Equal(t, OutcomeFailed, Classify(err))
		})
	}
}
