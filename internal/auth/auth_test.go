package auth

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "valid", header: "Bearer abc", want: "abc"},
		{name: "surrounding space", header: "Bearer   abc  ", want: "abc"},
		{name: "missing", wantErr: true},
		{name: "wrong scheme", header: "Basic abc", wantErr: true},
		{name: "empty token", header: "Bearer   ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(r)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	tokens := []TokenConfig{
		{Token: "reader", Scopes: []string{"dispatch:ro", " "}},
		{Token: "operator", Scopes: []string{"control:rw", "outbox:rw"}},
	}

	p, ok := Authenticate("admin-key", "admin-key", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, "anything:rw"))

	p, ok = Authenticate("reader", "admin-key", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, "dispatch:ro"))
	assert.False(t, HasAnyScope(p, "dispatch:rw"))
	assert.Equal(t, map[string]Access{"dispatch": AccessRead}, p.Grants)

	p, ok = Authenticate("operator", "", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, "control:ro"), "rw implies ro")
	assert.True(t, HasAnyScope(p, "outbox:ro"))
	assert.False(t, HasAnyScope(p, "lanes:ro"))

	_, ok = Authenticate("nope", "admin-key", tokens)
	assert.False(t, ok)
	_, ok = Authenticate("", "", tokens)
	assert.False(t, ok)
}

func TestPrincipalContext(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	_, ok := PrincipalFromContext(r.Context())
	assert.False(t, ok)

	ctx := WithPrincipal(r.Context(), Principal{Token: "t"})
	p, ok := PrincipalFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "t", p.Token)
	assert.True(t, HasAnyScope(p))
}

func TestParseScope(t *testing.T) {
	tests := []struct {
		raw     string
		want    Scope
		wantErr string
	}{
		{raw: "*", want: Scope{Resource: "*", Access: AccessWrite}},
		{raw: " lanes:rw ", want: Scope{Resource: "lanes", Access: AccessWrite}},
		{raw: "events:ro", want: Scope{Resource: "events", Access: AccessRead}},
		{raw: "control", wantErr: "invalid scope"},
		{raw: "jobs:ro", wantErr: "unknown resource"},
		{raw: "outbox:admin", wantErr: "invalid access type"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseScope(tt.raw)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, strings.TrimSpace(tt.raw), got.String())
		})
	}
}

func TestWildcardTokenIsAdmin(t *testing.T) {
	p, ok := Authenticate("ops", "", []TokenConfig{{Token: "ops", Scopes: []string{"*", "bogus"}}})
	require.True(t, ok)
	assert.True(t, p.Admin)
	assert.True(t, HasAnyScope(p, "control:rw"))
	assert.True(t, p.Allows("outbox", AccessWrite))
}
