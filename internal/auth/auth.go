// Package auth authenticates bearer tokens and checks what they may touch.
//
// A scope is "resource:ro", "resource:rw" or "*". Write access to a
// resource includes read access; "*" grants everything.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
)

// Resources are the API areas a scope can name.
var Resources = []string{"control", "lanes", "dispatch", "outbox", "events"}

// Access is ordered: a grant satisfies any request at or below it.
type Access uint8

const (
	AccessNone Access = iota
	AccessRead
	AccessWrite
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "ro"
	case AccessWrite:
		return "rw"
	default:
		return "none"
	}
}

// Scope is one parsed grant.
type Scope struct {
	Resource string
	Access   Access
}

func (s Scope) String() string {
	if s.Resource == "*" {
		return "*"
	}
	return s.Resource + ":" + s.Access.String()
}

// ParseScope parses and validates a scope string.
func ParseScope(raw string) (Scope, error) {
	raw = strings.TrimSpace(raw)
	if raw == "*" {
		return Scope{Resource: "*", Access: AccessWrite}, nil
	}
	resource, access, ok := strings.Cut(raw, ":")
	if !ok {
		return Scope{}, fmt.Errorf("invalid scope %q (expected resource:ro or resource:rw)", raw)
	}
	if !slices.Contains(Resources, resource) {
		return Scope{}, fmt.Errorf("scope %q references unknown resource %q (known: %s)",
			raw, resource, strings.Join(Resources, ", "))
	}
	switch access {
	case "ro":
		return Scope{Resource: resource, Access: AccessRead}, nil
	case "rw":
		return Scope{Resource: resource, Access: AccessWrite}, nil
	default:
		return Scope{}, fmt.Errorf("scope %q: invalid access type %q (expected ro or rw)", raw, access)
	}
}

// TokenConfig is a configured bearer token and its scope strings.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// Principal is an authenticated caller.
type Principal struct {
	Token  string
	Admin  bool
	Grants map[string]Access
}

// Allows reports whether p holds at least want on resource.
func (p Principal) Allows(resource string, want Access) bool {
	return p.Admin || p.Grants[resource] >= want
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

var (
	errNoHeader  = errors.New("missing Authorization header")
	errNotBearer = errors.New("invalid Authorization header format")
	errNoToken   = errors.New("missing API key")
)

// ExtractBearerToken returns the token of an "Authorization: Bearer" header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errNoHeader
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", errNotBearer
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", errNoToken
	}
	return token, nil
}

func tokensMatch(presented, configured string) bool {
	if presented == "" || configured == "" || len(presented) != len(configured) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}

// Authenticate resolves a presented token. The legacy API key is an admin.
// Scopes that do not parse are ignored; config validation reports them.
func Authenticate(presented, legacyAPIKey string, tokens []TokenConfig) (Principal, bool) {
	if tokensMatch(presented, legacyAPIKey) {
		return Principal{Token: presented, Admin: true}, true
	}
	for _, t := range tokens {
		if !tokensMatch(presented, t.Token) {
			continue
		}
		p := Principal{Token: presented, Grants: make(map[string]Access, len(t.Scopes))}
		for _, raw := range t.Scopes {
			s, err := ParseScope(raw)
			if err != nil {
				continue
			}
			if s.Resource == "*" {
				p.Admin = true
				continue
			}
			p.Grants[s.Resource] = max(p.Grants[s.Resource], s.Access)
		}
		return p, true
	}
	return Principal{}, false
}

// HasAnyScope reports whether p satisfies at least one of the required
// scope strings. No requirement means any authenticated caller.
func HasAnyScope(p Principal, required ...string) bool {
	if len(required) == 0 || p.Admin {
		return true
	}
	for _, raw := range required {
		s, err := ParseScope(raw)
		if err == nil && s.Resource != "*" && p.Allows(s.Resource, s.Access) {
			return true
		}
	}
	return false
}
