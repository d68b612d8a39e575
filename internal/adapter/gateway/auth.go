package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"afo-engine/internal/domain"
	"afo-engine/internal/infra/config"
)

// Roles understood by the gateway. Tokens without roles act as admin.
const (
	RoleAdmin  = "admin"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// ClientInfo holds metadata about an authenticated gateway client.
type ClientInfo struct {
	Name  string
	Roles []string
}

// CanWrite reports whether the client may change workflows or run them.
func (c *ClientInfo) CanWrite() bool {
	if c == nil {
		return false
	}
	if len(c.Roles) == 0 {
		return true
	}
	for _, r := range c.Roles {
		if r == RoleAdmin || r == RoleEditor {
			return true
		}
	}
	return false
}

// Authenticator validates incoming gateway requests.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

type authEntry struct {
	token []byte
	info  *ClientInfo
}

// StaticTokenAuth authenticates clients against a static token list
// using constant-time comparison.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from configured tokens.
func NewStaticTokenAuth(tokens []config.TokenConfig) *StaticTokenAuth {
	a := &StaticTokenAuth{entries: make([]authEntry, len(tokens))}
	for i, t := range tokens {
		a.entries[i] = authEntry{
			token: []byte(t.Token),
			info:  &ClientInfo{Name: t.Name, Roles: t.Roles},
		}
	}
	return a
}

// Authenticate returns client info if the token is valid.
func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	if token == "" {
		return nil, domain.ErrGatewayAuthFailed
	}
	tokenBytes := []byte(token)
	var found *ClientInfo
	// Compare against every entry so timing does not reveal the position.
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 && found == nil {
			found = e.info
		}
	}
	if found == nil {
		return nil, domain.ErrGatewayAuthFailed
	}
	return found, nil
}

// OpenAuth accepts every request as an anonymous admin. Used when
// gateway.auth.type is empty.
type OpenAuth struct{}

func (OpenAuth) Authenticate(string) (*ClientInfo, error) {
	return &ClientInfo{Name: "anonymous"}, nil
}

// NewAuthenticator selects the authenticator for cfg.
func NewAuthenticator(cfg config.AuthConfig) Authenticator {
	if cfg.Type == "static" {
		return NewStaticTokenAuth(cfg.Tokens)
	}
	return OpenAuth{}
}

// tokenFromRequest reads a bearer token from the Authorization header or
// the token query parameter.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
		return strings.TrimSpace(h)
	}
	return r.URL.Query().Get("token")
}

type clientKey struct{}

func contextWithClient(ctx context.Context, c *ClientInfo) context.Context {
	return context.WithValue(ctx, clientKey{}, c)
}

// ClientFromContext returns the authenticated client stored by the gateway.
func ClientFromContext(ctx context.Context) *ClientInfo {
	c, _ := ctx.Value(clientKey{}).(*ClientInfo)
	return c
}
