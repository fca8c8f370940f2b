package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"relaybot/internal/domain"
	"relaybot/internal/infra/config"
)

// Authenticator validates incoming gateway connections.
type Authenticator interface {
	Authenticate(token string) (*domain.ClientInfo, error)
}

type authEntry struct {
	token []byte
	info  domain.ClientInfo
}

// StaticTokenAuth authenticates clients against a static token list
// using constant-time comparison to prevent timing attacks.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from the configured tokens.
// Blank tokens are ignored.
func NewStaticTokenAuth(tokens []config.TokenConfig) *StaticTokenAuth {
	a := &StaticTokenAuth{entries: make([]authEntry, 0, len(tokens))}
	for _, t := range tokens {
		if strings.TrimSpace(t.Token) == "" {
			continue
		}
		a.entries = append(a.entries, authEntry{
			token: []byte(t.Token),
			info:  domain.ClientInfo{Name: t.Name, Roles: t.Roles},
		})
	}
	return a
}

// Authenticate returns a fresh copy of the client info bound to token.
func (s *StaticTokenAuth) Authenticate(token string) (*domain.ClientInfo, error) {
	if token == "" {
		return nil, domain.ErrGatewayAuthFailed
	}
	tokenBytes := []byte(token)
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 {
			info := e.info
			info.Roles = append([]string(nil), e.info.Roles...)
			return &info, nil
		}
	}
	return nil, domain.ErrGatewayAuthFailed
}

// tokenFromRequest reads the token query parameter, falling back to a
// bearer Authorization header.
func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	return ""
}

// authorize checks perm against the client's roles. Tokens without roles are
// treated as admin.
func authorize(client *domain.ClientInfo, perm domain.Permission) error {
	roles := client.Roles
	if len(roles) == 0 {
		roles = []string{string(domain.AuthRoleAdmin)}
	}
	if !domain.HasPermission(roles, perm) {
		return domain.ErrForbidden
	}
	return nil
}
