// Package auth verifies the static bearer tokens configured for the API.
package auth

import (
	"fmt"
	"strings"

	"github.com/org/agentwall/internal/crypto"
	"github.com/org/agentwall/internal/errs"
)

// Scope grants access to a group of endpoints.
type Scope string

const (
	ScopeAdmin    Scope = "admin"
	ScopeEvaluate Scope = "evaluate"
	ScopeRead     Scope = "read"
)

func (s Scope) Valid() bool {
	return s == ScopeAdmin || s == ScopeEvaluate || s == ScopeRead
}

// TokenConfig is one configured token. Prefer SHA256; Token holds a
// plaintext value for development setups and is hashed on load.
type TokenConfig struct {
	Name     string  `yaml:"name"`
	SHA256   string  `yaml:"sha256"`
	Token    string  `yaml:"token"`
	Scopes   []Scope `yaml:"scopes"`
	TenantID string  `yaml:"tenant_id"`
}

// Principal is the authenticated caller.
type Principal struct {
	Name     string
	Scopes   []Scope
	TenantID string // empty means every tenant
}

// Has reports whether p holds scope. admin implies every scope.
func (p *Principal) Has(scope Scope) bool {
	for _, s := range p.Scopes {
		if s == scope || s == ScopeAdmin {
			return true
		}
	}
	return false
}

// CanAccessTenant reports whether p may act on tenantID.
func (p *Principal) CanAccessTenant(tenantID string) bool {
	return p.TenantID == "" || p.TenantID == tenantID
}

type entry struct {
	hash      string
	principal Principal
}

// TokenService matches presented tokens against configured hashes.
type TokenService struct {
	entries []entry
}

// NewTokenService validates cfgs and returns a service over them.
func NewTokenService(cfgs []TokenConfig) (*TokenService, error) {
	s := &TokenService{}
	for i, c := range cfgs {
		hash := strings.ToLower(strings.TrimSpace(c.SHA256))
		if hash == "" && c.Token != "" {
			hash = crypto.HashToken(c.Token)
		}
		if len(hash) != 64 {
			return nil, fmt.Errorf("auth.tokens[%d]: sha256 must be a 64 character hex digest", i)
		}
		if len(c.Scopes) == 0 {
			return nil, fmt.Errorf("auth.tokens[%d]: at least one scope is required", i)
		}
		for _, sc := range c.Scopes {
			if !sc.Valid() {
				return nil, fmt.Errorf("auth.tokens[%d]: unknown scope %q", i, sc)
			}
		}
		name := c.Name
		if name == "" {
			name = fmt.Sprintf("token-%d", i)
		}
		s.entries = append(s.entries, entry{
			hash:      hash,
			principal: Principal{Name: name, Scopes: c.Scopes, TenantID: c.TenantID},
		})
	}
	return s, nil
}

// ValidateToken returns the principal for plaintext. Every entry is compared
// so timing does not reveal which one matched.
func (s *TokenService) ValidateToken(plaintext string) (*Principal, error) {
	if plaintext == "" {
		return nil, errs.ErrUnauthorized
	}
	hash := crypto.HashToken(plaintext)
	var found *Principal
	for i := range s.entries {
		if crypto.EqualHash(hash, s.entries[i].hash) && found == nil {
			p := s.entries[i].principal
			found = &p
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: invalid token", errs.ErrForbidden)
	}
	return found, nil
}

// Empty reports whether no tokens are configured.
func (s *TokenService) Empty() bool { return len(s.entries) == 0 }

// HashToken returns the SHA-256 hex hash of a plaintext token.
func HashToken(plaintext string) string {
	return crypto.HashToken(plaintext)
}
