// Package tenant provides per-tenant gateway policy: MFA requirements,
// session limits, role hierarchy, and rate-limit overrides, lazily
// loaded from the identity service and cached in Redis.
package tenant

import "time"

// Config is one tenant's gateway policy.
type Config struct {
	TenantID            string              `json:"tenant_id"`
	MFARequired         bool                `json:"mfa_required"`
	AllowedSocialLogins []string            `json:"allowed_social_logins,omitempty"`
	RoleHierarchy       map[string][]string `json:"role_hierarchy,omitempty"`
	Session             SessionConfig       `json:"session"`

	// RateLimitOverrides replaces limit maxima per limit type name for
	// this tenant's traffic.
	RateLimitOverrides map[string]int `json:"rate_limit_overrides,omitempty"`
}

// SessionConfig bounds a tenant's sessions.
type SessionConfig struct {
	MaxActiveSessions int           `json:"max_active_sessions"`
	AccessTokenTTL    time.Duration `json:"access_token_ttl"`
	RefreshTokenTTL   time.Duration `json:"refresh_token_ttl"`
}

// CanCreateSession reports whether a new session fits under the cap.
// A non-positive cap means unlimited.
func (s SessionConfig) CanCreateSession(current int) bool {
	if s.MaxActiveSessions <= 0 {
		return true
	}
	return current < s.MaxActiveSessions
}

// AllowsSocialLogin reports whether the provider is permitted. An empty
// allow-list permits none.
func (c *Config) AllowsSocialLogin(provider string) bool {
	for _, p := range c.AllowedSocialLogins {
		if p == provider {
			return true
		}
	}
	return false
}

// RolesImplied returns the roles a held role expands to through the
// tenant's hierarchy, including the role itself.
func (c *Config) RolesImplied(role string) []string {
	seen := map[string]bool{role: true}
	queue := []string{role}
	out := []string{role}

	for len(queue) > 0 {
		r := queue[0]
		queue = queue[1:]
		for _, implied := range c.RoleHierarchy[r] {
			if !seen[implied] {
				seen[implied] = true
				out = append(out, implied)
				queue = append(queue, implied)
			}
		}
	}
	return out
}
