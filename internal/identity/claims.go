// Package identity integrates with the upstream identity service: JWKS
// token validation, claim extraction, and the HTTP client used for
// permission specs, tenant configuration, and token exchange.
package identity

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims represents the access-token claims the gateway consumes.
type Claims struct {
	jwt.RegisteredClaims

	PreferredUsername string `json:"preferred_username,omitempty"`
	Email             string `json:"email,omitempty"`

	// Multi-tenant claims
	TenantID       string   `json:"tenant_id,omitempty"`
	OrganizationID string   `json:"org_id,omitempty"`
	Roles          []string `json:"roles,omitempty"`

	// PermissionHash is the identity service's digest of the user's
	// effective permission set at mint time.
	PermissionHash string `json:"perm_hash,omitempty"`

	// MFAVerified is set when the session completed a second factor.
	MFAVerified bool `json:"mfa_verified,omitempty"`

	SessionState string `json:"session_state,omitempty"`
	Azp          string `json:"azp,omitempty"` // Authorized party (client ID)
}

// GetUserID returns the subject (user ID) from the token.
func (c *Claims) GetUserID() string {
	return c.Subject
}

// HasRole checks if the token carries a specific role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole checks if the token carries any of the specified roles.
func (c *Claims) HasAnyRole(roles ...string) bool {
	for _, required := range roles {
		if c.HasRole(required) {
			return true
		}
	}
	return false
}

// ExpiresIn returns the remaining lifetime of the token at the given
// instant. Zero or negative means expired or no expiry claim.
func (c *Claims) ExpiresIn(now time.Time) time.Duration {
	if c.ExpiresAt == nil {
		return 0
	}
	return c.ExpiresAt.Time.Sub(now)
}

// InspectToken reads claims without verifying the signature. Used only
// for cheap pre-checks like the refresh stage's expiry probe; callers
// must never trust the result for authentication.
func InspectToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
