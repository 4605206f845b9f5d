// Package authz decides whether an authenticated request may reach its
// upstream endpoint, based on the identity service's permission spec and
// per-user permission state cached in Redis.
package authz

import (
	"context"
	"time"
)

// PermissionSpec is the full endpoint permission catalog. One spec is
// current at a time, shared by all gateway instances, and replaced
// wholesale when the identity service publishes a new version.
type PermissionSpec struct {
	Version   int                  `json:"version"`
	UpdatedAt time.Time            `json:"updated_at"`
	Endpoints []EndpointPermission `json:"endpoints"`
}

// EndpointPermission describes the access rule for one upstream
// endpoint. Path is a template: "{var}" segments match any single
// non-empty path segment.
type EndpointPermission struct {
	Service             string   `json:"service"`
	Path                string   `json:"path"`
	Method              string   `json:"method"`
	RequiredPermissions []string `json:"required_permissions,omitempty"`
	RequiredRoles       []string `json:"required_roles,omitempty"`
	IsPublic            bool     `json:"is_public,omitempty"`
}

// PermissionHash is one user's effective permission state as computed
// by the identity service.
type PermissionHash struct {
	TenantID    string    `json:"tenant_id"`
	UserID      string    `json:"user_id"`
	Hash        string    `json:"hash"`
	Roles       []string  `json:"roles"`
	Permissions []string  `json:"permissions"`
	ComputedAt  time.Time `json:"computed_at"`
}

// Source fetches permission state from the identity service.
type Source interface {
	FetchPermissionSpec(ctx context.Context) (*PermissionSpec, error)
	FetchPermissionHash(ctx context.Context, tenantID, userID string) (*PermissionHash, error)
}
