package authz

import (
	"context"

	"github.com/openctemio/gateway/pkg/logger"
)

// Subject is the authenticated principal being authorized.
// An empty UserID marks an anonymous request.
type Subject struct {
	TenantID string
	UserID   string
	Roles    []string

	// TokenHash is the permission digest minted into the access token.
	// A mismatch with the cached state means the token predates a
	// permission change.
	TokenHash string
}

// Decision is the authorization outcome.
type Decision struct {
	Allowed bool

	// Reason is a short machine-readable label for logs and metrics.
	Reason string

	// Endpoint is the matched rule, nil when no rule matched.
	Endpoint *EndpointPermission

	// Stale is set when the token's permission digest no longer matches
	// the identity service's current state for the user.
	Stale bool

	// Permissions are the subject's effective permissions when cached
	// state was consulted for this decision. Empty when the decision
	// never reached the hash cache (public, token-role, unrestricted).
	Permissions []string
}

// Decision reasons.
const (
	ReasonNoMatch         = "no_matching_endpoint"
	ReasonPublic          = "public_endpoint"
	ReasonAnonymous       = "anonymous"
	ReasonRoleMatch       = "role_match"
	ReasonPermissionMatch = "permission_match"
	ReasonInsufficient    = "insufficient_permissions"
	ReasonUnrestricted    = "no_requirements"
)

// Authorizer evaluates requests against the permission spec.
type Authorizer struct {
	specs  *SpecCache
	hashes *HashCache
	logger *logger.Logger
}

// NewAuthorizer creates an authorizer over the two caches.
func NewAuthorizer(specs *SpecCache, hashes *HashCache, log *logger.Logger) *Authorizer {
	return &Authorizer{
		specs:  specs,
		hashes: hashes,
		logger: log.With("component", "authorizer"),
	}
}

// Authorize decides whether the subject may call method+path. A nil
// error with Decision.Allowed=false is a definitive denial; a non-nil
// error means permission state could not be loaded and the caller must
// fail closed.
func (a *Authorizer) Authorize(ctx context.Context, sub Subject, method, path string) (*Decision, error) {
	spec, err := a.specs.Get(ctx)
	if err != nil {
		return nil, err
	}

	ep := MatchEndpoint(spec, method, path)
	if ep == nil {
		return &Decision{Reason: ReasonNoMatch}, nil
	}

	if ep.IsPublic {
		return &Decision{Allowed: true, Reason: ReasonPublic, Endpoint: ep}, nil
	}

	if sub.UserID == "" {
		return &Decision{Reason: ReasonAnonymous, Endpoint: ep}, nil
	}

	if len(ep.RequiredRoles) == 0 && len(ep.RequiredPermissions) == 0 {
		return &Decision{Allowed: true, Reason: ReasonUnrestricted, Endpoint: ep}, nil
	}

	if HasAnyRole(sub.Roles, ep.RequiredRoles) {
		return &Decision{Allowed: true, Reason: ReasonRoleMatch, Endpoint: ep}, nil
	}

	state, err := a.hashes.Get(ctx, sub.TenantID, sub.UserID)
	if err != nil {
		return nil, err
	}

	stale := sub.TokenHash != "" && sub.TokenHash != state.Hash
	if stale {
		a.logger.Debug("token permission digest is stale",
			"tenant_id", sub.TenantID,
			"user_id", sub.UserID,
		)
	}

	// Roles granted after the token was minted still count; the cached
	// state is the identity service's current view of the user.
	if HasAnyRole(state.Roles, ep.RequiredRoles) {
		return &Decision{
			Allowed:     true,
			Reason:      ReasonRoleMatch,
			Endpoint:    ep,
			Stale:       stale,
			Permissions: state.Permissions,
		}, nil
	}

	if len(ep.RequiredPermissions) == 0 {
		return &Decision{Reason: ReasonInsufficient, Endpoint: ep, Stale: stale}, nil
	}

	if HasAllPermissions(state.Permissions, ep.RequiredPermissions) {
		return &Decision{
			Allowed:     true,
			Reason:      ReasonPermissionMatch,
			Endpoint:    ep,
			Stale:       stale,
			Permissions: state.Permissions,
		}, nil
	}

	return &Decision{Reason: ReasonInsufficient, Endpoint: ep, Stale: stale, Permissions: state.Permissions}, nil
}
