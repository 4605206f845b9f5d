package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/openctemio/gateway/internal/authz"
	"github.com/openctemio/gateway/internal/config"
	"github.com/openctemio/gateway/internal/identity"
	"github.com/openctemio/gateway/internal/metrics"
	"github.com/openctemio/gateway/internal/ratelimit"
	"github.com/openctemio/gateway/internal/tenant"
	"github.com/openctemio/gateway/pkg/apierror"
	"github.com/openctemio/gateway/pkg/logger"
)

// TokenValidator verifies a bearer token's signature and claims.
type TokenValidator interface {
	ValidateToken(tokenString string) (*identity.Claims, error)
}

// Refresher rotates a session's token pair.
type Refresher interface {
	Refresh(ctx context.Context, tenantID, subjectID, refreshToken string) (*identity.TokenPair, error)
	NewCookie(refreshToken string) *http.Cookie
}

// StageFunc processes one request. A nil return passes the request to
// the next stage; a non-nil error short-circuits the pipeline and is
// written as the terminal response.
type StageFunc func(w http.ResponseWriter, r *http.Request, rc *RequestContext) *apierror.Error

// Stage is a named pipeline step. The name appears in logs and metrics
// when the stage rejects.
type Stage struct {
	Name string
	Run  StageFunc
}

// Pipeline runs requests through the ordered stage list and forwards
// survivors upstream.
type Pipeline struct {
	cfg        *config.Config
	engine     *ratelimit.Engine
	refresher  Refresher
	validator  TokenValidator
	authorizer *authz.Authorizer
	tenants    *tenant.Store
	public     *PublicPaths
	forward    http.Handler
	stages     []Stage
	logger     *logger.Logger
}

// NewPipeline wires the stage list in its fixed order. The forward
// handler receives every request that passes all stages.
func NewPipeline(
	cfg *config.Config,
	engine *ratelimit.Engine,
	refresher Refresher,
	validator TokenValidator,
	authorizer *authz.Authorizer,
	tenants *tenant.Store,
	forward http.Handler,
	log *logger.Logger,
) (*Pipeline, error) {
	public, err := ParsePublicPaths(cfg.Gateway.PublicPaths)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:        cfg,
		engine:     engine,
		refresher:  refresher,
		validator:  validator,
		authorizer: authorizer,
		tenants:    tenants,
		public:     public,
		forward:    forward,
		logger:     log.With("component", "pipeline"),
	}

	// Order matters: identity is only trusted after the bearer stage,
	// and everything before it must key off the client address.
	p.stages = []Stage{
		{Name: "trace", Run: p.traceStage},
		{Name: "refresh", Run: p.refreshStage},
		{Name: "pre_auth_limits", Run: p.preAuthLimitStage},
		{Name: "auth", Run: p.authStage},
		{Name: "user_limit", Run: p.userLimitStage},
		{Name: "tenant", Run: p.tenantStage},
		{Name: "mfa", Run: p.mfaStage},
		{Name: "authz", Run: p.authzStage},
	}

	return p, nil
}

// ServeHTTP implements http.Handler.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	rc := &RequestContext{Anonymous: true}
	r = r.WithContext(WithRequestContext(r.Context(), rc))

	for _, stage := range p.stages {
		apiErr := stage.Run(w, r, rc)
		if apiErr == nil {
			continue
		}

		metrics.StageRejections.WithLabelValues(stage.Name, string(apiErr.Code)).Inc()
		metrics.RequestsTotal.WithLabelValues(rc.Host, stage.Name).Inc()

		p.logger.Info("request rejected",
			"stage", stage.Name,
			"code", apiErr.Code,
			"status", apiErr.Status,
			"method", r.Method,
			"path", r.URL.Path,
			"client_ip", rc.ClientIP,
			"trace_id", rc.TraceID,
		)

		apiErr.WriteJSONWithTraceID(w, rc.TraceID)
		return
	}

	metrics.RequestDuration.WithLabelValues(rc.Host).Observe(time.Since(start).Seconds())
	metrics.RequestsTotal.WithLabelValues(rc.Host, "forwarded").Inc()

	p.setForwardHeaders(r, rc)
	r = r.WithContext(rc.LoggerContext(r.Context()))
	p.forward.ServeHTTP(w, r)
}

// Headers the upstream trusts. Inbound values are always stripped so a
// client cannot impersonate the gateway.
const (
	HeaderUserID          = "X-User-Id"
	HeaderTenantID        = "X-Tenant-Id"
	HeaderOrganizationID  = "X-Organization-Id"
	HeaderUserRoles       = "X-User-Roles"
	HeaderUserPermissions = "X-User-Permissions"
)

func (p *Pipeline) setForwardHeaders(r *http.Request, rc *RequestContext) {
	for _, h := range []string{HeaderUserID, HeaderTenantID, HeaderOrganizationID, HeaderUserRoles, HeaderUserPermissions} {
		r.Header.Del(h)
	}

	r.Header.Set(TraceIDHeader, rc.TraceID)
	if rc.Anonymous {
		return
	}

	r.Header.Set(HeaderUserID, rc.SubjectID)
	if rc.TenantID != "" {
		r.Header.Set(HeaderTenantID, rc.TenantID)
	}
	if rc.OrganizationID != "" {
		r.Header.Set(HeaderOrganizationID, rc.OrganizationID)
	}
	if len(rc.Roles) > 0 {
		r.Header.Set(HeaderUserRoles, strings.Join(rc.Roles, ","))
	}
	if len(rc.Permissions) > 0 {
		r.Header.Set(HeaderUserPermissions, strings.Join(rc.Permissions, ","))
	}
}
