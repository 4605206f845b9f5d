package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openctemio/gateway/internal/authz"
	"github.com/openctemio/gateway/internal/config"
	"github.com/openctemio/gateway/internal/identity"
	"github.com/openctemio/gateway/internal/metrics"
	"github.com/openctemio/gateway/internal/ratelimit"
	"github.com/openctemio/gateway/internal/refresh"
	"github.com/openctemio/gateway/pkg/apierror"
	"github.com/openctemio/gateway/pkg/logger"
)

// traceStage assigns the trace id and resolves the client address. It
// never rejects.
func (p *Pipeline) traceStage(w http.ResponseWriter, r *http.Request, rc *RequestContext) *apierror.Error {
	rc.TraceID = r.Header.Get(TraceIDHeader)
	if rc.TraceID == "" {
		rc.TraceID = uuid.New().String()
	}
	rc.ClientIP = ClientIP(r, p.cfg.Proxy.TrustForwardedHeaders)
	rc.Host = HostFromRequest(r, p.cfg.Proxy.TrustForwardedHeaders)
	rc.Public = p.public.Match(rc.Host, r.URL.Path)

	w.Header().Set(TraceIDHeader, rc.TraceID)
	return nil
}

// refreshStage rotates the token pair when the request carries both an
// expired bearer token and a refresh cookie. Lock contention passes
// through (the winner's rotation stands); every refresh failure is
// terminal.
func (p *Pipeline) refreshStage(w http.ResponseWriter, r *http.Request, rc *RequestContext) *apierror.Error {
	access := bearerToken(r)
	cookie, err := r.Cookie(refresh.CookieName)
	if access == "" || err != nil || cookie.Value == "" {
		return nil
	}
	if !refresh.ShouldRefresh(access, time.Now()) {
		return nil
	}

	// Unverified read: only used to scope the limit and the lock. The
	// rotated token is fully validated by the auth stage.
	tenantID, subjectID := "", rc.ClientIP
	if claims, err := identity.InspectToken(access); err == nil && claims.Subject != "" {
		tenantID, subjectID = claims.TenantID, claims.Subject
	}

	if p.cfg.RateLimit.Enabled {
		result, err := p.engine.Check(r.Context(), ratelimit.LimitTokenRefresh, subjectID)
		if err != nil {
			p.logger.Warn("rate limiter unavailable, failing open",
				"limit_type", ratelimit.LimitTokenRefresh,
				"error", err,
			)
		} else if !result.Allowed || result.Blocked {
			return limitError(w, result)
		}
	}

	pair, err := p.refresher.Refresh(r.Context(), tenantID, subjectID, cookie.Value)
	if err != nil {
		switch {
		case errors.Is(err, refresh.ErrTokenReuseDetected):
			metrics.RefreshTotal.WithLabelValues(metrics.RefreshReuse).Inc()
			p.logger.Error("security: refresh token reuse detected",
				"subject_id", subjectID,
				"client_ip", rc.ClientIP,
			)
			return apierror.TokenReuse()
		case errors.Is(err, refresh.ErrExpiredRefreshToken):
			metrics.RefreshTotal.WithLabelValues(metrics.RefreshError).Inc()
			return apierror.Unauthorized("Refresh token expired")
		case errors.Is(err, refresh.ErrMissingRefreshToken), errors.Is(err, refresh.ErrInvalidRefreshToken):
			metrics.RefreshTotal.WithLabelValues(metrics.RefreshError).Inc()
			return apierror.Unauthorized("Refresh token invalid")
		default:
			metrics.RefreshTotal.WithLabelValues(metrics.RefreshError).Inc()
			p.logger.Error("token refresh failed",
				"subject_id", subjectID,
				"error", err,
			)
			return apierror.InternalError(err)
		}
	}
	if pair == nil {
		// Another instance won the refresh lock
		metrics.RefreshTotal.WithLabelValues(metrics.RefreshPassthrough).Inc()
		return nil
	}

	metrics.RefreshTotal.WithLabelValues(metrics.RefreshRotated).Inc()
	r.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	http.SetCookie(w, p.refresher.NewCookie(pair.RefreshToken))
	return nil
}

// preAuthLimitStage applies the limits that need no authenticated
// identity: per-IP, per-endpoint, and the credential-guessing limits on
// login and OTP paths. Limiter infrastructure failures fail open.
func (p *Pipeline) preAuthLimitStage(w http.ResponseWriter, r *http.Request, rc *RequestContext) *apierror.Error {
	if !p.cfg.RateLimit.Enabled {
		return nil
	}

	type limitCheck struct {
		lt    ratelimit.LimitType
		id    string
		extra []string
	}
	checks := []limitCheck{
		{ratelimit.LimitIP, rc.ClientIP, nil},
		{ratelimit.LimitEndpoint, rc.Host, []string{r.Method, r.URL.Path}},
	}
	if isLoginPath(r.URL.Path) {
		checks = append(checks, limitCheck{ratelimit.LimitLogin, rc.ClientIP, nil})
	}
	if isOTPPath(r.URL.Path) {
		checks = append(checks, limitCheck{ratelimit.LimitOTP, rc.ClientIP, nil})
	}

	for _, c := range checks {
		result, err := p.engine.Check(r.Context(), c.lt, c.id, c.extra...)
		if err != nil {
			p.logger.Warn("rate limiter unavailable, failing open",
				"limit_type", c.lt,
				"error", err,
			)
			continue
		}
		if !result.Allowed || result.Blocked {
			return limitError(w, result)
		}
	}
	return nil
}

// authStage validates the bearer token and fills in the request's
// identity. Requests without a token stay anonymous; the authorization
// stage decides whether that is acceptable for the endpoint. Invalid
// tokens count toward the INVALID_JWT failure threshold.
func (p *Pipeline) authStage(w http.ResponseWriter, r *http.Request, rc *RequestContext) *apierror.Error {
	token := bearerToken(r)
	if token == "" {
		return nil
	}

	claims, err := p.validator.ValidateToken(token)
	if err != nil {
		var blocked bool
		if p.cfg.RateLimit.Enabled {
			var recErr error
			blocked, recErr = p.engine.RecordFailure(r.Context(), ratelimit.LimitInvalidJWT, rc.ClientIP)
			if recErr != nil {
				p.logger.Warn("failed to record invalid token",
					"client_ip", rc.ClientIP,
					"error", recErr,
				)
			}
		}

		// A public path tolerates a bad token; the request just stays
		// anonymous.
		if rc.Public && !blocked {
			return nil
		}
		if blocked {
			return apierror.IPBlocked(int(p.cfg.RateLimit.FailureBlockDuration.Seconds()))
		}
		if errors.Is(err, identity.ErrExpiredToken) {
			return apierror.Unauthorized("Token expired")
		}
		return apierror.SafeUnauthorized(err)
	}

	rc.Anonymous = false
	rc.SubjectID = claims.GetUserID()
	rc.TenantID = claims.TenantID
	rc.OrganizationID = claims.OrganizationID
	rc.Roles = claims.Roles
	rc.PermissionHash = claims.PermissionHash
	rc.MFAVerified = claims.MFAVerified
	return nil
}

// userLimitStage applies the per-user limit once identity is known.
func (p *Pipeline) userLimitStage(w http.ResponseWriter, r *http.Request, rc *RequestContext) *apierror.Error {
	if rc.Anonymous || !p.cfg.RateLimit.Enabled {
		return nil
	}

	result, err := p.engine.Check(r.Context(), ratelimit.LimitUser, rc.SubjectID)
	if err != nil {
		p.logger.Warn("rate limiter unavailable, failing open",
			"limit_type", ratelimit.LimitUser,
			"error", err,
		)
		return nil
	}
	if !result.Allowed || result.Blocked {
		return limitError(w, result)
	}
	return nil
}

// tenantStage loads the tenant's configuration. A load failure is a
// hard error; serving a tenant without its policy is not an option.
func (p *Pipeline) tenantStage(w http.ResponseWriter, r *http.Request, rc *RequestContext) *apierror.Error {
	if rc.Anonymous || rc.TenantID == "" {
		return nil
	}

	cfg, err := p.tenants.Get(r.Context(), rc.TenantID)
	if err != nil {
		return apierror.InternalError(err)
	}
	rc.TenantMFARequired = cfg.MFARequired
	return nil
}

// mfaStage enforces the tenant's MFA mandate against the token's
// mfa_verified claim.
func (p *Pipeline) mfaStage(w http.ResponseWriter, r *http.Request, rc *RequestContext) *apierror.Error {
	if rc.Anonymous || !rc.TenantMFARequired || rc.MFAVerified {
		return nil
	}
	return apierror.MFARequired()
}

// authzStage evaluates endpoint permissions. Public paths skip it, the
// super-admin role bypasses it, and any failure to load permission
// state denies.
func (p *Pipeline) authzStage(w http.ResponseWriter, r *http.Request, rc *RequestContext) *apierror.Error {
	if rc.Public {
		return nil
	}
	if !rc.Anonymous && hasRole(rc.Roles, p.cfg.Gateway.SuperAdminRole) {
		metrics.AuthzDecisions.WithLabelValues("true", "super_admin").Inc()
		return nil
	}

	sub := authz.Subject{
		TenantID:  rc.TenantID,
		UserID:    rc.SubjectID,
		Roles:     rc.Roles,
		TokenHash: rc.PermissionHash,
	}
	decision, err := p.authorizer.Authorize(r.Context(), sub, r.Method, r.URL.Path)
	if err != nil {
		return apierror.SafeForbidden(err)
	}

	metrics.AuthzDecisions.WithLabelValues(strconv.FormatBool(decision.Allowed), decision.Reason).Inc()
	if decision.Stale {
		metrics.StaleTokens.Inc()
	}

	if !decision.Allowed {
		if decision.Reason == authz.ReasonAnonymous {
			return apierror.Unauthorized("")
		}
		return apierror.Forbidden("")
	}

	rc.Permissions = decision.Permissions
	return nil
}

// limitError converts a rejected rate-limit result into the terminal
// response, attaching the standard limit headers.
func limitError(w http.ResponseWriter, result ratelimit.Result) *apierror.Error {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(result.RetryAfter).Unix(), 10))

	retryAfter := int(result.RetryAfter.Seconds())
	switch result.Action {
	case ratelimit.ActionBlockIP:
		return apierror.IPBlocked(retryAfter)
	case ratelimit.ActionLockAccount:
		return apierror.AccountLocked(retryAfter)
	default:
		return apierror.RateLimitExceeded(retryAfter)
	}
}

// AccessTokenCookie is the fallback carrier for the bearer credential
// when the Authorization header is absent.
const AccessTokenCookie = "access_token"

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	if c, err := r.Cookie(AccessTokenCookie); err == nil {
		return c.Value
	}
	return ""
}

func hasRole(roles []string, want string) bool {
	if want == "" {
		return false
	}
	for _, role := range roles {
		if role == want {
			return true
		}
	}
	return false
}

func isLoginPath(path string) bool {
	return strings.HasSuffix(path, "/login") || strings.HasSuffix(path, "/oauth/token")
}

func isOTPPath(path string) bool {
	return strings.Contains(path, "/otp/") || strings.HasSuffix(path, "/otp")
}

// LoginFailureObserver watches upstream responses to login endpoints
// and records a failure for every rejected credential attempt. The
// pre-auth limit stage enforces the resulting block on the next request
// from that address. Intended as the reverse proxy's response hook.
func LoginFailureObserver(cfg *config.Config, engine *ratelimit.Engine, log *logger.Logger) func(*http.Response) error {
	return func(resp *http.Response) error {
		if !cfg.RateLimit.Enabled || resp.Request == nil {
			return nil
		}
		if !isLoginPath(resp.Request.URL.Path) || resp.StatusCode != http.StatusUnauthorized {
			return nil
		}
		rc := FromContext(resp.Request.Context())
		if rc == nil || rc.ClientIP == "" {
			return nil
		}

		blocked, err := engine.RecordFailure(resp.Request.Context(), ratelimit.LimitLogin, rc.ClientIP)
		if err != nil {
			log.Warn("failed to record login failure",
				"client_ip", rc.ClientIP,
				"error", err,
			)
			return nil
		}
		if blocked {
			log.Warn("security: login failure threshold crossed",
				"client_ip", rc.ClientIP,
			)
		}
		return nil
	}
}
