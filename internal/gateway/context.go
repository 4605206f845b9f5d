// Package gateway implements the request pipeline: an ordered list of
// stages that each enrich the request context or short-circuit with a
// terminal error response.
package gateway

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/openctemio/gateway/pkg/logger"
)

// RequestContext carries everything the pipeline learns about one
// in-flight request. It is created per request and owned by that
// request; stages mutate it, nothing else does.
type RequestContext struct {
	TraceID  string
	ClientIP string
	Host     string

	// Public is set when the request path is on the gateway's public
	// allow-list. Public requests skip the authenticated-only stages.
	Public bool

	// Anonymous is set when no valid bearer token accompanied the
	// request.
	Anonymous bool

	SubjectID      string
	TenantID       string
	OrganizationID string
	Roles          []string

	// Permissions are the effective permissions resolved during
	// authorization, forwarded upstream.
	Permissions []string

	// PermissionHash is the permission digest minted into the token.
	PermissionHash string

	MFAVerified bool

	// TenantMFARequired mirrors the tenant's MFA policy once the
	// tenant-config stage has run.
	TenantMFARequired bool
}

type contextKey struct{}

// WithRequestContext attaches rc to ctx.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// FromContext returns the request context, or nil outside the pipeline.
func FromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rc
}

// TraceIDHeader carries the trace id on both requests and responses.
const TraceIDHeader = "X-Trace-Id"

// ClientIP resolves the caller's address. Forwarded headers are only
// honored when the gateway sits behind a trusted proxy; otherwise a
// client could spoof its way past IP rate limits.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// HostFromRequest resolves the virtual host the client addressed.
// Behind a trusted proxy the original host arrives in X-Forwarded-Host;
// the first comma-separated value wins and any port is dropped.
// Otherwise the Host header is used as-is.
func HostFromRequest(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xfh := r.Header.Get("X-Forwarded-Host"); xfh != "" {
			first, _, _ := strings.Cut(xfh, ",")
			if h := strings.TrimSpace(first); h != "" {
				return stripPort(h)
			}
		}
	}
	return stripPort(r.Host)
}

// LoggerContext seeds the slog context so downstream log lines carry
// the trace id and, once authenticated, the user id.
func (rc *RequestContext) LoggerContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, logger.ContextKeyTraceID, rc.TraceID)
	if rc.SubjectID != "" {
		ctx = context.WithValue(ctx, logger.ContextKeyUserID, rc.SubjectID)
	}
	return ctx
}
