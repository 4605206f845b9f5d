// Package http is the gateway's HTTP edge: the server, the router that
// splits control endpoints from proxied traffic, and the upstream
// reverse proxy.
package http

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/openctemio/gateway/pkg/apierror"
	"github.com/openctemio/gateway/pkg/logger"
)

// NewProxy builds the reverse proxy that carries pipeline survivors to
// the upstream. Identity headers are set by the pipeline before the
// request reaches the proxy. A non-nil modifyResponse hook observes
// every upstream response, e.g. to track login outcomes.
func NewProxy(upstream string, modifyResponse func(*http.Response) error, log *logger.Logger) (http.Handler, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("upstream url %q must be absolute", upstream)
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ModifyResponse = modifyResponse
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Error("upstream request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		apierror.ServiceUnavailable("Upstream unavailable").WriteJSON(w)
	}

	return proxy, nil
}
