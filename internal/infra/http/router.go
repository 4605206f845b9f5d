package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openctemio/gateway/internal/config"
	"github.com/openctemio/gateway/internal/infra/http/handler"
	"github.com/openctemio/gateway/internal/infra/http/middleware"
	"github.com/openctemio/gateway/pkg/logger"
)

// RouterDeps are the handlers the router wires up.
type RouterDeps struct {
	Pipeline http.Handler
	Webhooks *handler.WebhookHandler
	Admin    *handler.AdminHandler
	Health   *handler.HealthHandler
	Limiter  *middleware.RateLimiter
}

// NewRouter mounts the gateway's own endpoints and hands everything
// else to the pipeline. Control endpoints carry their own middleware;
// proxied traffic gets only panic recovery, the pipeline does the rest.
func NewRouter(cfg *config.Config, deps RouterDeps, log *logger.Logger) *chi.Mux {
	r := chi.NewRouter()

	recovery := middleware.Recovery(log, cfg.IsProduction())

	r.Group(func(r chi.Router) {
		r.Use(recovery, middleware.TraceID(), middleware.Logger(log))

		r.Get("/health", deps.Health.Health)
		r.Get("/ready", deps.Health.Ready)
		r.Handle("/metrics", promhttp.Handler())

		r.Route("/internal/webhooks", func(r chi.Router) {
			r.Use(deps.Limiter.Middleware())
			r.Post("/permission-sync", deps.Webhooks.PermissionSync)
			r.Post("/user-invalidation", deps.Webhooks.UserInvalidation)
			r.Post("/tenant-settings", deps.Webhooks.TenantSettings)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(deps.Limiter.Middleware())
			r.Delete("/ratelimits/{type}/{id}", deps.Admin.ResetRateLimit)
		})
	})

	r.With(recovery).Handle("/*", deps.Pipeline)

	return r
}
