package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openctemio/gateway/internal/authz"
	"github.com/openctemio/gateway/internal/config"
	"github.com/openctemio/gateway/internal/gateway"
	"github.com/openctemio/gateway/internal/identity"
	httpinfra "github.com/openctemio/gateway/internal/infra/http"
	"github.com/openctemio/gateway/internal/infra/http/handler"
	"github.com/openctemio/gateway/internal/infra/http/middleware"
	"github.com/openctemio/gateway/internal/infra/redis"
	"github.com/openctemio/gateway/internal/ratelimit"
	"github.com/openctemio/gateway/internal/refresh"
	"github.com/openctemio/gateway/internal/tenant"
	"github.com/openctemio/gateway/pkg/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx := context.Background()

	// ==========================================================================
	// Configuration & Logger
	// ==========================================================================
	cfg, err := config.Load()
	if err != nil {
		log := logger.NewDefault()
		log.Error("failed to load configuration", "error", err)
		return 1
	}

	log := initLogger(cfg)
	log.Info("starting gateway", "app", cfg.App.Name, "env", cfg.App.Env)

	// ==========================================================================
	// Infrastructure
	// ==========================================================================
	redisClient, err := redis.New(&cfg.Redis, log)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		return 1
	}
	defer closeWithLog(redisClient, "redis", log)
	log.Info("redis connected")

	stopPoolStats := redis.StartPoolStatsCollector(ctx, redisClient, 15*time.Second)
	defer stopPoolStats()

	// ==========================================================================
	// Identity service
	// ==========================================================================
	idClient, err := identity.NewClient(identity.ClientConfig{
		BaseURL: cfg.Identity.BaseURL,
		Timeout: cfg.Identity.RequestTimeout,
	}, log)
	if err != nil {
		log.Error("failed to create identity client", "error", err)
		return 1
	}

	tokenValidator, err := identity.NewValidator(ctx, identity.ValidatorConfig{
		JWKSURL:         cfg.Identity.JWKSURL,
		Issuer:          cfg.Identity.Issuer,
		Audience:        cfg.Identity.Audience,
		RefreshInterval: cfg.Identity.JWKSRefreshInterval,
		HTTPTimeout:     cfg.Identity.RequestTimeout,
		// The gateway starts even when the identity service is briefly
		// down; validation fails until the first JWKS fetch succeeds.
		RequireInitialFetch: false,
		OnRefreshError: func(err error, consecutiveFailures int) {
			log.Error("JWKS refresh failed",
				"error", err,
				"consecutive_failures", consecutiveFailures,
			)
		},
	})
	if err != nil {
		log.Error("failed to create token validator", "error", err)
		return 1
	}
	defer closeWithLog(tokenValidator, "token validator", log)
	log.Info("token validator initialized", "jwks_url", cfg.Identity.JWKSURL)

	// ==========================================================================
	// Gateway components
	// ==========================================================================
	engine, err := ratelimit.NewEngine(redisClient, cfg.RateLimit, log)
	if err != nil {
		log.Error("failed to create rate-limit engine", "error", err)
		return 1
	}

	specs, err := authz.NewSpecCache(redisClient, idClient, log)
	if err != nil {
		log.Error("failed to create permission spec cache", "error", err)
		return 1
	}
	hashes, err := authz.NewHashCache(redisClient, idClient, cfg.Gateway.PermissionHashTTL, log)
	if err != nil {
		log.Error("failed to create permission hash cache", "error", err)
		return 1
	}
	authorizer := authz.NewAuthorizer(specs, hashes, log)

	tenants, err := tenant.NewStore(redisClient, idClient, cfg.Gateway.TenantConfigTTL, log)
	if err != nil {
		log.Error("failed to create tenant store", "error", err)
		return 1
	}

	coordinator, err := refresh.NewCoordinator(redisClient, idClient, refresh.Config{
		LockLease:    cfg.Gateway.RefreshLockLease,
		CookieMaxAge: cfg.Gateway.RefreshCookieMaxAge,
	}, log)
	if err != nil {
		log.Error("failed to create refresh coordinator", "error", err)
		return 1
	}

	// ==========================================================================
	// Pipeline & HTTP server
	// ==========================================================================
	proxy, err := httpinfra.NewProxy(cfg.Proxy.UpstreamURL, gateway.LoginFailureObserver(cfg, engine, log), log)
	if err != nil {
		log.Error("failed to create upstream proxy", "error", err)
		return 1
	}

	pipeline, err := gateway.NewPipeline(cfg, engine, coordinator, tokenValidator, authorizer, tenants, proxy, log)
	if err != nil {
		log.Error("failed to create pipeline", "error", err)
		return 1
	}

	webhookLimiter := middleware.NewRateLimiter(&cfg.Webhook, log)

	router := httpinfra.NewRouter(cfg, httpinfra.RouterDeps{
		Pipeline: pipeline,
		Webhooks: handler.NewWebhookHandler(specs, hashes, tenants, log),
		Admin:    handler.NewAdminHandler(engine, log),
		Health:   handler.NewHealthHandler(redisClient),
		Limiter:  webhookLimiter,
	}, log)

	server := httpinfra.NewServer(cfg, router, log)
	server.OnShutdown(webhookLimiter.Stop)

	go func() {
		if err := server.Start(); err != nil {
			log.Error("server error", "error", err)
		}
	}()
	log.Info("gateway started",
		"http_addr", cfg.ServerAddr(),
		"upstream", cfg.Proxy.UpstreamURL,
	)

	// ==========================================================================
	// Shutdown
	// ==========================================================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shutdown server", "error", err)
		return 1
	}

	log.Info("gateway stopped")
	return 0
}

func initLogger(cfg *config.Config) *logger.Logger {
	var log *logger.Logger
	if cfg.IsProduction() {
		//nolint:gosec // G115: value validated non-negative in config.Validate()
		threshold := uint64(cfg.Log.SamplingThreshold)
		log = logger.New(logger.Config{
			Level:  cfg.Log.Level,
			Format: cfg.Log.Format,
			Output: os.Stdout,
			Sampling: logger.SamplingConfig{
				Enabled:   cfg.Log.SamplingEnabled,
				Tick:      time.Second,
				Threshold: threshold,
				Rate:      cfg.Log.SamplingRate,
				ErrorRate: cfg.Log.ErrorSamplingRate,
				NeverSampleMessages: []string{
					"security:",
					"audit:",
				},
			},
		})
	} else {
		log = logger.NewDevelopment()
	}
	log.SetDefault()
	return log
}

type closer interface {
	Close() error
}

func closeWithLog(c closer, name string, log *logger.Logger) {
	if err := c.Close(); err != nil {
		log.Error("failed to close "+name, "error", err)
	}
}
