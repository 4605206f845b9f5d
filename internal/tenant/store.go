package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/openctemio/gateway/internal/infra/redis"
	"github.com/openctemio/gateway/pkg/logger"
)

// Source fetches tenant configuration from the identity service.
type Source interface {
	FetchTenantConfig(ctx context.Context, tenantID string) (*Config, error)
}

// Store caches tenant configuration in Redis with a TTL. The
// tenant-settings webhook invalidates entries eagerly; the TTL bounds
// staleness when the webhook is missed. Load failures surface to the
// caller, which must fail closed.
type Store struct {
	cache  *redis.Cache[Config]
	source Source
	sf     singleflight.Group
	logger *logger.Logger
}

// NewStore creates a tenant config store.
func NewStore(client *redis.Client, source Source, ttl time.Duration, log *logger.Logger) (*Store, error) {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	cache, err := redis.NewCache[Config](client, "tenant", ttl)
	if err != nil {
		return nil, fmt.Errorf("create tenant cache: %w", err)
	}
	return &Store{
		cache:  cache,
		source: source,
		logger: log.With("component", "tenant_store"),
	}, nil
}

// Get returns the tenant's configuration, fetching on miss. Concurrent
// misses for the same tenant collapse into one upstream fetch.
func (s *Store) Get(ctx context.Context, tenantID string) (*Config, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}

	cached, err := s.cache.Get(ctx, tenantID)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, redis.ErrCacheMiss) {
		return nil, err
	}

	v, err, _ := s.sf.Do(tenantID, func() (any, error) {
		cfg, err := s.source.FetchTenantConfig(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("load tenant config: %w", err)
		}
		if err := s.cache.Set(ctx, tenantID, *cfg); err != nil {
			s.logger.Warn("failed to cache tenant config",
				"tenant_id", tenantID,
				"error", err,
			)
		}
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Config), nil
}

// Invalidate handles the tenant-settings webhook: the entry is deleted
// so the next request reloads fresh configuration.
func (s *Store) Invalidate(ctx context.Context, tenantID string) error {
	if err := s.cache.Delete(ctx, tenantID); err != nil {
		return err
	}
	s.logger.Info("tenant config invalidated", "tenant_id", tenantID)
	return nil
}
