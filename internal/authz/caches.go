package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/openctemio/gateway/internal/infra/redis"
	"github.com/openctemio/gateway/pkg/logger"
)

const specCacheKey = "current"

// SpecCache holds the single current permission spec in Redis. The
// entry never expires on its own; the sync webhook replaces it when the
// identity service publishes a new version. Concurrent misses collapse
// into one upstream fetch.
type SpecCache struct {
	cache  *redis.Cache[PermissionSpec]
	source Source
	sf     singleflight.Group
	logger *logger.Logger
}

// NewSpecCache creates the spec cache.
func NewSpecCache(client *redis.Client, source Source, log *logger.Logger) (*SpecCache, error) {
	cache, err := redis.NewCache[PermissionSpec](client, "permspec", 0)
	if err != nil {
		return nil, fmt.Errorf("create spec cache: %w", err)
	}
	return &SpecCache{
		cache:  cache,
		source: source,
		logger: log.With("component", "spec_cache"),
	}, nil
}

// Get returns the current spec, fetching from the identity service on a
// cold cache. Any failure is returned to the caller; authorization
// fails closed without a spec.
func (c *SpecCache) Get(ctx context.Context) (*PermissionSpec, error) {
	spec, err := c.cache.Get(ctx, specCacheKey)
	if err == nil {
		return spec, nil
	}
	if !errors.Is(err, redis.ErrCacheMiss) {
		return nil, err
	}

	v, err, _ := c.sf.Do(specCacheKey, func() (any, error) {
		fetched, err := c.source.FetchPermissionSpec(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.cache.SetForever(ctx, specCacheKey, *fetched); err != nil {
			c.logger.Warn("failed to store permission spec", "error", err)
		}
		c.logger.Info("permission spec loaded",
			"version", fetched.Version,
			"endpoints", len(fetched.Endpoints),
		)
		return fetched, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*PermissionSpec), nil
}

// Sync handles the spec-sync webhook: when the announced version
// differs from the cached one, the spec is refetched and replaced
// wholesale. Equal versions are a no-op.
func (c *SpecCache) Sync(ctx context.Context, version int) error {
	current, err := c.cache.Get(ctx, specCacheKey)
	if err == nil && current.Version == version {
		c.logger.Debug("spec sync: version unchanged", "version", version)
		return nil
	}
	if err != nil && !errors.Is(err, redis.ErrCacheMiss) {
		return err
	}

	fetched, err := c.source.FetchPermissionSpec(ctx)
	if err != nil {
		return fmt.Errorf("spec sync fetch: %w", err)
	}
	if err := c.cache.SetForever(ctx, specCacheKey, *fetched); err != nil {
		return fmt.Errorf("spec sync store: %w", err)
	}

	c.logger.Info("permission spec replaced",
		"version", fetched.Version,
		"endpoints", len(fetched.Endpoints),
	)
	return nil
}

// HashCache holds per-user effective permission state with a TTL.
// Entries are deleted eagerly by the per-user invalidation webhook; the
// TTL only bounds staleness when the webhook is missed.
type HashCache struct {
	cache  *redis.Cache[PermissionHash]
	source Source
	sf     singleflight.Group
	logger *logger.Logger
}

// NewHashCache creates the per-user permission hash cache.
func NewHashCache(client *redis.Client, source Source, ttl time.Duration, log *logger.Logger) (*HashCache, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	cache, err := redis.NewCache[PermissionHash](client, "permhash", ttl)
	if err != nil {
		return nil, fmt.Errorf("create hash cache: %w", err)
	}
	return &HashCache{
		cache:  cache,
		source: source,
		logger: log.With("component", "hash_cache"),
	}, nil
}

func hashCacheKey(tenantID, userID string) string {
	return tenantID + ":" + userID
}

// Get returns the user's permission state, fetching on miss. Concurrent
// misses for the same user collapse into one upstream fetch.
func (c *HashCache) Get(ctx context.Context, tenantID, userID string) (*PermissionHash, error) {
	key := hashCacheKey(tenantID, userID)

	cached, err := c.cache.Get(ctx, key)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, redis.ErrCacheMiss) {
		return nil, err
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		fetched, err := c.source.FetchPermissionHash(ctx, tenantID, userID)
		if err != nil {
			return nil, err
		}
		if err := c.cache.Set(ctx, key, *fetched); err != nil {
			c.logger.Warn("failed to cache permission hash",
				"tenant_id", tenantID,
				"user_id", userID,
				"error", err,
			)
		}
		return fetched, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*PermissionHash), nil
}

// Invalidate handles the per-user invalidation webhook: the entry is
// deleted so the next request refetches fresh state.
func (c *HashCache) Invalidate(ctx context.Context, tenantID, userID string) error {
	if err := c.cache.Delete(ctx, hashCacheKey(tenantID, userID)); err != nil {
		return err
	}
	c.logger.Debug("permission hash invalidated",
		"tenant_id", tenantID,
		"user_id", userID,
	)
	return nil
}

// InvalidateTenant removes every cached entry for one tenant.
func (c *HashCache) InvalidateTenant(ctx context.Context, tenantID string) error {
	return c.cache.DeletePattern(ctx, tenantID+":*")
}
