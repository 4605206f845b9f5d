package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/openctemio/gateway/internal/config"
	"github.com/openctemio/gateway/internal/infra/redis"
	"github.com/openctemio/gateway/pkg/logger"
)

// Engine checks and enforces rate limits shared across gateway
// instances. Counter state lives in Redis; the engine itself is
// stateless and safe for concurrent use.
//
// Errors returned by Engine methods are infrastructure failures only.
// Callers decide the failure policy; the pipeline fails open on them.
type Engine struct {
	counter    *redis.Counter
	blocks     *redis.BlockStore
	policies   policyTable
	blockAfter time.Duration
	logger     *logger.Logger
}

// NewEngine creates a new rate-limit engine.
func NewEngine(client *redis.Client, cfg config.RateLimitConfig, log *logger.Logger) (*Engine, error) {
	counter, err := redis.NewCounter(client)
	if err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	blocks, err := redis.NewBlockStore(client)
	if err != nil {
		return nil, fmt.Errorf("create block store: %w", err)
	}

	blockAfter := cfg.FailureBlockDuration
	if blockAfter <= 0 {
		blockAfter = 30 * time.Minute
	}

	return &Engine{
		counter:    counter,
		blocks:     blocks,
		policies:   newPolicyTable(cfg.Overrides),
		blockAfter: blockAfter,
		logger:     log.With("component", "ratelimit"),
	}, nil
}

// Blocks exposes the underlying block store for account lock management.
func (e *Engine) Blocks() *redis.BlockStore {
	return e.blocks
}

// Check evaluates one request against the policy for the limit type.
// The identifier scopes the counter (IP, user id, or endpoint key);
// extra parts narrow it further.
func (e *Engine) Check(ctx context.Context, lt LimitType, identifier string, extra ...string) (Result, error) {
	policy, ok := e.policies.get(lt)
	if !ok {
		return Result{Allowed: true}, fmt.Errorf("no policy for limit type %q", lt)
	}

	// Active blocks reject before any counter work
	if policy.IPBased {
		blocked, ttl, err := e.blocks.IsIPBlocked(ctx, identifier)
		if err != nil {
			return Result{Allowed: true}, err
		}
		if blocked {
			redis.DefaultMetrics.RecordRateLimitResult(string(lt), false)
			return Result{
				Blocked:    true,
				Limit:      policy.MaxRequests,
				RetryAfter: ttl,
				Action:     ActionBlockIP,
			}, nil
		}
	}
	if policy.UserBased {
		locked, ttl, err := e.blocks.IsAccountLocked(ctx, identifier)
		if err != nil {
			return Result{Allowed: true}, err
		}
		if locked {
			redis.DefaultMetrics.RecordRateLimitResult(string(lt), false)
			return Result{
				Blocked:    true,
				Limit:      policy.MaxRequests,
				RetryAfter: ttl,
				Action:     ActionLockAccount,
			}, nil
		}
	}

	key := BuildKey(policy, append([]string{identifier}, extra...)...)
	count, ttl, err := e.counter.Incr(ctx, key, policy.Window)
	if err != nil {
		return Result{Allowed: true}, err
	}

	result := Result{
		Allowed:   !policy.isExceeded(count),
		Count:     count,
		Limit:     policy.MaxRequests,
		Remaining: policy.remaining(count),
	}
	redis.DefaultMetrics.RecordRateLimitResult(string(lt), result.Allowed)

	if result.Allowed {
		return result, nil
	}

	result.Action = policy.Action
	result.RetryAfter = ttl

	switch policy.Action {
	case ActionBlockIP:
		if err := e.blocks.BlockIP(ctx, identifier, e.blockAfter); err != nil {
			return result, err
		}
		result.RetryAfter = e.blockAfter
	case ActionLockAccount:
		if err := e.blocks.LockAccount(ctx, identifier, e.blockAfter); err != nil {
			return result, err
		}
		result.RetryAfter = e.blockAfter
	}

	e.logViolation(lt, policy, identifier, count)

	return result, nil
}

// RecordFailure bumps the independent failure counter for types that
// track authentication failures. Crossing the threshold blocks the
// source address for the configured duration.
func (e *Engine) RecordFailure(ctx context.Context, lt LimitType, identifier string) (blocked bool, err error) {
	if !lt.TracksFailures() {
		return false, fmt.Errorf("limit type %q does not track failures", lt)
	}
	policy, ok := e.policies.get(lt)
	if !ok {
		return false, fmt.Errorf("no policy for limit type %q", lt)
	}

	count, _, err := e.counter.Incr(ctx, failureKey(policy, identifier), policy.Window)
	if err != nil {
		return false, err
	}

	if count < int64(policy.MaxRequests) {
		return false, nil
	}

	if err := e.blocks.BlockIP(ctx, identifier, e.blockAfter); err != nil {
		return false, err
	}
	e.logger.Warn("security: failure threshold crossed, address blocked",
		"limit_type", lt,
		"identifier", identifier,
		"failures", count,
		"block_duration", e.blockAfter,
	)

	return true, nil
}

// Reset clears all limit state for one identifier under a limit type:
// the window counter, the failure counter, and the block or lock the
// type's scope can carry. IP-scoped types unblock the address,
// user-scoped types unlock the account, never both. Resetting a clean
// identifier is a no-op.
func (e *Engine) Reset(ctx context.Context, lt LimitType, identifier string) error {
	policy, ok := e.policies.get(lt)
	if !ok {
		return fmt.Errorf("no policy for limit type %q", lt)
	}

	if err := e.counter.Reset(ctx, BuildKey(policy, identifier)); err != nil {
		return err
	}
	if err := e.counter.Reset(ctx, failureKey(policy, identifier)); err != nil {
		return err
	}

	if policy.IPBased {
		if err := e.blocks.UnblockIP(ctx, identifier); err != nil {
			return err
		}
	}
	if policy.UserBased {
		if err := e.blocks.UnlockAccount(ctx, identifier); err != nil {
			return err
		}
	}

	e.logger.Info("rate limit reset",
		"limit_type", lt,
		"identifier", identifier,
	)

	return nil
}

func (e *Engine) logViolation(lt LimitType, policy Policy, identifier string, count int64) {
	fields := []any{
		"limit_type", lt,
		"identifier", identifier,
		"count", count,
		"limit", policy.MaxRequests,
		"action", policy.Action,
	}
	if policy.Audit {
		e.logger.Warn("audit: rate limit exceeded", fields...)
		return
	}
	e.logger.Info("rate limit exceeded", fields...)
}
