package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/openctemio/gateway/internal/config"
	"github.com/openctemio/gateway/internal/infra/redis"
	"github.com/openctemio/gateway/pkg/logger"
)

func newTestEngine(t *testing.T, cfg config.RateLimitConfig) (*Engine, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	engine, err := NewEngine(redis.NewFromClient(rdb, logger.NewNop()), cfg, logger.NewNop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine, mr
}

func TestCheckBoundaryRule(t *testing.T) {
	engine, _ := newTestEngine(t, config.RateLimitConfig{
		Overrides: map[string]config.LimitOverride{
			"ENDPOINT": {MaxRequests: 5, Window: time.Minute},
		},
	})
	ctx := context.Background()

	// Requests 1-4 are under the limit; the 5th reaches it and is
	// rejected.
	for i := 1; i <= 4; i++ {
		res, err := engine.Check(ctx, LimitEndpoint, "host", "GET:/a")
		if err != nil {
			t.Fatalf("Check %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if res.Remaining != 5-i {
			t.Errorf("request %d remaining = %d, want %d", i, res.Remaining, 5-i)
		}
	}

	res, err := engine.Check(ctx, LimitEndpoint, "host", "GET:/a")
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Error("request reaching the limit must be rejected")
	}
	if res.Count != 5 || res.Remaining != 0 {
		t.Errorf("count = %d remaining = %d", res.Count, res.Remaining)
	}
	if res.Action != ActionReject {
		t.Errorf("action = %s, want REJECT", res.Action)
	}
	if res.RetryAfter <= 0 {
		t.Error("rejection must carry a retry-after")
	}
}

func TestCheckWindowExpiryResetsCount(t *testing.T) {
	engine, mr := newTestEngine(t, config.RateLimitConfig{
		Overrides: map[string]config.LimitOverride{
			"ENDPOINT": {MaxRequests: 2, Window: time.Minute},
		},
	})
	ctx := context.Background()

	_, _ = engine.Check(ctx, LimitEndpoint, "host", "GET:/a")
	res, _ := engine.Check(ctx, LimitEndpoint, "host", "GET:/a")
	if res.Allowed {
		t.Fatal("second request should hit the limit of 2")
	}

	mr.FastForward(61 * time.Second)

	res, err := engine.Check(ctx, LimitEndpoint, "host", "GET:/a")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed || res.Count != 1 {
		t.Errorf("after window expiry: allowed=%v count=%d", res.Allowed, res.Count)
	}
}

func TestCheckSeparateIdentifiers(t *testing.T) {
	engine, _ := newTestEngine(t, config.RateLimitConfig{
		Overrides: map[string]config.LimitOverride{
			"USER": {MaxRequests: 2, Window: time.Minute},
		},
	})
	ctx := context.Background()

	_, _ = engine.Check(ctx, LimitUser, "u1")
	res, _ := engine.Check(ctx, LimitUser, "u1")
	if res.Allowed {
		t.Fatal("u1 should be limited")
	}

	res, err := engine.Check(ctx, LimitUser, "u2")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed {
		t.Error("u2 must have an independent counter")
	}
}

func TestCheckIPBlockEscalation(t *testing.T) {
	engine, _ := newTestEngine(t, config.RateLimitConfig{
		FailureBlockDuration: 30 * time.Minute,
		Overrides: map[string]config.LimitOverride{
			"IP": {MaxRequests: 3, Window: time.Minute},
		},
	})
	ctx := context.Background()

	var res Result
	var err error
	for i := 0; i < 3; i++ {
		res, err = engine.Check(ctx, LimitIP, "10.0.0.9")
		if err != nil {
			t.Fatal(err)
		}
	}
	if res.Allowed {
		t.Fatal("third request should exceed the limit of 3")
	}
	if res.Action != ActionBlockIP {
		t.Errorf("action = %s, want BLOCK_IP", res.Action)
	}
	if res.RetryAfter != 30*time.Minute {
		t.Errorf("retry after = %v, want 30m", res.RetryAfter)
	}

	// Subsequent checks hit the block fast path
	res, err = engine.Check(ctx, LimitIP, "10.0.0.9")
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || !res.Blocked {
		t.Errorf("blocked IP: allowed=%v blocked=%v", res.Allowed, res.Blocked)
	}
	if res.Action != ActionBlockIP {
		t.Errorf("fast-path action = %s", res.Action)
	}
}

func TestCheckAccountLockFastPath(t *testing.T) {
	engine, _ := newTestEngine(t, config.RateLimitConfig{})
	ctx := context.Background()

	if err := engine.Blocks().LockAccount(ctx, "u1", 10*time.Minute); err != nil {
		t.Fatal(err)
	}

	res, err := engine.Check(ctx, LimitUser, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || !res.Blocked {
		t.Errorf("locked account: allowed=%v blocked=%v", res.Allowed, res.Blocked)
	}
	if res.Action != ActionLockAccount {
		t.Errorf("action = %s, want LOCK_ACCOUNT", res.Action)
	}
}

func TestRecordFailureBlocksAtThreshold(t *testing.T) {
	engine, _ := newTestEngine(t, config.RateLimitConfig{
		FailureBlockDuration: 30 * time.Minute,
	})
	ctx := context.Background()

	// LOGIN threshold is 5 failures
	for i := 1; i <= 4; i++ {
		blocked, err := engine.RecordFailure(ctx, LimitLogin, "10.1.1.1")
		if err != nil {
			t.Fatalf("RecordFailure %d: %v", i, err)
		}
		if blocked {
			t.Fatalf("failure %d should not block yet", i)
		}
	}

	blocked, err := engine.RecordFailure(ctx, LimitLogin, "10.1.1.1")
	if err != nil {
		t.Fatal(err)
	}
	if !blocked {
		t.Fatal("fifth failure must block the address")
	}

	res, err := engine.Check(ctx, LimitLogin, "10.1.1.1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || !res.Blocked {
		t.Error("blocked address must be rejected on the fast path")
	}
	if res.RetryAfter <= 29*time.Minute || res.RetryAfter > 30*time.Minute {
		t.Errorf("retry after = %v, want ~30m", res.RetryAfter)
	}
}

func TestRecordFailureRejectsNonTrackingTypes(t *testing.T) {
	engine, _ := newTestEngine(t, config.RateLimitConfig{})

	if _, err := engine.RecordFailure(context.Background(), LimitUser, "u1"); err == nil {
		t.Error("USER does not track failures, expected error")
	}
}

func TestResetClearsScopeAsymmetrically(t *testing.T) {
	engine, _ := newTestEngine(t, config.RateLimitConfig{
		FailureBlockDuration: 30 * time.Minute,
	})
	ctx := context.Background()

	// Block the IP via login failures, and lock the same identifier as
	// an account under the USER type.
	for i := 0; i < 5; i++ {
		_, _ = engine.RecordFailure(ctx, LimitLogin, "subject")
	}
	if err := engine.Blocks().LockAccount(ctx, "subject", 10*time.Minute); err != nil {
		t.Fatal(err)
	}

	// Resetting the ip-scoped LOGIN type unblocks the address but must
	// not touch the account lock.
	if err := engine.Reset(ctx, LimitLogin, "subject"); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	blocked, _, _ := engine.Blocks().IsIPBlocked(ctx, "subject")
	if blocked {
		t.Error("IP block should be cleared by LOGIN reset")
	}
	locked, _, _ := engine.Blocks().IsAccountLocked(ctx, "subject")
	if !locked {
		t.Error("account lock must survive an ip-scoped reset")
	}

	// Resetting the user-scoped USER type clears the lock.
	if err := engine.Reset(ctx, LimitUser, "subject"); err != nil {
		t.Fatal(err)
	}
	locked, _, _ = engine.Blocks().IsAccountLocked(ctx, "subject")
	if locked {
		t.Error("account lock should be cleared by USER reset")
	}

	// Reset is idempotent
	if err := engine.Reset(ctx, LimitLogin, "subject"); err != nil {
		t.Errorf("second reset should be a no-op: %v", err)
	}

	// Failure counter starts over after reset
	blocked2, err := engine.RecordFailure(ctx, LimitLogin, "subject")
	if err != nil {
		t.Fatal(err)
	}
	if blocked2 {
		t.Error("first failure after reset must not block")
	}
}

func TestCheckFailsOpenOnInfraError(t *testing.T) {
	engine, mr := newTestEngine(t, config.RateLimitConfig{})
	ctx := context.Background()

	mr.Close()

	res, err := engine.Check(ctx, LimitEndpoint, "host", "GET:/a")
	if err == nil {
		t.Fatal("expected infra error")
	}
	if !res.Allowed {
		t.Error("infra errors must leave the result allowed for fail-open callers")
	}
}
