package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/openctemio/gateway/pkg/logger"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewFromClient(rdb, logger.NewNop()), mr
}

func TestClientGetSetDel(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	if _, err := c.Get(ctx, "missing"); err != ErrKeyNotFound {
		t.Errorf("Get missing = %v, want ErrKeyNotFound", err)
	}

	if err := c.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil || got != "v" {
		t.Errorf("Get = %q, %v", got, err)
	}

	if err := c.Del(ctx, "k"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if ok, _ := c.Exists(ctx, "k"); ok {
		t.Error("key should be gone after Del")
	}
}

func TestCounterIncrWindow(t *testing.T) {
	c, mr := newTestClient(t)
	counter, err := NewCounter(c)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		count, ttl, err := counter.Incr(ctx, "rl:test", time.Minute)
		if err != nil {
			t.Fatalf("Incr: %v", err)
		}
		if count != want {
			t.Errorf("count = %d, want %d", count, want)
		}
		if ttl <= 0 || ttl > time.Minute {
			t.Errorf("ttl = %v, want (0, 1m]", ttl)
		}
	}

	// Window expiry starts the count over
	mr.FastForward(time.Minute + time.Second)
	count, _, err := counter.Incr(ctx, "rl:test", time.Minute)
	if err != nil {
		t.Fatalf("Incr after expiry: %v", err)
	}
	if count != 1 {
		t.Errorf("count after window expiry = %d, want 1", count)
	}
}

func TestCounterResetIdempotent(t *testing.T) {
	c, _ := newTestClient(t)
	counter, _ := NewCounter(c)
	ctx := context.Background()

	if _, _, err := counter.Incr(ctx, "rl:reset", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := counter.Reset(ctx, "rl:reset"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := counter.Reset(ctx, "rl:reset"); err != nil {
		t.Fatalf("second Reset should be a no-op: %v", err)
	}
	if n, _ := counter.Get(ctx, "rl:reset"); n != 0 {
		t.Errorf("count after reset = %d, want 0", n)
	}
}

func TestBlockStoreIPBlock(t *testing.T) {
	c, mr := newTestClient(t)
	store, _ := NewBlockStore(c)
	ctx := context.Background()

	blocked, _, err := store.IsIPBlocked(ctx, "10.0.0.1")
	if err != nil || blocked {
		t.Fatalf("fresh IP should not be blocked: %v %v", blocked, err)
	}

	if err := store.BlockIP(ctx, "10.0.0.1", 30*time.Minute); err != nil {
		t.Fatalf("BlockIP: %v", err)
	}

	blocked, ttl, err := store.IsIPBlocked(ctx, "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if !blocked {
		t.Error("IP should be blocked")
	}
	if ttl <= 29*time.Minute || ttl > 30*time.Minute {
		t.Errorf("ttl = %v, want ~30m", ttl)
	}

	mr.FastForward(31 * time.Minute)
	blocked, _, _ = store.IsIPBlocked(ctx, "10.0.0.1")
	if blocked {
		t.Error("block should expire on its own")
	}
}

func TestBlockStoreAccountLock(t *testing.T) {
	c, _ := newTestClient(t)
	store, _ := NewBlockStore(c)
	ctx := context.Background()

	if err := store.LockAccount(ctx, "user-1", 10*time.Minute); err != nil {
		t.Fatalf("LockAccount: %v", err)
	}
	locked, _, _ := store.IsAccountLocked(ctx, "user-1")
	if !locked {
		t.Error("account should be locked")
	}

	if err := store.UnlockAccount(ctx, "user-1"); err != nil {
		t.Fatalf("UnlockAccount: %v", err)
	}
	locked, _, _ = store.IsAccountLocked(ctx, "user-1")
	if locked {
		t.Error("account should be unlocked")
	}
}

func TestBlacklist(t *testing.T) {
	c, mr := newTestClient(t)
	bl, _ := NewBlacklist(c)
	ctx := context.Background()

	ok, err := bl.Contains(ctx, "rt-1")
	if err != nil || ok {
		t.Fatalf("fresh token should not be blacklisted: %v %v", ok, err)
	}

	if err := bl.Add(ctx, "rt-1", time.Hour); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if ok, _ := bl.Contains(ctx, "rt-1"); !ok {
		t.Error("token should be blacklisted")
	}

	// Raw token must not appear as a key
	for _, key := range mr.Keys() {
		if key == blacklistPrefix+"rt-1" {
			t.Error("token stored unhashed")
		}
	}

	mr.FastForward(2 * time.Hour)
	if ok, _ := bl.Contains(ctx, "rt-1"); ok {
		t.Error("blacklist entry should expire with the token")
	}
}

func TestBlacklistClampsTTL(t *testing.T) {
	c, mr := newTestClient(t)
	bl, _ := NewBlacklist(c)
	ctx := context.Background()

	if err := bl.Add(ctx, "rt-skewed", -time.Minute); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if ok, _ := bl.Contains(ctx, "rt-skewed"); !ok {
		t.Error("token with non-positive TTL should still be blacklisted")
	}

	mr.FastForward(2 * time.Minute)
	if ok, _ := bl.Contains(ctx, "rt-skewed"); ok {
		t.Error("clamped entry should expire after a minute")
	}
}

func TestLockerMutualExclusion(t *testing.T) {
	c, mr := newTestClient(t)
	locker, _ := NewLocker(c)
	ctx := context.Background()

	lease, ok, err := locker.TryAcquire(ctx, "t1:u1", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("first acquire should succeed: %v %v", ok, err)
	}

	_, ok, err = locker.TryAcquire(ctx, "t1:u1", 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second acquire should fail while lease is held")
	}

	// A different name is an independent lock
	other, ok, err := locker.TryAcquire(ctx, "t1:u2", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("independent lock should succeed: %v %v", ok, err)
	}
	_ = other.Release(ctx)

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	_, ok, _ = locker.TryAcquire(ctx, "t1:u1", 10*time.Second)
	if !ok {
		t.Error("acquire should succeed after release")
	}

	mr.FastForward(11 * time.Second)
	_, ok, _ = locker.TryAcquire(ctx, "t1:u1", 10*time.Second)
	if !ok {
		t.Error("acquire should succeed after lease expiry")
	}
}

func TestLeaseReleaseDoesNotStealNewLock(t *testing.T) {
	c, mr := newTestClient(t)
	locker, _ := NewLocker(c)
	ctx := context.Background()

	old, ok, _ := locker.TryAcquire(ctx, "t1:u1", time.Second)
	if !ok {
		t.Fatal("acquire failed")
	}

	mr.FastForward(2 * time.Second)

	// Another holder takes over after the old lease expired
	current, ok, _ := locker.TryAcquire(ctx, "t1:u1", 10*time.Second)
	if !ok {
		t.Fatal("takeover acquire failed")
	}

	if err := old.Release(ctx); err != nil {
		t.Fatalf("stale release should be a no-op: %v", err)
	}

	// The new lease must still be held
	_, ok, _ = locker.TryAcquire(ctx, "t1:u1", 10*time.Second)
	if ok {
		t.Error("stale release must not free the current holder's lease")
	}
	_ = current.Release(ctx)
}

func TestCacheRoundTrip(t *testing.T) {
	c, mr := newTestClient(t)
	type entry struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	cache := MustNewCache[entry](c, "test", time.Minute)
	ctx := context.Background()

	if _, err := cache.Get(ctx, "a"); err != ErrCacheMiss {
		t.Errorf("Get missing = %v, want ErrCacheMiss", err)
	}

	if err := cache.Set(ctx, "a", entry{Name: "x", Count: 2}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := cache.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "x" || got.Count != 2 {
		t.Errorf("got %+v", got)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := cache.Get(ctx, "a"); err != ErrCacheMiss {
		t.Error("entry should expire with the default TTL")
	}
}

func TestCacheSetForever(t *testing.T) {
	c, mr := newTestClient(t)
	cache := MustNewCache[string](c, "spec", time.Minute)
	ctx := context.Background()

	if err := cache.SetForever(ctx, "current", "v1"); err != nil {
		t.Fatalf("SetForever: %v", err)
	}

	mr.FastForward(24 * time.Hour)
	got, err := cache.Get(ctx, "current")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if *got != "v1" {
		t.Errorf("got %q", *got)
	}
}

func TestCacheGetOrSet(t *testing.T) {
	c, _ := newTestClient(t)
	cache := MustNewCache[int](c, "calc", time.Minute)
	ctx := context.Background()

	calls := 0
	loader := func(context.Context) (*int, error) {
		calls++
		v := 42
		return &v, nil
	}

	for i := 0; i < 3; i++ {
		got, err := cache.GetOrSet(ctx, "answer", loader)
		if err != nil {
			t.Fatalf("GetOrSet: %v", err)
		}
		if *got != 42 {
			t.Errorf("got %d", *got)
		}
	}
	if calls != 1 {
		t.Errorf("loader called %d times, want 1", calls)
	}
}

func TestCacheDeletePattern(t *testing.T) {
	c, _ := newTestClient(t)
	cache := MustNewCache[string](c, "perm", time.Minute)
	ctx := context.Background()

	_ = cache.Set(ctx, "t1:u1", "a")
	_ = cache.Set(ctx, "t1:u2", "b")
	_ = cache.Set(ctx, "t2:u1", "c")

	if err := cache.DeletePattern(ctx, "t1:*"); err != nil {
		t.Fatalf("DeletePattern: %v", err)
	}

	if _, err := cache.Get(ctx, "t1:u1"); err != ErrCacheMiss {
		t.Error("t1:u1 should be deleted")
	}
	if _, err := cache.Get(ctx, "t2:u1"); err != nil {
		t.Error("t2:u1 should survive")
	}
}
