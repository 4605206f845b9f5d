package tenant

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/openctemio/gateway/internal/infra/redis"
	"github.com/openctemio/gateway/pkg/logger"
)

func TestCanCreateSession(t *testing.T) {
	s := SessionConfig{MaxActiveSessions: 3}
	if !s.CanCreateSession(2) {
		t.Error("under the cap should allow")
	}
	if s.CanCreateSession(3) {
		t.Error("at the cap should deny")
	}

	unlimited := SessionConfig{}
	if !unlimited.CanCreateSession(1000) {
		t.Error("non-positive cap means unlimited")
	}
}

func TestAllowsSocialLogin(t *testing.T) {
	c := Config{AllowedSocialLogins: []string{"google", "github"}}
	if !c.AllowsSocialLogin("github") {
		t.Error("listed provider should be allowed")
	}
	if c.AllowsSocialLogin("facebook") {
		t.Error("unlisted provider must be denied")
	}

	empty := Config{}
	if empty.AllowsSocialLogin("google") {
		t.Error("empty allow-list permits none")
	}
}

func TestRolesImplied(t *testing.T) {
	c := Config{RoleHierarchy: map[string][]string{
		"admin":  {"editor"},
		"editor": {"viewer"},
	}}

	got := c.RolesImplied("admin")
	want := map[string]bool{"admin": true, "editor": true, "viewer": true}
	if len(got) != len(want) {
		t.Fatalf("RolesImplied(admin) = %v", got)
	}
	for _, r := range got {
		if !want[r] {
			t.Errorf("unexpected role %q", r)
		}
	}

	if got := c.RolesImplied("viewer"); len(got) != 1 || got[0] != "viewer" {
		t.Errorf("leaf role should imply only itself, got %v", got)
	}
}

func TestRolesImpliedCycleSafe(t *testing.T) {
	c := Config{RoleHierarchy: map[string][]string{
		"a": {"b"},
		"b": {"a"},
	}}
	if got := c.RolesImplied("a"); len(got) != 2 {
		t.Errorf("cyclic hierarchy should terminate, got %v", got)
	}
}

type fakeTenantSource struct {
	cfgs  map[string]*Config
	err   error
	calls atomic.Int64
}

func (f *fakeTenantSource) FetchTenantConfig(_ context.Context, tenantID string) (*Config, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	cfg, ok := f.cfgs[tenantID]
	if !ok {
		return nil, errors.New("unknown tenant")
	}
	return cfg, nil
}

func newTestStore(t *testing.T, src *fakeTenantSource) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store, err := NewStore(redis.NewFromClient(rdb, logger.NewNop()), src, time.Minute, logger.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return store, mr
}

func TestStoreGetCaches(t *testing.T) {
	src := &fakeTenantSource{cfgs: map[string]*Config{
		"t1": {TenantID: "t1", MFARequired: true},
	}}
	store, _ := newTestStore(t, src)
	ctx := context.Background()

	cfg, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.MFARequired {
		t.Error("expected MFA required")
	}

	if _, err := store.Get(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if src.calls.Load() != 1 {
		t.Errorf("source called %d times, want 1", src.calls.Load())
	}
}

func TestStoreGetFailsClosed(t *testing.T) {
	src := &fakeTenantSource{err: errors.New("identity down")}
	store, _ := newTestStore(t, src)

	if _, err := store.Get(context.Background(), "t1"); err == nil {
		t.Error("load failure must surface")
	}
}

func TestStoreInvalidate(t *testing.T) {
	src := &fakeTenantSource{cfgs: map[string]*Config{
		"t1": {TenantID: "t1", MFARequired: false},
	}}
	store, _ := newTestStore(t, src)
	ctx := context.Background()

	if _, err := store.Get(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	// Settings change upstream, webhook invalidates
	src.cfgs["t1"] = &Config{TenantID: "t1", MFARequired: true}
	if err := store.Invalidate(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	cfg, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.MFARequired {
		t.Error("invalidation must force a reload")
	}
	if src.calls.Load() != 2 {
		t.Errorf("source called %d times, want 2", src.calls.Load())
	}
}

func TestStoreTTLExpiry(t *testing.T) {
	src := &fakeTenantSource{cfgs: map[string]*Config{
		"t1": {TenantID: "t1"},
	}}
	store, mr := newTestStore(t, src)
	ctx := context.Background()

	if _, err := store.Get(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	mr.FastForward(2 * time.Minute)

	if _, err := store.Get(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if src.calls.Load() != 2 {
		t.Error("expired entry should be refetched")
	}
}
