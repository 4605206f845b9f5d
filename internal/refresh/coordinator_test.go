package refresh

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	goredis "github.com/redis/go-redis/v9"

	"github.com/openctemio/gateway/internal/identity"
	"github.com/openctemio/gateway/internal/infra/redis"
	"github.com/openctemio/gateway/pkg/logger"
)

func mintToken(t *testing.T, expiresAt time.Time) string {
	t.Helper()

	claims := identity.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		TenantID: "t1",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

type fakeExchanger struct {
	pair  *identity.TokenPair
	err   error
	delay time.Duration
	calls atomic.Int64
}

func (f *fakeExchanger) ExchangeRefreshToken(context.Context, string) (*identity.TokenPair, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.pair, nil
}

func newTestCoordinator(t *testing.T, ex Exchanger) (*Coordinator, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	client := redis.NewFromClient(rdb, logger.NewNop())

	coord, err := NewCoordinator(client, ex, Config{LockLease: 10 * time.Second}, logger.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return coord, client
}

func TestShouldRefresh(t *testing.T) {
	if ShouldRefresh(mintToken(t, time.Now().Add(time.Hour)), time.Now()) {
		t.Error("fresh token should not need refresh")
	}
	if !ShouldRefresh(mintToken(t, time.Now().Add(-time.Minute)), time.Now()) {
		t.Error("expired token needs refresh")
	}
	if ShouldRefresh(mintToken(t, time.Now().Add(10*time.Second)), time.Now()) {
		t.Error("a token with lifetime left must not be rotated")
	}
	if !ShouldRefresh("not-a-token", time.Now()) {
		t.Error("unparseable token is treated as due")
	}
}

func TestRefreshRotatesPair(t *testing.T) {
	ex := &fakeExchanger{pair: &identity.TokenPair{
		AccessToken:  "new-access",
		RefreshToken: "new-refresh",
		ExpiresIn:    900,
	}}
	coord, _ := newTestCoordinator(t, ex)

	old := mintToken(t, time.Now().Add(24*time.Hour))
	pair, err := coord.Refresh(context.Background(), "t1", "u1", old)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if pair == nil || pair.AccessToken != "new-access" {
		t.Fatalf("got %+v", pair)
	}

	// The consumed token is blacklisted: presenting it again is reuse
	_, err = coord.Refresh(context.Background(), "t1", "u1", old)
	if !errors.Is(err, ErrTokenReuseDetected) {
		t.Errorf("second use = %v, want ErrTokenReuseDetected", err)
	}
}

func TestRefreshMissingToken(t *testing.T) {
	coord, _ := newTestCoordinator(t, &fakeExchanger{})

	_, err := coord.Refresh(context.Background(), "t1", "u1", "")
	if !errors.Is(err, ErrMissingRefreshToken) {
		t.Errorf("got %v", err)
	}
}

func TestRefreshExpiredToken(t *testing.T) {
	coord, _ := newTestCoordinator(t, &fakeExchanger{})

	_, err := coord.Refresh(context.Background(), "t1", "u1", mintToken(t, time.Now().Add(-time.Hour)))
	if !errors.Is(err, ErrExpiredRefreshToken) {
		t.Errorf("got %v", err)
	}
}

func TestRefreshExchangeRejected(t *testing.T) {
	ex := &fakeExchanger{err: identity.ErrExchangeRejected}
	coord, _ := newTestCoordinator(t, ex)

	_, err := coord.Refresh(context.Background(), "t1", "u1", mintToken(t, time.Now().Add(time.Hour)))
	if !errors.Is(err, ErrInvalidRefreshToken) {
		t.Errorf("got %v", err)
	}
}

func TestRefreshExchangeInfraFailure(t *testing.T) {
	ex := &fakeExchanger{err: errors.New("connection refused")}
	coord, _ := newTestCoordinator(t, ex)

	_, err := coord.Refresh(context.Background(), "t1", "u1", mintToken(t, time.Now().Add(time.Hour)))
	if !errors.Is(err, ErrRefreshFailed) {
		t.Errorf("got %v", err)
	}
}

func TestRefreshPassesThroughWhenLockHeld(t *testing.T) {
	ex := &fakeExchanger{pair: &identity.TokenPair{AccessToken: "a", RefreshToken: "r"}}
	coord, client := newTestCoordinator(t, ex)
	ctx := context.Background()

	// Another instance holds the session's lock
	locker, err := redis.NewLocker(client)
	if err != nil {
		t.Fatal(err)
	}
	lease, ok, err := locker.TryAcquire(ctx, lockName("t1", "u1"), 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("pre-acquire: %v %v", ok, err)
	}
	defer func() { _ = lease.Release(ctx) }()

	pair, err := coord.Refresh(ctx, "t1", "u1", mintToken(t, time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("contention must not be an error: %v", err)
	}
	if pair != nil {
		t.Error("loser must pass through without a new pair")
	}
	if ex.calls.Load() != 0 {
		t.Error("loser must not call the identity service")
	}

	// A different session is unaffected
	pair, err = coord.Refresh(ctx, "t1", "u2", mintToken(t, time.Now().Add(time.Hour)))
	if err != nil || pair == nil {
		t.Errorf("independent session should refresh: %v %v", pair, err)
	}
}

func TestRefreshConcurrentSingleWinner(t *testing.T) {
	ex := &fakeExchanger{
		pair:  &identity.TokenPair{AccessToken: "a", RefreshToken: "r"},
		delay: 100 * time.Millisecond,
	}
	coord, _ := newTestCoordinator(t, ex)
	token := mintToken(t, time.Now().Add(time.Hour))

	const attempts = 5
	var wg sync.WaitGroup
	var wins, passes atomic.Int64

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pair, err := coord.Refresh(context.Background(), "t1", "u1", token)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if pair != nil {
				wins.Add(1)
			} else {
				passes.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("wins = %d, want exactly 1", wins.Load())
	}
	if passes.Load() != attempts-1 {
		t.Errorf("passes = %d, want %d", passes.Load(), attempts-1)
	}
	if ex.calls.Load() != 1 {
		t.Errorf("exchange calls = %d, want 1", ex.calls.Load())
	}
}

func TestNewCookieAttributes(t *testing.T) {
	coord, _ := newTestCoordinator(t, &fakeExchanger{})

	cookie := coord.NewCookie("new-refresh")
	if cookie.Name != CookieName || cookie.Value != "new-refresh" {
		t.Errorf("cookie = %+v", cookie)
	}
	if !cookie.HttpOnly || !cookie.Secure {
		t.Error("cookie must be HttpOnly and Secure")
	}
	if cookie.SameSite != http.SameSiteStrictMode {
		t.Error("cookie must be SameSite=Strict")
	}
	if cookie.Path != "/" {
		t.Errorf("path = %q", cookie.Path)
	}
	if cookie.MaxAge != int((7 * 24 * time.Hour).Seconds()) {
		t.Errorf("max age = %d", cookie.MaxAge)
	}
}
