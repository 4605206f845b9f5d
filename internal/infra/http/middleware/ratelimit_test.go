package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openctemio/gateway/internal/config"
	"github.com/openctemio/gateway/pkg/logger"
)

func TestRateLimiterEnforcesBurst(t *testing.T) {
	rl := NewRateLimiter(&config.WebhookConfig{RatePerSecond: 1, Burst: 2}, logger.NewNop())
	defer rl.Stop()

	h := rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(addr string) int {
		r := httptest.NewRequest("POST", "/internal/webhooks/permission-sync", nil)
		r.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w.Code
	}

	if code := do("10.0.0.1:1000"); code != http.StatusNoContent {
		t.Fatalf("first request = %d", code)
	}
	if code := do("10.0.0.1:1000"); code != http.StatusNoContent {
		t.Fatalf("second request = %d", code)
	}
	if code := do("10.0.0.1:1000"); code != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", code)
	}

	// Another address has its own bucket
	if code := do("10.0.0.2:1000"); code != http.StatusNoContent {
		t.Errorf("independent address = %d", code)
	}
}

func TestRateLimiterStopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(&config.WebhookConfig{RatePerSecond: 1, Burst: 1}, logger.NewNop())
	rl.Stop()
	rl.Stop()
}
