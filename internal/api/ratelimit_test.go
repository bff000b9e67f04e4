package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func testLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Rate:            rate.Limit(1),
		Burst:           3,
		CleanupInterval: time.Hour,
		MaxAge:          time.Hour,
	}
}

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d within the burst should be allowed", i)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("request past the burst should be rejected")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("another client has its own budget")
	}
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	do := func(remoteAddr string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/call-response", nil)
		req.RemoteAddr = remoteAddr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 3; i++ {
		if code := do("10.0.0.1:5000"); code != http.StatusAccepted {
			t.Fatalf("request %d: expected 202, got %d", i, code)
		}
	}
	if code := do("10.0.0.1:5000"); code != http.StatusTooManyRequests {
		t.Errorf("expected 429 past the burst, got %d", code)
	}
	if code := do("10.0.0.2:5000"); code != http.StatusAccepted {
		t.Errorf("another client should still get through, got %d", code)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	cfg := testLimiterConfig()
	cfg.MaxAge = time.Millisecond
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	rl.Allow("10.0.0.1")
	time.Sleep(5 * time.Millisecond)
	rl.cleanup()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.entries) != 0 {
		t.Errorf("expected stale entry to be evicted, %d left", len(rl.entries))
	}
}
