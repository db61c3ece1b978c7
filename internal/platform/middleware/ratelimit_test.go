package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/healthportal/reminders/internal/platform/auth"
)

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5}

	e := echo.New()
	handler := RateLimit(cfg)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		if err := handler(c); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit '10', got %q", i+1, got)
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2}

	e := echo.New()
	handler := RateLimit(cfg)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	for i := 0; i < 2; i++ {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
		if err := handler(c); err != nil {
			t.Fatalf("request %d: unexpected error %v", i+1, err)
		}
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	err := handler(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("expected Retry-After 1, got %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected X-RateLimit-Remaining 0, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimit_PerUserIsolation(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}

	e := echo.New()
	handler := RateLimit(cfg)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	call := func(userID string) error {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/reminders", nil)
		req = req.WithContext(auth.WithIdentity(req.Context(), userID, []string{auth.RolePatient}))
		return handler(e.NewContext(req, httptest.NewRecorder()))
	}

	if err := call("alice"); err != nil {
		t.Fatalf("alice first request: %v", err)
	}
	if err := call("alice"); err == nil {
		t.Fatal("expected alice's second request to be limited")
	}
	if err := call("bob"); err != nil {
		t.Fatalf("bob should have his own bucket: %v", err)
	}
}

func TestRateLimitKey(t *testing.T) {
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	if got := rateLimitKey(e.NewContext(req, httptest.NewRecorder())); got != "ip:10.0.0.7" {
		t.Errorf("anonymous key = %q", got)
	}

	req = req.WithContext(auth.WithIdentity(req.Context(), "u-1", nil))
	if got := rateLimitKey(e.NewContext(req, httptest.NewRecorder())); got != "user:u-1" {
		t.Errorf("authenticated key = %q", got)
	}
}

func TestRateLimit_DefaultConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 100 || cfg.BurstSize != 200 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestRateLimitConfig_RetryAfter(t *testing.T) {
	tests := []struct {
		rps  float64
		want int
	}{
		{0, 1},
		{-3, 1},
		{100, 1},
		{0.5, 2},
		{0.1, 10},
	}
	for _, tt := range tests {
		if got := (RateLimitConfig{RequestsPerSecond: tt.rps}).retryAfter(); got != tt.want {
			t.Errorf("retryAfter(%v) = %d, want %d", tt.rps, got, tt.want)
		}
	}
}

func TestRateLimiterStore_ReusesLimiter(t *testing.T) {
	s := newRateLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})
	a := s.getLimiter("k")
	b := s.getLimiter("k")
	if a != b {
		t.Error("expected the same limiter for the same key")
	}
	if s.getLimiter("other") == a {
		t.Error("expected a distinct limiter for another key")
	}
}
