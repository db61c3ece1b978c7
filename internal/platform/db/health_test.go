package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func runHealth(t *testing.T, h echo.HandlerFunc) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health/db", nil), rec)
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec, body
}

func TestHealthHandler_Healthy(t *testing.T) {
	ping := PingFunc(func(context.Context) error { return nil })
	rec, body := runHealth(t, HealthHandler("sqlite", ping, nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if body["status"] != "healthy" || body["driver"] != "sqlite" {
		t.Errorf("unexpected body: %v", body)
	}
	if _, ok := body["stats"]; ok {
		t.Error("expected no stats without a stats func")
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	ping := PingFunc(func(context.Context) error { return errors.New("connection refused") })
	stats := func() any { return &PoolStats{MaxConns: 20} }
	rec, body := runHealth(t, HealthHandler("postgres", ping, stats))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if body["status"] != "unhealthy" || body["error"] != "connection refused" {
		t.Errorf("unexpected body: %v", body)
	}
	s, ok := body["stats"].(map[string]interface{})
	if !ok || s["max_conns"] != float64(20) {
		t.Errorf("expected pool stats in body, got %v", body["stats"])
	}
}
