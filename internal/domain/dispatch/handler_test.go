package dispatch

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthportal/reminders/internal/platform/auth"
)

func newTestServer(t *testing.T) (*harness, *echo.Echo) {
	t.Helper()
	h := newHarness(t)
	handler := NewHandler(h.engine)
	handler.now = func() time.Time { return t0.Add(time.Minute) }

	e := echo.New()
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			roles := strings.Split(c.Request().Header.Get("X-Test-Roles"), ",")
			ctx := auth.WithIdentity(c.Request().Context(), uuid.NewString(), roles)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	handler.RegisterRoutes(api)
	return h, e
}

func post(e *echo.Echo, path, body, roles string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(http.MethodPost, path, nil)
	}
	req.Header.Set("X-Test-Roles", roles)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_RunDue(t *testing.T) {
	h, e := newTestServer(t)
	h.seed(t, nil)

	rec := post(e, "/api/v1/dispatch/run", "", auth.RoleAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var s Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatal(err)
	}
	if s.Processed != 1 || s.Sent != 1 || len(s.Results) != 1 {
		t.Errorf("unexpected summary %+v", s)
	}
	if !s.RanAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("ran_at = %v", s.RanAt)
	}
}

func TestHandler_RunDueWithExplicitTime(t *testing.T) {
	h, e := newTestServer(t)
	h.seed(t, nil)

	rec := post(e, "/api/v1/dispatch/run", `{"now":"2023-12-31T08:00:00Z"}`, auth.RoleAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var s Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatal(err)
	}
	if s.Processed != 0 {
		t.Errorf("nothing is due a day early, got %+v", s)
	}
}

func TestHandler_BadBody(t *testing.T) {
	_, e := newTestServer(t)
	rec := post(e, "/api/v1/dispatch/run", `{"now":"yesterday"}`, auth.RoleAdmin)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_CheckEscalations(t *testing.T) {
	_, e := newTestServer(t)
	rec := post(e, "/api/v1/dispatch/escalations", "", auth.RoleAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var s EscalationSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatal(err)
	}
	if s.Escalated != 0 {
		t.Errorf("unexpected summary %+v", s)
	}
}

func TestHandler_AdminOnly(t *testing.T) {
	_, e := newTestServer(t)
	for _, role := range []string{auth.RolePatient, auth.RoleDoctor} {
		for _, path := range []string{"/api/v1/dispatch/run", "/api/v1/dispatch/escalations"} {
			if rec := post(e, path, "", role); rec.Code != http.StatusForbidden {
				t.Errorf("%s %s: expected 403, got %d", role, path, rec.Code)
			}
		}
	}
}
