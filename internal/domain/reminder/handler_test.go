package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthportal/reminders/internal/platform/auth"
	"github.com/healthportal/reminders/internal/platform/delivery"
	"github.com/healthportal/reminders/internal/platform/lock"
)

func newTestHandler() (*Handler, *echo.Echo) {
	svc := newTestService()
	h := NewHandler(svc)
	e := echo.New()
	return h, e
}

func newCtx(e *echo.Echo, method, body, userID string, roles ...string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, "/", nil)
	}
	req = req.WithContext(auth.WithIdentity(req.Context(), userID, roles))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	return he.Code
}

func createVia(t *testing.T, h *Handler) *Reminder {
	t.Helper()
	r := validReminder()
	if err := h.svc.Create(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestHandler_CreateReminder(t *testing.T) {
	h, e := newTestHandler()
	doctor := uuid.New()
	body := `{"patient_id":"` + uuid.New().String() + `","type":"lab_test","title":"HbA1c",
		"scheduled_date":"2024-01-05T00:00:00Z","scheduled_time":"07:30","channels":["sms"],
		"priority":"urgent"}`
	c, rec := newCtx(e, http.MethodPost, body, doctor.String(), auth.RoleDoctor)

	if err := h.CreateReminder(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var got Reminder
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusActive || got.DoctorID == nil || *got.DoctorID != doctor {
		t.Errorf("expected active reminder owned by the calling doctor, got %+v", got)
	}
}

func TestHandler_CreateReminder_Invalid(t *testing.T) {
	h, e := newTestHandler()
	body := `{"patient_id":"` + uuid.New().String() + `","type":"lab_test","title":"HbA1c",
		"scheduled_date":"2024-01-05T00:00:00Z","channels":[]}`
	c, _ := newCtx(e, http.MethodPost, body, uuid.NewString(), auth.RoleDoctor)

	err := h.CreateReminder(c)
	if code := httpCode(t, err); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_GetReminder(t *testing.T) {
	h, e := newTestHandler()
	r := createVia(t, h)

	c, rec := newCtx(e, http.MethodGet, "", uuid.NewString(), auth.RoleDoctor)
	c.SetParamNames("id")
	c.SetParamValues(r.ID.String())
	if err := h.GetReminder(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_GetReminder_NotFound(t *testing.T) {
	h, e := newTestHandler()
	c, _ := newCtx(e, http.MethodGet, "", uuid.NewString(), auth.RoleDoctor)
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	if code := httpCode(t, h.GetReminder(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_GetReminder_BadID(t *testing.T) {
	h, e := newTestHandler()
	c, _ := newCtx(e, http.MethodGet, "", uuid.NewString(), auth.RoleDoctor)
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	if code := httpCode(t, h.GetReminder(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_PatientSeesOnlyOwnReminders(t *testing.T) {
	h, e := newTestHandler()
	mine := createVia(t, h)
	theirs := createVia(t, h)

	c, _ := newCtx(e, http.MethodGet, "", mine.PatientID.String(), auth.RolePatient)
	c.SetParamNames("id")
	c.SetParamValues(theirs.ID.String())
	if code := httpCode(t, h.GetReminder(c)); code != http.StatusNotFound {
		t.Errorf("expected another patient's reminder to be hidden, got %d", code)
	}

	c, rec := newCtx(e, http.MethodGet, "", mine.PatientID.String(), auth.RolePatient)
	if err := h.ListReminders(c); err != nil {
		t.Fatal(err)
	}
	var page struct {
		Data  []Reminder `json:"data"`
		Total int        `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || len(page.Data) != 1 || page.Data[0].ID != mine.ID {
		t.Errorf("expected only the patient's own reminder, got %+v", page)
	}
}

func TestHandler_ListReminders_DoctorFilters(t *testing.T) {
	h, e := newTestHandler()
	r := createVia(t, h)
	createVia(t, h)

	c, rec := newCtx(e, http.MethodGet, "", uuid.NewString(), auth.RoleDoctor)
	c.QueryParams().Set("patient_id", r.PatientID.String())
	if err := h.ListReminders(c); err != nil {
		t.Fatal(err)
	}
	var page struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 1 {
		t.Errorf("expected 1 reminder for patient, got %d", page.Total)
	}

	c, _ = newCtx(e, http.MethodGet, "", uuid.NewString(), auth.RoleDoctor)
	c.QueryParams().Set("status", "bogus")
	if code := httpCode(t, h.ListReminders(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %d", code)
	}
}

func TestHandler_UpdateReminder(t *testing.T) {
	h, e := newTestHandler()
	r := createVia(t, h)

	c, rec := newCtx(e, http.MethodPatch, `{"title":"Metformin XR"}`, uuid.NewString(), auth.RoleDoctor)
	c.SetParamNames("id")
	c.SetParamValues(r.ID.String())
	if err := h.UpdateReminder(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Metformin XR") {
		t.Errorf("expected updated reminder, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_PauseResumeCancel(t *testing.T) {
	h, e := newTestHandler()
	r := createVia(t, h)
	doctor := uuid.NewString()

	for _, step := range []struct {
		fn   func(echo.Context) error
		want string
	}{
		{h.Pause, StatusPaused},
		{h.Resume, StatusActive},
		{h.Cancel, StatusCancelled},
	} {
		c, rec := newCtx(e, http.MethodPost, "", doctor, auth.RoleDoctor)
		c.SetParamNames("id")
		c.SetParamValues(r.ID.String())
		if err := step.fn(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var got Reminder
		json.Unmarshal(rec.Body.Bytes(), &got)
		if got.Status != step.want {
			t.Errorf("expected %s, got %s", step.want, got.Status)
		}
	}

	c, _ := newCtx(e, http.MethodPost, "", doctor, auth.RoleDoctor)
	c.SetParamNames("id")
	c.SetParamValues(r.ID.String())
	if code := httpCode(t, h.Pause(c)); code != http.StatusConflict {
		t.Errorf("expected 409 pausing a cancelled reminder, got %d", code)
	}
}

func TestHandler_RespondAsPatient(t *testing.T) {
	h, e := newTestHandler()
	r := createVia(t, h)

	c, rec := newCtx(e, http.MethodPost, `{"response":"taken"}`, r.PatientID.String(), auth.RolePatient)
	c.SetParamNames("id")
	c.SetParamValues(r.ID.String())
	if err := h.Respond(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Reminder
	json.Unmarshal(rec.Body.Bytes(), &got)
	if !got.ResponseReceived || got.PatientResponse == nil || *got.PatientResponse != "taken" {
		t.Errorf("expected response recorded, got %+v", got)
	}
}

func TestHandler_Snooze(t *testing.T) {
	h, e := newTestHandler()
	r := createVia(t, h)

	c, rec := newCtx(e, http.MethodPost, `{"minutes":30}`, r.PatientID.String(), auth.RolePatient)
	c.SetParamNames("id")
	c.SetParamValues(r.ID.String())
	if err := h.Snooze(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Reminder
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.SnoozeUntil == nil || !got.SnoozeUntil.Equal(testNow.Add(30*time.Minute)) {
		t.Errorf("expected snooze until now+30m, got %v", got.SnoozeUntil)
	}

	c, _ = newCtx(e, http.MethodPost, `{}`, r.PatientID.String(), auth.RolePatient)
	c.SetParamNames("id")
	c.SetParamValues(r.ID.String())
	if code := httpCode(t, h.Snooze(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 without until or minutes, got %d", code)
	}
}

func TestHandler_ListAttempts(t *testing.T) {
	h, e := newTestHandler()
	r := createVia(t, h)

	c, rec := newCtx(e, http.MethodGet, "", uuid.NewString(), auth.RoleDoctor)
	c.SetParamNames("id")
	c.SetParamValues(r.ID.String())
	if err := h.ListAttempts(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_AttemptStatus(t *testing.T) {
	h, e := newTestHandler()
	h.svc.SetStatusLookup(fakeStatuses{"SM42": "undelivered"})
	r := createVia(t, h)
	a := &delivery.Attempt{ReminderID: r.ID, Channel: "sms", AttemptedAt: testNow, Succeeded: true, ProviderRef: "SM42"}
	if err := h.svc.Store().AppendAttempt(context.Background(), a); err != nil {
		t.Fatal(err)
	}

	c, rec := newCtx(e, http.MethodGet, "", r.PatientID.String(), auth.RolePatient)
	c.SetParamNames("id", "attempt_id")
	c.SetParamValues(r.ID.String(), a.ID.String())
	if err := h.AttemptStatus(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got AttemptStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK || got.Status != "undelivered" || got.AttemptID != a.ID {
		t.Errorf("unexpected response %d %+v", rec.Code, got)
	}

	c, _ = newCtx(e, http.MethodGet, "", uuid.NewString(), auth.RolePatient)
	c.SetParamNames("id", "attempt_id")
	c.SetParamValues(r.ID.String(), a.ID.String())
	if code := httpCode(t, h.AttemptStatus(c)); code != http.StatusNotFound {
		t.Errorf("another patient should get 404, got %d", code)
	}

	c, _ = newCtx(e, http.MethodGet, "", uuid.NewString(), auth.RoleDoctor)
	c.SetParamNames("id", "attempt_id")
	c.SetParamValues(r.ID.String(), "not-a-uuid")
	if code := httpCode(t, h.AttemptStatus(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad attempt id, got %d", code)
	}
}

func TestHandler_Contacts(t *testing.T) {
	h, e := newTestHandler()
	patient := uuid.New()

	c, rec := newCtx(e, http.MethodPut, `{"name":"Asha","phone":"9876543210","locale":"hi"}`, patient.String(), auth.RolePatient)
	c.SetParamNames("user_id")
	c.SetParamValues(patient.String())
	if err := h.UpsertContact(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c, _ = newCtx(e, http.MethodPut, `{"name":"Mallory"}`, uuid.NewString(), auth.RolePatient)
	c.SetParamNames("user_id")
	c.SetParamValues(patient.String())
	if code := httpCode(t, h.UpsertContact(c)); code != http.StatusForbidden {
		t.Errorf("expected 403 editing another user's contact, got %d", code)
	}

	c, rec = newCtx(e, http.MethodGet, "", uuid.NewString(), auth.RoleDoctor)
	c.SetParamNames("user_id")
	c.SetParamValues(patient.String())
	if err := h.GetContact(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), "9876543210") {
		t.Errorf("expected stored contact, got %s", rec.Body.String())
	}

	c, _ = newCtx(e, http.MethodGet, "", uuid.NewString(), auth.RoleDoctor)
	c.SetParamNames("user_id")
	c.SetParamValues(uuid.NewString())
	if code := httpCode(t, h.GetContact(c)); code != http.StatusNotFound {
		t.Errorf("expected 404 for missing contact, got %d", code)
	}
}

func TestHTTPError_Mapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrNotFound, http.StatusNotFound},
		{ErrContactNotFound, http.StatusNotFound},
		{ErrConflict, http.StatusConflict},
		{ErrInvalidTransition, http.StatusConflict},
		{lock.ErrNotAcquired, http.StatusServiceUnavailable},
		{ErrInvalidPattern, http.StatusBadRequest},
		{ErrAttemptNotFound, http.StatusNotFound},
		{delivery.ErrStatusUnsupported, http.StatusUnprocessableEntity},
		{&delivery.SendError{Channel: "sms", Code: "20404", Err: errors.New("not found")}, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := httpCode(t, httpError(tt.err)); got != tt.want {
			t.Errorf("httpError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRegisterRoutes_RoleGuards(t *testing.T) {
	h, e := newTestHandler()
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			roles := strings.Split(c.Request().Header.Get("X-Test-Roles"), ",")
			ctx := auth.WithIdentity(c.Request().Context(), uuid.NewString(), roles)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	h.RegisterRoutes(api)

	body := `{"patient_id":"` + uuid.NewString() + `","type":"other","title":"x","scheduled_date":"2024-01-05T00:00:00Z","channels":["sms"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reminders", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("X-Test-Roles", auth.RolePatient)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected patients to be refused reminder creation, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/reminders", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("X-Test-Roles", auth.RoleDoctor)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Errorf("expected doctor to create a reminder, got %d: %s", rec.Code, rec.Body.String())
	}
}
