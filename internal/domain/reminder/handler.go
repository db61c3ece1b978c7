package reminder

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthportal/reminders/internal/platform/auth"
	"github.com/healthportal/reminders/internal/platform/delivery"
	"github.com/healthportal/reminders/internal/platform/lock"
	"github.com/healthportal/reminders/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	anyone := auth.RequireRole(auth.RolePatient, auth.RoleDoctor)
	staff := auth.RequireRole(auth.RoleDoctor)

	read := api.Group("", anyone)
	read.GET("/reminders", h.ListReminders)
	read.GET("/reminders/:id", h.GetReminder)
	read.GET("/reminders/:id/attempts", h.ListAttempts)
	read.GET("/reminders/:id/attempts/:attempt_id/status", h.AttemptStatus)
	read.POST("/reminders/:id/respond", h.Respond)
	read.POST("/reminders/:id/snooze", h.Snooze)
	read.GET("/contacts/:user_id", h.GetContact)
	read.PUT("/contacts/:user_id", h.UpsertContact)

	write := api.Group("", staff)
	write.POST("/reminders", h.CreateReminder)
	write.PATCH("/reminders/:id", h.UpdateReminder)
	write.POST("/reminders/:id/pause", h.Pause)
	write.POST("/reminders/:id/resume", h.Resume)
	write.POST("/reminders/:id/cancel", h.Cancel)
}

// httpError maps service errors onto HTTP statuses.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrContactNotFound), errors.Is(err, ErrAttemptNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, delivery.ErrStatusUnsupported), errors.Is(err, delivery.ErrNoProviderRef):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, lock.ErrNotAcquired):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "reminder is busy, retry later")
	case IsClientError(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var se *delivery.SendError
	if errors.As(err, &se) {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// patientOnly reports whether the caller acts as a patient without staff
// rights, in which case they may only touch their own records.
func patientOnly(c echo.Context) bool {
	return !auth.HasRole(auth.RolesFromContext(c.Request().Context()), auth.RoleDoctor)
}

func ownsRecord(c echo.Context, userID uuid.UUID) bool {
	return !patientOnly(c) || auth.UserIDFromContext(c.Request().Context()) == userID.String()
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// loadOwned fetches the reminder in :id and checks the caller may see it.
func (h *Handler) loadOwned(c echo.Context) (*Reminder, error) {
	id, err := parseID(c, "id")
	if err != nil {
		return nil, err
	}
	r, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return nil, httpError(err)
	}
	if !ownsRecord(c, r.PatientID) {
		return nil, echo.NewHTTPError(http.StatusNotFound, ErrNotFound.Error())
	}
	return r, nil
}

func (h *Handler) CreateReminder(c echo.Context) error {
	var r Reminder
	if err := c.Bind(&r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if r.DoctorID == nil {
		if uid, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context())); err == nil {
			r.DoctorID = &uid
		}
	}
	if err := h.svc.Create(c.Request().Context(), &r); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) GetReminder(c echo.Context) error {
	r, err := h.loadOwned(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) ListReminders(c echo.Context) error {
	q, err := pagination.ReminderQueryFrom(c, StatusActive, StatusPaused, StatusCompleted, StatusCancelled)
	if err != nil {
		return err
	}
	f := ListFilter{Status: q.Status, PatientID: q.PatientID, DoctorID: q.DoctorID}
	if patientOnly(c) {
		self, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))
		if err != nil {
			return echo.NewHTTPError(http.StatusForbidden, "patient identity required")
		}
		f.PatientID = &self
	}

	items, total, err := h.svc.List(c.Request().Context(), f, q.Limit, q.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, total, q.Window))
}

func (h *Handler) UpdateReminder(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var p Patch
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r, err := h.svc.Update(c.Request().Context(), id, p)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) transition(c echo.Context, fn func(context.Context, uuid.UUID) (*Reminder, error)) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	r, err := fn(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) Pause(c echo.Context) error  { return h.transition(c, h.svc.Pause) }
func (h *Handler) Resume(c echo.Context) error { return h.transition(c, h.svc.Resume) }
func (h *Handler) Cancel(c echo.Context) error { return h.transition(c, h.svc.Cancel) }

type respondRequest struct {
	Response string `json:"response"`
}

func (h *Handler) Respond(c echo.Context) error {
	r, err := h.loadOwned(c)
	if err != nil {
		return err
	}
	var req respondRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	updated, err := h.svc.Respond(c.Request().Context(), r.ID, req.Response)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

type snoozeRequest struct {
	Until   *time.Time `json:"until,omitempty"`
	Minutes int        `json:"minutes,omitempty"`
}

func (h *Handler) Snooze(c echo.Context) error {
	r, err := h.loadOwned(c)
	if err != nil {
		return err
	}
	var req snoozeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var until time.Time
	switch {
	case req.Until != nil:
		until = *req.Until
	case req.Minutes > 0:
		until = h.svc.now().Add(time.Duration(req.Minutes) * time.Minute)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "until or minutes is required")
	}
	updated, err := h.svc.Snooze(c.Request().Context(), r.ID, until)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *Handler) ListAttempts(c echo.Context) error {
	r, err := h.loadOwned(c)
	if err != nil {
		return err
	}
	w := pagination.WindowFrom(c)
	items, total, err := h.svc.History(c.Request().Context(), r.ID, w.Limit, w.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, total, w))
}

func (h *Handler) AttemptStatus(c echo.Context) error {
	r, err := h.loadOwned(c)
	if err != nil {
		return err
	}
	attemptID, err := parseID(c, "attempt_id")
	if err != nil {
		return err
	}
	st, err := h.svc.AttemptStatus(c.Request().Context(), r.ID, attemptID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) GetContact(c echo.Context) error {
	uid, err := parseID(c, "user_id")
	if err != nil {
		return err
	}
	if !ownsRecord(c, uid) {
		return echo.NewHTTPError(http.StatusForbidden, "cannot read another user's contact")
	}
	ct, err := h.svc.GetContact(c.Request().Context(), uid)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ct)
}

func (h *Handler) UpsertContact(c echo.Context) error {
	uid, err := parseID(c, "user_id")
	if err != nil {
		return err
	}
	if !ownsRecord(c, uid) {
		return echo.NewHTTPError(http.StatusForbidden, "cannot modify another user's contact")
	}
	var ct Contact
	if err := c.Bind(&ct); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ct.UserID = uid
	if err := h.svc.UpsertContact(c.Request().Context(), &ct); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ct)
}
