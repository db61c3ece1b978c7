package dispatch

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/healthportal/reminders/internal/platform/auth"
)

type Handler struct {
	engine *Engine
	now    func() time.Time
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine, now: time.Now}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	admin := api.Group("/dispatch", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/run", h.RunDue)
	admin.POST("/escalations", h.CheckEscalations)
}

type triggerRequest struct {
	Now *time.Time `json:"now,omitempty"`
}

// at returns the caller-supplied time, or the wall clock.
func (h *Handler) at(c echo.Context) (time.Time, error) {
	var req triggerRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	if req.Now != nil {
		return req.Now.UTC(), nil
	}
	return h.now().UTC(), nil
}

func (h *Handler) RunDue(c echo.Context) error {
	now, err := h.at(c)
	if err != nil {
		return err
	}
	s, err := h.engine.RunDueReminders(c.Request().Context(), now)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) CheckEscalations(c echo.Context) error {
	now, err := h.at(c)
	if err != nil {
		return err
	}
	s, err := h.engine.CheckEscalations(c.Request().Context(), now)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, s)
}
