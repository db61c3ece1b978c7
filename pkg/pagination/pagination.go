// Package pagination parses list windows and reminder list filters from
// query strings and shapes paged JSON responses.
package pagination

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Window is the ?limit= and ?offset= part of a list request.
type Window struct {
	Limit  int
	Offset int
}

// WindowFrom reads the window, falling back to DefaultLimit for a missing or
// malformed limit and clamping it to MaxLimit. Negative offsets become zero.
func WindowFrom(c echo.Context) Window {
	w := Window{Limit: DefaultLimit}
	if n, err := strconv.Atoi(c.QueryParam("limit")); err == nil && n > 0 {
		w.Limit = min(n, MaxLimit)
	}
	if n, err := strconv.Atoi(c.QueryParam("offset")); err == nil && n > 0 {
		w.Offset = n
	}
	return w
}

// ReminderQuery is a reminder list request: a window plus the optional
// ?status=, ?patient_id= and ?doctor_id= filters.
type ReminderQuery struct {
	Window
	Status    string
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
}

// ReminderQueryFrom parses a reminder list request. A status outside
// statuses or a malformed id is a 400. An empty statuses accepts any value.
func ReminderQueryFrom(c echo.Context, statuses ...string) (ReminderQuery, error) {
	q := ReminderQuery{Window: WindowFrom(c)}

	if s := strings.ToLower(strings.TrimSpace(c.QueryParam("status"))); s != "" {
		if len(statuses) > 0 && !contains(statuses, s) {
			return q, echo.NewHTTPError(http.StatusBadRequest,
				"status must be one of "+strings.Join(statuses, ", "))
		}
		q.Status = s
	}

	var err error
	if q.PatientID, err = uuidParam(c, "patient_id"); err != nil {
		return q, err
	}
	if q.DoctorID, err = uuidParam(c, "doctor_id"); err != nil {
		return q, err
	}
	return q, nil
}

func uuidParam(c echo.Context, name string) (*uuid.UUID, error) {
	v := strings.TrimSpace(c.QueryParam(name))
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &id, nil
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// Page is one window of a list response.
type Page[T any] struct {
	Data       []T  `json:"data"`
	Total      int  `json:"total"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
	NextOffset *int `json:"next_offset,omitempty"`
}

// NewPage wraps items fetched for w out of total matches. A nil items slice
// is encoded as [].
func NewPage[T any](items []T, total int, w Window) *Page[T] {
	if items == nil {
		items = []T{}
	}
	p := &Page[T]{
		Data:    items,
		Total:   total,
		Limit:   w.Limit,
		Offset:  w.Offset,
		HasMore: len(items) > 0 && w.Offset+len(items) < total,
	}
	if p.HasMore {
		next := w.Offset + len(items)
		p.NextOffset = &next
	}
	return p
}
