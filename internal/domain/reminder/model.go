package reminder

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/healthportal/reminders/internal/platform/delivery"
)

var (
	ErrNotFound          = errors.New("reminder not found")
	ErrConflict          = errors.New("reminder was modified concurrently")
	ErrInvalid           = errors.New("invalid reminder")
	ErrInvalidPattern    = errors.New("invalid recurrence pattern")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrContactNotFound   = errors.New("contact not found")
	ErrAttemptNotFound   = errors.New("delivery attempt not found")
)

const (
	TypeMedication         = "medication"
	TypeFollowUp           = "follow_up_appointment"
	TypeLabTest            = "lab_test"
	TypeSymptomCheck       = "symptom_check"
	TypePrescriptionRefill = "prescription_refill"
	TypeVaccination        = "vaccination"
	TypeLifestyleChange    = "lifestyle_change"
	TypeOther              = "other"
)

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

const (
	FrequencyOnce    = "once"
	FrequencyDaily   = "daily"
	FrequencyWeekly  = "weekly"
	FrequencyMonthly = "monthly"
	FrequencyCustom  = "custom"
)

const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

var validTypes = map[string]bool{
	TypeMedication:         true,
	TypeFollowUp:           true,
	TypeLabTest:            true,
	TypeSymptomCheck:       true,
	TypePrescriptionRefill: true,
	TypeVaccination:        true,
	TypeLifestyleChange:    true,
	TypeOther:              true,
}

var validPriorities = map[string]bool{
	PriorityLow:    true,
	PriorityMedium: true,
	PriorityHigh:   true,
	PriorityUrgent: true,
}

var validFrequencies = map[string]bool{
	FrequencyOnce:    true,
	FrequencyDaily:   true,
	FrequencyWeekly:  true,
	FrequencyMonthly: true,
	FrequencyCustom:  true,
}

var validStatuses = map[string]bool{
	StatusActive:    true,
	StatusPaused:    true,
	StatusCompleted: true,
	StatusCancelled: true,
}

// EscalationRule says who to alert, over which channel, and how long to wait
// for a patient response first. Zero values fall back to configured defaults.
type EscalationRule struct {
	DelayMinutes int        `json:"delay_minutes,omitempty"`
	TargetID     *uuid.UUID `json:"target_id,omitempty"`
	Channel      string     `json:"channel,omitempty"`
}

// Delay returns the rule's wait as a duration.
func (e *EscalationRule) Delay() time.Duration {
	return time.Duration(e.DelayMinutes) * time.Minute
}

// Reminder maps to the reminders table.
type Reminder struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	PatientID      uuid.UUID  `db:"patient_id" json:"patient_id"`
	DoctorID       *uuid.UUID `db:"doctor_id" json:"doctor_id,omitempty"`
	ScreeningID    *uuid.UUID `db:"screening_id" json:"screening_id,omitempty"`
	PrescriptionID *uuid.UUID `db:"prescription_id" json:"prescription_id,omitempty"`

	Type     string `db:"type" json:"type"`
	Priority string `db:"priority" json:"priority"`
	IsUrgent bool   `db:"is_urgent" json:"is_urgent"`

	Title    string            `db:"title" json:"title"`
	Message  string            `db:"message" json:"message"`
	Language string            `db:"language" json:"language"`
	Details  map[string]string `db:"details" json:"details,omitempty"`

	ScheduledDate time.Time  `db:"scheduled_date" json:"scheduled_date"`
	ScheduledTime *string    `db:"scheduled_time" json:"scheduled_time,omitempty"`
	Frequency     string     `db:"frequency" json:"frequency"`
	Pattern       *Pattern   `db:"pattern" json:"pattern,omitempty"`
	EndDate       *time.Time `db:"end_date" json:"end_date,omitempty"`
	Timezone      string     `db:"timezone" json:"timezone"`

	Channels []string `db:"channels" json:"channels"`

	Status       string     `db:"status" json:"status"`
	LastSentAt   *time.Time `db:"last_sent_at" json:"last_sent_at,omitempty"`
	NextSendAt   *time.Time `db:"next_send_at" json:"next_send_at,omitempty"`
	SentCount    int        `db:"sent_count" json:"sent_count"`
	MaxSendCount *int       `db:"max_send_count" json:"max_send_count,omitempty"`

	ResponseReceived bool       `db:"response_received" json:"response_received"`
	PatientResponse  *string    `db:"patient_response" json:"patient_response,omitempty"`
	RespondedAt      *time.Time `db:"responded_at" json:"responded_at,omitempty"`
	SnoozeUntil      *time.Time `db:"snooze_until" json:"snooze_until,omitempty"`

	Escalation          *EscalationRule `db:"escalation" json:"escalation,omitempty"`
	EscalatedAt         *time.Time      `db:"escalated_at" json:"escalated_at,omitempty"`
	EscalationHoldUntil *time.Time      `db:"escalation_hold_until" json:"escalation_hold_until,omitempty"`

	// HoldUntil keeps a reminder that could not be prepared for dispatch out
	// of the due set until the given time.
	HoldUntil *time.Time `db:"hold_until" json:"hold_until,omitempty"`
	HoldCount int        `db:"hold_count" json:"hold_count,omitempty"`
	LastError *string    `db:"last_error" json:"last_error,omitempty"`

	Version   int       `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Location resolves the reminder's timezone, falling back to UTC.
func (r *Reminder) Location() *time.Location {
	if r.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Anchor returns the first occurrence: ScheduledDate in the reminder's
// timezone, with the wall-clock time replaced by ScheduledTime when set.
func (r *Reminder) Anchor() (time.Time, error) {
	loc := r.Location()
	d := r.ScheduledDate.In(loc)
	if r.ScheduledTime == nil || *r.ScheduledTime == "" {
		return d, nil
	}
	hh, mm, err := parseClock(*r.ScheduledTime)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(d.Year(), d.Month(), d.Day(), hh, mm, 0, 0, loc), nil
}

func parseClock(s string) (int, int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: scheduled_time must be HH:MM, got %q", ErrInvalid, s)
	}
	return t.Hour(), t.Minute(), nil
}

// EffectiveDueAt is NextSendAt pushed out to SnoozeUntil or HoldUntil,
// whichever is latest.
func (r *Reminder) EffectiveDueAt() *time.Time {
	if r.NextSendAt == nil {
		return nil
	}
	due := *r.NextSendAt
	if r.SnoozeUntil != nil && r.SnoozeUntil.After(due) {
		due = *r.SnoozeUntil
	}
	if r.HoldUntil != nil && r.HoldUntil.After(due) {
		due = *r.HoldUntil
	}
	return &due
}

const (
	DefaultHold = 5 * time.Minute
	MaxHold     = 6 * time.Hour
)

// Hold parks the reminder after a dispatch that failed before anything was
// sent. The wait starts at base and doubles with every consecutive hold, up
// to MaxHold. It returns the time the reminder becomes due again.
func (r *Reminder) Hold(now time.Time, base time.Duration, cause error) time.Time {
	if base <= 0 {
		base = DefaultHold
	}
	wait := base
	for i := 0; i < r.HoldCount && wait < MaxHold; i++ {
		wait *= 2
	}
	if wait > MaxHold {
		wait = MaxHold
	}
	until := now.Add(wait)
	r.HoldUntil = &until
	r.HoldCount++
	if cause != nil {
		msg := cause.Error()
		r.LastError = &msg
	}
	return until
}

// ClearHold makes a held reminder due again at its normal time.
func (r *Reminder) ClearHold() {
	r.HoldUntil = nil
	r.HoldCount = 0
	r.LastError = nil
}

// EscalationHeld reports whether a failed escalation is waiting to be retried.
func (r *Reminder) EscalationHeld(now time.Time) bool {
	return r.EscalationHoldUntil != nil && r.EscalationHoldUntil.After(now)
}

// IsDue reports whether the reminder should be dispatched at now.
func (r *Reminder) IsDue(now time.Time) bool {
	if r.Status != StatusActive {
		return false
	}
	due := r.EffectiveDueAt()
	return due != nil && !due.After(now)
}

// IsTerminal reports whether no further dispatch can happen.
func (r *Reminder) IsTerminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusCancelled
}

// Escalates reports whether unanswered sends of this reminder are escalated.
func (r *Reminder) Escalates() bool {
	return r.Priority == PriorityUrgent || r.IsUrgent || r.Escalation != nil
}

// AwaitingEscalation reports whether the current occurrence was sent, is
// unanswered, and has not been escalated yet.
func (r *Reminder) AwaitingEscalation() bool {
	if !r.Escalates() || r.ResponseReceived || r.LastSentAt == nil || r.EscalatedAt != nil {
		return false
	}
	return r.Status == StatusActive || r.Status == StatusCompleted
}

func (r *Reminder) complete() {
	r.Status = StatusCompleted
	r.NextSendAt = nil
}

// completeIfCapped completes a reminder that has already been sent
// MaxSendCount times.
func (r *Reminder) completeIfCapped() bool {
	if r.MaxSendCount == nil || r.SentCount < *r.MaxSendCount || r.IsTerminal() {
		return false
	}
	r.complete()
	return true
}

// Contact is how a user (patient or doctor) is reached.
type Contact struct {
	UserID         uuid.UUID `db:"user_id" json:"user_id"`
	Name           string    `db:"name" json:"name,omitempty"`
	Phone          string    `db:"phone" json:"phone,omitempty"`
	Email          string    `db:"email" json:"email,omitempty"`
	PushKey        string    `db:"push_key" json:"push_key,omitempty"`
	TelegramChatID string    `db:"telegram_chat_id" json:"telegram_chat_id,omitempty"`
	Locale         string    `db:"locale" json:"locale,omitempty"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Recipient converts the contact for the delivery layer.
func (c *Contact) Recipient() delivery.Recipient {
	return delivery.Recipient{
		ID:             c.UserID,
		Name:           c.Name,
		Phone:          c.Phone,
		Email:          c.Email,
		PushKey:        c.PushKey,
		TelegramChatID: c.TelegramChatID,
	}
}

// ListFilter narrows List results. Nil fields are ignored.
type ListFilter struct {
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
	Status    string
}
