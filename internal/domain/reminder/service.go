package reminder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthportal/reminders/internal/platform/delivery"
	"github.com/healthportal/reminders/internal/platform/lock"
)

// ChannelChecker reports whether a channel name can be delivered.
type ChannelChecker interface {
	Supports(channel string) bool
}

var languageAliases = map[string]string{
	"en":      "en",
	"english": "en",
	"hi":      "hi",
	"hindi":   "hi",
}

// NormalizeLanguage maps a language name or tag to a supported tag ("" if unsupported).
func NormalizeLanguage(lang string) string {
	return languageAliases[strings.ToLower(strings.TrimSpace(lang))]
}

// LockKey is the per-reminder lock key shared by every writer.
func LockKey(id uuid.UUID) string {
	return "reminder:" + id.String()
}

// StatusLookup asks a channel's provider what became of a sent message.
type StatusLookup interface {
	MessageStatus(ctx context.Context, channel, providerRef string) (string, error)
}

type Service struct {
	store           Store
	locker          lock.Locker
	channels        ChannelChecker
	statuses        StatusLookup
	defaultTimezone string
	now             func() time.Time
	logger          zerolog.Logger
}

func NewService(store Store, locker lock.Locker, logger zerolog.Logger) *Service {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	return &Service{
		store:           store,
		locker:          locker,
		defaultTimezone: "Asia/Kolkata",
		now:             time.Now,
		logger:          logger,
	}
}

// SetChannelChecker makes Create and Update reject channels nobody can deliver.
func (s *Service) SetChannelChecker(c ChannelChecker) { s.channels = c }

// SetStatusLookup enables provider status lookups for recorded attempts.
func (s *Service) SetStatusLookup(l StatusLookup) { s.statuses = l }

// SetDefaultTimezone sets the timezone applied when a reminder has none.
func (s *Service) SetDefaultTimezone(tz string) { s.defaultTimezone = tz }

// SetClock overrides the service's time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

func (s *Service) normalizeChannels(in []string) ([]string, error) {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, ch := range in {
		ch = delivery.NormalizeChannel(ch)
		if ch == "" || seen[ch] {
			continue
		}
		if s.channels != nil && !s.channels.Supports(ch) {
			return nil, fmt.Errorf("%w: %q", delivery.ErrUnknownChannel, ch)
		}
		seen[ch] = true
		out = append(out, ch)
	}
	if len(out) == 0 {
		return nil, delivery.ErrNoChannels
	}
	return out, nil
}

func (s *Service) validateEscalation(e *EscalationRule) error {
	if e == nil {
		return nil
	}
	if e.DelayMinutes < 0 {
		return fmt.Errorf("%w: escalation delay must not be negative", ErrInvalid)
	}
	if e.Channel != "" {
		e.Channel = delivery.NormalizeChannel(e.Channel)
		if s.channels != nil && !s.channels.Supports(e.Channel) {
			return fmt.Errorf("%w: escalation channel %q", delivery.ErrUnknownChannel, e.Channel)
		}
	}
	return nil
}

// validateSchedule checks the schedule fields and returns the anchor.
func (s *Service) validateSchedule(r *Reminder) (time.Time, error) {
	if r.Frequency == "" {
		r.Frequency = FrequencyOnce
	}
	if !validFrequencies[r.Frequency] {
		return time.Time{}, fmt.Errorf("%w: invalid frequency: %s", ErrInvalid, r.Frequency)
	}
	if r.Frequency == FrequencyCustom {
		if r.Pattern == nil {
			return time.Time{}, fmt.Errorf("%w: custom frequency requires a pattern", ErrInvalidPattern)
		}
		if err := r.Pattern.Validate(); err != nil {
			return time.Time{}, err
		}
	} else if r.Pattern != nil {
		return time.Time{}, fmt.Errorf("%w: pattern is only allowed with custom frequency", ErrInvalidPattern)
	}

	if r.Timezone == "" {
		r.Timezone = s.defaultTimezone
	}
	if _, err := time.LoadLocation(r.Timezone); err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid timezone: %s", ErrInvalid, r.Timezone)
	}
	if r.ScheduledDate.IsZero() {
		return time.Time{}, fmt.Errorf("%w: scheduled_date is required", ErrInvalid)
	}
	anchor, err := r.Anchor()
	if err != nil {
		return time.Time{}, err
	}
	if r.EndDate != nil && r.EndDate.Before(anchor) {
		return time.Time{}, fmt.Errorf("%w: end_date is before the first occurrence", ErrInvalid)
	}
	if r.MaxSendCount != nil && *r.MaxSendCount < 1 {
		return time.Time{}, fmt.Errorf("%w: max_send_count must be at least 1", ErrInvalid)
	}
	return anchor, nil
}

func (s *Service) validateContent(r *Reminder) error {
	if !validTypes[r.Type] {
		return fmt.Errorf("%w: invalid type: %s", ErrInvalid, r.Type)
	}
	if r.Priority == "" {
		r.Priority = PriorityMedium
	}
	if !validPriorities[r.Priority] {
		return fmt.Errorf("%w: invalid priority: %s", ErrInvalid, r.Priority)
	}
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if r.Language == "" {
		r.Language = "en"
	}
	lang := NormalizeLanguage(r.Language)
	if lang == "" {
		return fmt.Errorf("%w: unsupported language: %s", ErrInvalid, r.Language)
	}
	r.Language = lang
	return nil
}

// Create validates r, fills defaults and stores it as active with its first
// send at the anchor.
func (s *Service) Create(ctx context.Context, r *Reminder) error {
	if r.PatientID == uuid.Nil {
		return fmt.Errorf("%w: patient_id is required", ErrInvalid)
	}
	if err := s.validateContent(r); err != nil {
		return err
	}
	channels, err := s.normalizeChannels(r.Channels)
	if err != nil {
		return err
	}
	r.Channels = channels
	if err := s.validateEscalation(r.Escalation); err != nil {
		return err
	}
	anchor, err := s.validateSchedule(r)
	if err != nil {
		return err
	}

	r.Status = StatusActive
	r.NextSendAt = &anchor
	r.SentCount = 0
	r.LastSentAt = nil
	r.ResponseReceived = false
	r.PatientResponse = nil
	r.RespondedAt = nil
	r.EscalatedAt = nil
	if err := s.store.Create(ctx, r); err != nil {
		return err
	}
	s.logger.Info().
		Str("reminder_id", r.ID.String()).
		Str("type", r.Type).
		Str("frequency", r.Frequency).
		Time("next_send_at", anchor).
		Msg("reminder created")
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Reminder, error) {
	return s.store.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Reminder, int, error) {
	if f.Status != "" && !validStatuses[f.Status] {
		return nil, 0, fmt.Errorf("%w: invalid status: %s", ErrInvalid, f.Status)
	}
	return s.store.List(ctx, f, limit, offset)
}

// mutate runs fn on the latest copy of a reminder under its lock and writes
// the result back.
func (s *Service) mutate(ctx context.Context, id uuid.UUID, fn func(r *Reminder, now time.Time) error) (*Reminder, error) {
	release, err := s.locker.Acquire(ctx, LockKey(id))
	if err != nil {
		return nil, err
	}
	defer release()

	r, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(r, s.now()); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Patch is a partial update. Nil fields are left alone.
type Patch struct {
	Title         *string           `json:"title,omitempty"`
	Message       *string           `json:"message,omitempty"`
	Language      *string           `json:"language,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
	Priority      *string           `json:"priority,omitempty"`
	IsUrgent      *bool             `json:"is_urgent,omitempty"`
	DoctorID      *uuid.UUID        `json:"doctor_id,omitempty"`
	Channels      []string          `json:"channels,omitempty"`
	Escalation    *EscalationRule   `json:"escalation,omitempty"`
	ScheduledDate *time.Time        `json:"scheduled_date,omitempty"`
	ScheduledTime *string           `json:"scheduled_time,omitempty"`
	Frequency     *string           `json:"frequency,omitempty"`
	Pattern       *Pattern          `json:"pattern,omitempty"`
	EndDate       *time.Time        `json:"end_date,omitempty"`
	Timezone      *string           `json:"timezone,omitempty"`
	MaxSendCount  *int              `json:"max_send_count,omitempty"`
}

func (p *Patch) touchesSchedule() bool {
	return p.ScheduledDate != nil || p.ScheduledTime != nil || p.Frequency != nil ||
		p.Pattern != nil || p.EndDate != nil || p.Timezone != nil
}

// Update applies p. Schedule edits restart the schedule from the new anchor,
// skipping occurrences already in the past for recurring reminders.
func (s *Service) Update(ctx context.Context, id uuid.UUID, p Patch) (*Reminder, error) {
	return s.mutate(ctx, id, func(r *Reminder, now time.Time) error {
		if r.IsTerminal() {
			return fmt.Errorf("%w: reminder is %s", ErrInvalidTransition, r.Status)
		}
		if p.Title != nil {
			r.Title = *p.Title
		}
		if p.Message != nil {
			r.Message = *p.Message
		}
		if p.Language != nil {
			r.Language = *p.Language
		}
		if p.Details != nil {
			r.Details = p.Details
		}
		if p.Priority != nil {
			r.Priority = *p.Priority
		}
		if p.IsUrgent != nil {
			r.IsUrgent = *p.IsUrgent
		}
		if p.DoctorID != nil {
			r.DoctorID = p.DoctorID
		}
		if err := s.validateContent(r); err != nil {
			return err
		}
		if p.Channels != nil {
			channels, err := s.normalizeChannels(p.Channels)
			if err != nil {
				return err
			}
			r.Channels = channels
		}
		if p.Escalation != nil {
			if err := s.validateEscalation(p.Escalation); err != nil {
				return err
			}
			r.Escalation = p.Escalation
		}
		if p.MaxSendCount != nil {
			r.MaxSendCount = p.MaxSendCount
		}

		// An edit may fix whatever held the reminder.
		r.ClearHold()

		if !p.touchesSchedule() {
			if r.MaxSendCount != nil && *r.MaxSendCount < 1 {
				return fmt.Errorf("%w: max_send_count must be at least 1", ErrInvalid)
			}
			r.completeIfCapped()
			return nil
		}
		if p.ScheduledDate != nil {
			r.ScheduledDate = *p.ScheduledDate
		}
		if p.ScheduledTime != nil {
			r.ScheduledTime = p.ScheduledTime
		}
		if p.Frequency != nil {
			r.Frequency = *p.Frequency
			if r.Frequency != FrequencyCustom && p.Pattern == nil {
				r.Pattern = nil
			}
		}
		if p.Pattern != nil {
			r.Pattern = p.Pattern
		}
		if p.EndDate != nil {
			r.EndDate = p.EndDate
		}
		if p.Timezone != nil {
			r.Timezone = *p.Timezone
		}
		anchor, err := s.validateSchedule(r)
		if err != nil {
			return err
		}

		next := anchor
		if anchor.Before(now) && r.Frequency != FrequencyOnce {
			r.NextSendAt = &anchor
			n, more, err := r.NextOccurrence(now)
			if err != nil {
				return err
			}
			if !more {
				return fmt.Errorf("%w: schedule has no occurrences after now", ErrInvalid)
			}
			next = n
		}
		if r.EndDate != nil && next.After(*r.EndDate) {
			return fmt.Errorf("%w: end_date is before the next occurrence", ErrInvalid)
		}
		r.NextSendAt = &next
		r.completeIfCapped()
		return nil
	})
}

// Pause stops dispatch until Resume.
func (s *Service) Pause(ctx context.Context, id uuid.UUID) (*Reminder, error) {
	return s.mutate(ctx, id, func(r *Reminder, _ time.Time) error {
		if r.Status != StatusActive {
			return fmt.Errorf("%w: cannot pause a %s reminder", ErrInvalidTransition, r.Status)
		}
		r.Status = StatusPaused
		return nil
	})
}

// Resume reactivates a paused reminder. A missed occurrence fires once on the
// next tick; the recurrence then skips the rest of the backlog.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) (*Reminder, error) {
	return s.mutate(ctx, id, func(r *Reminder, _ time.Time) error {
		if r.Status != StatusPaused {
			return fmt.Errorf("%w: cannot resume a %s reminder", ErrInvalidTransition, r.Status)
		}
		if len(r.Channels) == 0 {
			return delivery.ErrNoChannels
		}
		r.Status = StatusActive
		r.ClearHold()
		return nil
	})
}

// Cancel permanently stops a reminder.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Reminder, error) {
	r, err := s.mutate(ctx, id, func(r *Reminder, _ time.Time) error {
		if r.IsTerminal() {
			return fmt.Errorf("%w: reminder is already %s", ErrInvalidTransition, r.Status)
		}
		r.Status = StatusCancelled
		r.NextSendAt = nil
		return nil
	})
	if err == nil {
		s.logger.Info().Str("reminder_id", id.String()).Msg("reminder cancelled")
	}
	return r, err
}

// Respond records the patient's reply to the current occurrence and clears
// any snooze.
func (s *Service) Respond(ctx context.Context, id uuid.UUID, text string) (*Reminder, error) {
	return s.mutate(ctx, id, func(r *Reminder, now time.Time) error {
		if r.Status == StatusCancelled {
			return fmt.Errorf("%w: reminder is cancelled", ErrInvalidTransition)
		}
		r.ResponseReceived = true
		r.PatientResponse = &text
		r.RespondedAt = &now
		r.SnoozeUntil = nil
		return nil
	})
}

// Snooze holds the next send until the given time.
func (s *Service) Snooze(ctx context.Context, id uuid.UUID, until time.Time) (*Reminder, error) {
	return s.mutate(ctx, id, func(r *Reminder, now time.Time) error {
		if r.IsTerminal() {
			return fmt.Errorf("%w: reminder is %s", ErrInvalidTransition, r.Status)
		}
		if !until.After(now) {
			return fmt.Errorf("%w: snooze_until must be in the future", ErrInvalid)
		}
		r.SnoozeUntil = &until
		return nil
	})
}

// History lists delivery attempts for a reminder, oldest first.
func (s *Service) History(ctx context.Context, id uuid.UUID, limit, offset int) ([]*delivery.Attempt, int, error) {
	if _, err := s.store.GetByID(ctx, id); err != nil {
		return nil, 0, err
	}
	return s.store.ListAttempts(ctx, id, limit, offset)
}

// AttemptStatus is the provider's current view of one delivery attempt.
type AttemptStatus struct {
	AttemptID   uuid.UUID `json:"attempt_id"`
	ReminderID  uuid.UUID `json:"reminder_id"`
	Channel     string    `json:"channel"`
	ProviderRef string    `json:"provider_ref"`
	Status      string    `json:"status"`
	CheckedAt   time.Time `json:"checked_at"`
}

const attemptScanPage = 200

// AttemptStatus looks up the provider status of one of a reminder's attempts.
func (s *Service) AttemptStatus(ctx context.Context, reminderID, attemptID uuid.UUID) (*AttemptStatus, error) {
	if _, err := s.store.GetByID(ctx, reminderID); err != nil {
		return nil, err
	}
	a, err := s.findAttempt(ctx, reminderID, attemptID)
	if err != nil {
		return nil, err
	}
	if s.statuses == nil {
		return nil, fmt.Errorf("%w: %s", delivery.ErrStatusUnsupported, a.Channel)
	}
	if !a.Succeeded || a.ProviderRef == "" {
		return nil, delivery.ErrNoProviderRef
	}
	status, err := s.statuses.MessageStatus(ctx, a.Channel, a.ProviderRef)
	if err != nil {
		return nil, err
	}
	return &AttemptStatus{
		AttemptID:   a.ID,
		ReminderID:  reminderID,
		Channel:     a.Channel,
		ProviderRef: a.ProviderRef,
		Status:      status,
		CheckedAt:   s.now(),
	}, nil
}

func (s *Service) findAttempt(ctx context.Context, reminderID, attemptID uuid.UUID) (*delivery.Attempt, error) {
	for offset := 0; ; offset += attemptScanPage {
		items, total, err := s.store.ListAttempts(ctx, reminderID, attemptScanPage, offset)
		if err != nil {
			return nil, err
		}
		for _, a := range items {
			if a.ID == attemptID {
				return a, nil
			}
		}
		if len(items) == 0 || offset+len(items) >= total {
			return nil, ErrAttemptNotFound
		}
	}
}

// -- Contacts --

func (s *Service) UpsertContact(ctx context.Context, c *Contact) error {
	if c.UserID == uuid.Nil {
		return fmt.Errorf("%w: user_id is required", ErrInvalid)
	}
	c.Phone = strings.TrimSpace(c.Phone)
	c.Email = strings.TrimSpace(c.Email)
	if c.Email != "" && !strings.Contains(c.Email, "@") {
		return fmt.Errorf("%w: invalid email", ErrInvalid)
	}
	if c.Locale != "" {
		lang := NormalizeLanguage(c.Locale)
		if lang == "" {
			return fmt.Errorf("%w: unsupported locale: %s", ErrInvalid, c.Locale)
		}
		c.Locale = lang
	}
	return s.store.UpsertContact(ctx, c)
}

func (s *Service) GetContact(ctx context.Context, userID uuid.UUID) (*Contact, error) {
	return s.store.GetContact(ctx, userID)
}

// IsClientError reports whether err came from bad input rather than the store.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalid) || errors.Is(err, ErrInvalidPattern) ||
		errors.Is(err, delivery.ErrNoChannels) || errors.Is(err, delivery.ErrUnknownChannel)
}
