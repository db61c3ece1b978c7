// Package dispatch drives due reminders through delivery and the recurrence
// engine, and escalates unanswered urgent reminders to the responsible doctor.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthportal/reminders/internal/domain/reminder"
	"github.com/healthportal/reminders/internal/platform/delivery"
	"github.com/healthportal/reminders/internal/platform/lock"
	"github.com/healthportal/reminders/internal/platform/notification"
)

// Deliverer walks a channel list for one occurrence.
type Deliverer interface {
	Validate(channels []string) error
	Deliver(ctx context.Context, occ delivery.Occurrence, channels []string, now time.Time) (*delivery.Outcome, error)
}

// Renderer turns a reminder's type, locale and details into message text.
type Renderer interface {
	RenderMessage(req notification.Request) (delivery.Message, error)
}

// Result is the report for one reminder in a batch.
type Result struct {
	ReminderID uuid.UUID           `json:"reminder_id"`
	Succeeded  bool                `json:"succeeded"`
	Skipped    bool                `json:"skipped,omitempty"`
	Channel    string              `json:"channel,omitempty"`
	Attempts   []*delivery.Attempt `json:"attempts,omitempty"`
	Error      string              `json:"error,omitempty"`
	Status     string              `json:"status,omitempty"`
	NextSendAt *time.Time          `json:"next_send_at,omitempty"`
	HeldUntil  *time.Time          `json:"held_until,omitempty"`
}

// Failed reports whether the item ended in an error rather than a delivery outcome.
func (r *Result) Failed() bool { return r.Error != "" }

// Coordinator runs dispatch cycles one reminder at a time.
type Coordinator struct {
	store       reminder.Store
	locker      lock.Locker
	deliverer   Deliverer
	renderer    Renderer
	holdBackoff time.Duration
	logger      zerolog.Logger
}

// NewCoordinator creates a Coordinator. A nil locker falls back to an
// in-process keyed mutex.
func NewCoordinator(store reminder.Store, locker lock.Locker, deliverer Deliverer, renderer Renderer, logger zerolog.Logger) *Coordinator {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	return &Coordinator{
		store:       store,
		locker:      locker,
		deliverer:   deliverer,
		renderer:    renderer,
		holdBackoff: reminder.DefaultHold,
		logger:      logger,
	}
}

// SetHoldBackoff sets the first wait for a reminder that cannot be prepared
// for dispatch. Consecutive holds double it.
func (c *Coordinator) SetHoldBackoff(d time.Duration) {
	if d > 0 {
		c.holdBackoff = d
	}
}

// RunBatch dispatches each reminder in order and returns one result per
// input. A failing item never stops the batch.
func (c *Coordinator) RunBatch(ctx context.Context, due []*reminder.Reminder, now time.Time) []Result {
	results := make([]Result, 0, len(due))
	for _, r := range due {
		results = append(results, c.dispatchOne(ctx, r.ID, now))
	}
	return results
}

func (c *Coordinator) dispatchOne(ctx context.Context, id uuid.UUID, now time.Time) (res Result) {
	res.ReminderID = id
	log := c.logger.With().Str("reminder_id", id.String()).Logger()

	defer func() {
		if p := recover(); p != nil {
			res.Succeeded = false
			res.Error = fmt.Sprintf("panic: %v", p)
			log.Error().Interface("panic", p).Msg("dispatch panicked")
		}
	}()

	release, err := c.locker.Acquire(ctx, reminder.LockKey(id))
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer release()

	// Reload under the lock: the reminder may have been cancelled, paused,
	// snoozed or already sent since it was selected.
	r, err := c.store.GetByID(ctx, id)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Status = r.Status
	res.NextSendAt = r.NextSendAt
	if !r.IsDue(now) {
		res.Skipped = true
		log.Debug().Str("status", r.Status).Msg("reminder no longer due")
		return res
	}

	occ, err := c.prepare(ctx, r, now)
	if err != nil {
		res.Error = err.Error()
		c.hold(ctx, r, now, err, &res, log)
		return res
	}

	out, err := c.deliverer.Deliver(ctx, occ, r.Channels, now)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Attempts = out.Attempts
	res.Succeeded = out.Succeeded
	res.Channel = out.Channel

	if err := r.Advance(out.Succeeded, now); err != nil {
		res.Error = err.Error()
		return res
	}
	// Attempts already went out; the schedule write must land even if the
	// batch context is gone.
	if err := c.store.Update(context.WithoutCancel(ctx), r); err != nil {
		res.Error = fmt.Sprintf("write back schedule: %v", err)
		log.Error().Err(err).Msg("write back schedule")
		return res
	}
	res.Status = r.Status
	res.NextSendAt = r.NextSendAt

	ev := log.Info()
	if !out.Succeeded {
		ev = log.Warn()
	}
	ev.Bool("succeeded", out.Succeeded).
		Str("channel", out.Channel).
		Int("attempts", len(out.Attempts)).
		Str("status", r.Status).
		Msg("reminder dispatched")
	return res
}

// hold takes a reminder that failed before sending out of the due set so it
// cannot occupy a batch slot on every tick.
func (c *Coordinator) hold(ctx context.Context, r *reminder.Reminder, now time.Time, cause error, res *Result, log zerolog.Logger) {
	until := r.Hold(now, c.holdBackoff, cause)
	if err := c.store.Update(context.WithoutCancel(ctx), r); err != nil {
		res.Error = fmt.Sprintf("%s; hold: %v", res.Error, err)
		log.Error().Err(err).Msg("write back hold")
		return
	}
	res.HeldUntil = &until
	log.Warn().Err(cause).
		Int("hold_count", r.HoldCount).
		Time("held_until", until).
		Msg("reminder not dispatchable, held")
}

// prepare runs every check that can fail without sending anything: channel
// list, schedule, contact and rendering.
func (c *Coordinator) prepare(ctx context.Context, r *reminder.Reminder, now time.Time) (delivery.Occurrence, error) {
	if err := c.deliverer.Validate(r.Channels); err != nil {
		return delivery.Occurrence{}, err
	}
	if _, _, err := r.NextOccurrence(now); err != nil {
		return delivery.Occurrence{}, err
	}
	contact, err := c.store.GetContact(ctx, r.PatientID)
	if err != nil {
		if errors.Is(err, reminder.ErrContactNotFound) {
			return delivery.Occurrence{}, fmt.Errorf("patient %s: %w", r.PatientID, err)
		}
		return delivery.Occurrence{}, err
	}

	locale := r.Language
	if locale == "" {
		locale = contact.Locale
	}
	msg, err := c.renderer.RenderMessage(notification.Request{
		Kind:    r.Type,
		Locale:  locale,
		Title:   r.Title,
		Message: r.Message,
		Details: occurrenceDetails(r, contact),
	})
	if err != nil {
		return delivery.Occurrence{}, err
	}
	return delivery.Occurrence{
		ReminderID: r.ID,
		Purpose:    delivery.PurposeReminder,
		Recipient:  contact.Recipient(),
		Message:    msg,
		Locale:     locale,
	}, nil
}

// occurrenceDetails adds the patient's name and the occurrence's local date
// and time to the reminder's details without overriding explicit values.
func occurrenceDetails(r *reminder.Reminder, contact *reminder.Contact) map[string]string {
	out := make(map[string]string, len(r.Details)+3)
	if contact.Name != "" {
		out["patient_name"] = contact.Name
	}
	if due := r.NextSendAt; due != nil {
		local := due.In(r.Location())
		out["date"] = local.Format("2006-01-02")
		out["time"] = local.Format("15:04")
	}
	for k, v := range r.Details {
		out[k] = v
	}
	return out
}
