package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthportal/reminders/internal/domain/reminder"
	"github.com/healthportal/reminders/internal/platform/delivery"
	"github.com/healthportal/reminders/internal/platform/lock"
	"github.com/healthportal/reminders/internal/platform/notification"
)

// EscalationConfig holds the fallbacks for reminders whose rule leaves a
// field unset.
type EscalationConfig struct {
	DefaultDelay   time.Duration
	DefaultChannel string
	// Lookback bounds how far back a send may be and still be escalated.
	Lookback  time.Duration
	BatchSize int
	// RetryAfter keeps a reminder whose escalation could not be sent out of
	// the candidate set for that long.
	RetryAfter time.Duration
}

// DefaultEscalationConfig mirrors the service defaults.
func DefaultEscalationConfig() EscalationConfig {
	return EscalationConfig{
		DefaultDelay:   2 * time.Hour,
		DefaultChannel: delivery.ChannelSMS,
		Lookback:       72 * time.Hour,
		BatchSize:      100,
		RetryAfter:     15 * time.Minute,
	}
}

// EscalationAction reports one escalation that came due in a sweep.
type EscalationAction struct {
	ReminderID uuid.UUID           `json:"reminder_id"`
	TargetID   *uuid.UUID          `json:"target_id,omitempty"`
	Channel    string              `json:"channel,omitempty"`
	Escalated  bool                `json:"escalated"`
	Skipped    bool                `json:"skipped,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	Attempts   []*delivery.Attempt `json:"attempts,omitempty"`
	Error      string              `json:"error,omitempty"`
	RetryAt    *time.Time          `json:"retry_at,omitempty"`
}

// Monitor raises doctor alerts for urgent reminders the patient has not
// answered within the escalation delay.
type Monitor struct {
	store     reminder.Store
	locker    lock.Locker
	deliverer Deliverer
	renderer  Renderer
	cfg       EscalationConfig
	logger    zerolog.Logger
}

func NewMonitor(store reminder.Store, locker lock.Locker, deliverer Deliverer, renderer Renderer, cfg EscalationConfig, logger zerolog.Logger) *Monitor {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	def := DefaultEscalationConfig()
	if cfg.DefaultDelay <= 0 {
		cfg.DefaultDelay = def.DefaultDelay
	}
	if cfg.DefaultChannel == "" {
		cfg.DefaultChannel = def.DefaultChannel
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = def.RetryAfter
	}
	return &Monitor{
		store:     store,
		locker:    locker,
		deliverer: deliverer,
		renderer:  renderer,
		cfg:       cfg,
		logger:    logger,
	}
}

// plan resolves a reminder's effective escalation settings.
func (m *Monitor) plan(r *reminder.Reminder) (delay time.Duration, target *uuid.UUID, channel string) {
	delay, target, channel = m.cfg.DefaultDelay, r.DoctorID, m.cfg.DefaultChannel
	if rule := r.Escalation; rule != nil {
		if rule.DelayMinutes > 0 {
			delay = rule.Delay()
		}
		if rule.TargetID != nil {
			target = rule.TargetID
		}
		if rule.Channel != "" {
			channel = delivery.NormalizeChannel(rule.Channel)
		}
	}
	return delay, target, channel
}

// CheckEscalations sweeps reminders awaiting a response and escalates those
// whose delay has passed at now. Reminders still inside their window produce
// no action. An escalation that cannot be sent is held for RetryAfter so it
// does not crowd out the rest of the batch. Only the candidate query can fail
// the sweep as a whole.
func (m *Monitor) CheckEscalations(ctx context.Context, now time.Time) ([]EscalationAction, error) {
	candidates, err := m.store.ListEscalationCandidates(ctx, now, now.Add(-m.cfg.Lookback), m.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list escalation candidates: %w", err)
	}

	var actions []EscalationAction
	for _, cand := range candidates {
		if !m.elapsed(cand, now) {
			continue
		}
		if act, ok := m.escalateOne(ctx, cand.ID, now); ok {
			actions = append(actions, act)
		}
	}
	return actions, nil
}

func (m *Monitor) elapsed(r *reminder.Reminder, now time.Time) bool {
	if r.LastSentAt == nil {
		return false
	}
	delay, _, _ := m.plan(r)
	return now.Sub(*r.LastSentAt) >= delay
}

// escalateOne returns ok=false when the reminder stopped qualifying between
// selection and locking.
func (m *Monitor) escalateOne(ctx context.Context, id uuid.UUID, now time.Time) (act EscalationAction, ok bool) {
	act.ReminderID = id
	log := m.logger.With().Str("reminder_id", id.String()).Logger()

	defer func() {
		if p := recover(); p != nil {
			act.Escalated = false
			act.Error = fmt.Sprintf("panic: %v", p)
			ok = true
			log.Error().Interface("panic", p).Msg("escalation panicked")
		}
	}()

	release, err := m.locker.Acquire(ctx, reminder.LockKey(id))
	if err != nil {
		act.Error = err.Error()
		return act, true
	}
	defer release()

	r, err := m.store.GetByID(ctx, id)
	if err != nil {
		act.Error = err.Error()
		return act, true
	}
	if !r.AwaitingEscalation() || r.EscalationHeld(now) || !m.elapsed(r, now) {
		return act, false
	}

	delay, target, channel := m.plan(r)
	act.TargetID = target
	act.Channel = channel
	if target == nil {
		act.Skipped = true
		act.Reason = "no escalation target"
		log.Warn().Msg("urgent reminder unanswered but has no escalation target")
		m.hold(ctx, r, now, &act, log)
		return act, true
	}

	occ, err := m.prepare(ctx, r, *target, channel, delay, now)
	if err != nil {
		act.Error = err.Error()
		log.Warn().Err(err).Msg("escalation not deliverable")
		m.hold(ctx, r, now, &act, log)
		return act, true
	}
	out, err := m.deliverer.Deliver(ctx, occ, []string{channel}, now)
	if err != nil {
		act.Error = err.Error()
		return act, true
	}
	act.Attempts = out.Attempts
	if !out.Succeeded {
		act.Reason = "escalation delivery failed"
		log.Warn().Str("channel", channel).Msg("escalation delivery failed")
		m.hold(ctx, r, now, &act, log)
		return act, true
	}

	r.EscalatedAt = &now
	r.EscalationHoldUntil = nil
	if err := m.store.Update(context.WithoutCancel(ctx), r); err != nil {
		act.Error = fmt.Sprintf("mark escalated: %v", err)
		log.Error().Err(err).Msg("mark escalated")
		return act, true
	}
	act.Escalated = true
	log.Info().
		Str("target_id", target.String()).
		Str("channel", channel).
		Dur("waited", now.Sub(*r.LastSentAt)).
		Msg("reminder escalated")
	return act, true
}

// hold parks a failed escalation until RetryAfter has passed.
func (m *Monitor) hold(ctx context.Context, r *reminder.Reminder, now time.Time, act *EscalationAction, log zerolog.Logger) {
	until := now.Add(m.cfg.RetryAfter)
	r.EscalationHoldUntil = &until
	if err := m.store.Update(context.WithoutCancel(ctx), r); err != nil {
		log.Error().Err(err).Msg("write back escalation hold")
		if act.Error == "" {
			act.Error = fmt.Sprintf("hold escalation: %v", err)
		}
		return
	}
	act.RetryAt = &until
}

func (m *Monitor) prepare(ctx context.Context, r *reminder.Reminder, target uuid.UUID, channel string, delay time.Duration, now time.Time) (delivery.Occurrence, error) {
	if err := m.deliverer.Validate([]string{channel}); err != nil {
		return delivery.Occurrence{}, err
	}
	doctor, err := m.store.GetContact(ctx, target)
	if err != nil {
		return delivery.Occurrence{}, fmt.Errorf("escalation target %s: %w", target, err)
	}

	details := map[string]string{
		"priority": r.Priority,
		"sent_at":  r.LastSentAt.In(r.Location()).Format("2006-01-02 15:04 MST"),
		"waited":   now.Sub(*r.LastSentAt).Truncate(time.Minute).String(),
		"delay":    delay.String(),
	}
	// The patient's contact only enriches the alert.
	if patient, err := m.store.GetContact(ctx, r.PatientID); err == nil {
		details["patient_name"] = patient.Name
		details["patient_phone"] = patient.Phone
	}

	msg, err := m.renderer.RenderMessage(notification.Request{
		Kind:    notification.KindEscalation,
		Locale:  doctor.Locale,
		Title:   r.Title,
		Message: r.Message,
		Details: details,
	})
	if err != nil {
		return delivery.Occurrence{}, err
	}
	return delivery.Occurrence{
		ReminderID: r.ID,
		Purpose:    delivery.PurposeEscalation,
		Recipient:  doctor.Recipient(),
		Message:    msg,
		Locale:     doctor.Locale,
	}, nil
}
