package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AttemptRecorder persists attempts as they happen.
type AttemptRecorder interface {
	AppendAttempt(ctx context.Context, a *Attempt) error
}

// Occurrence is one firing of a reminder, ready to send.
type Occurrence struct {
	ReminderID uuid.UUID
	Purpose    Purpose
	Recipient  Recipient
	Message    Message
	Locale     string
}

// Outcome is the result of walking a channel list.
type Outcome struct {
	Succeeded bool       `json:"succeeded"`
	Channel   string     `json:"channel,omitempty"`
	Attempts  []*Attempt `json:"attempts"`
}

// Orchestrator tries channels in preference order until one succeeds.
type Orchestrator struct {
	sender   Sender
	recorder AttemptRecorder
	pacer    *Pacer
	logger   zerolog.Logger
}

// NewOrchestrator creates an Orchestrator. recorder may be nil.
func NewOrchestrator(sender Sender, recorder AttemptRecorder, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{sender: sender, recorder: recorder, logger: logger}
}

// SetPacer makes every provider call, fallbacks included, wait on p first.
func (o *Orchestrator) SetPacer(p *Pacer) { o.pacer = p }

// Validate checks a channel list without sending anything.
func (o *Orchestrator) Validate(channels []string) error {
	if len(channels) == 0 {
		return ErrNoChannels
	}
	for _, ch := range channels {
		if !o.sender.Supports(ch) {
			return fmt.Errorf("%w: %q", ErrUnknownChannel, ch)
		}
	}
	return nil
}

// Deliver sends occ over channels in order, stopping at the first success.
// Exhausting the list is reported through Outcome, not as an error. A
// malformed channel list, or a pacing wait that fails before the first send,
// returns an error with nothing sent.
func (o *Orchestrator) Deliver(ctx context.Context, occ Occurrence, channels []string, now time.Time) (*Outcome, error) {
	if err := o.Validate(channels); err != nil {
		return nil, err
	}
	if occ.Purpose == "" {
		occ.Purpose = PurposeReminder
	}

	out := &Outcome{Attempts: make([]*Attempt, 0, len(channels))}
	for _, ch := range channels {
		ch = NormalizeChannel(ch)
		a := &Attempt{
			ID:          uuid.New(),
			ReminderID:  occ.ReminderID,
			Purpose:     occ.Purpose,
			Channel:     ch,
			RecipientID: occ.Recipient.ID,
			AttemptedAt: now,
		}

		var (
			receipt Receipt
			err     error
		)
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		} else if waitErr := o.pacer.Wait(ctx); waitErr != nil {
			if len(out.Attempts) == 0 {
				return nil, fmt.Errorf("pace delivery: %w", waitErr)
			}
			err = waitErr
		} else {
			receipt, err = o.sender.Send(ctx, ch, occ.Recipient, occ.Message)
		}
		if err != nil {
			a.FailureCode = FailureCode(err)
			a.Error = err.Error()
		} else {
			a.Succeeded = true
			a.ProviderRef = receipt.ProviderRef
		}

		out.Attempts = append(out.Attempts, a)
		o.record(ctx, a)

		if a.Succeeded {
			out.Succeeded = true
			out.Channel = ch
			return out, nil
		}
		o.logger.Warn().
			Str("reminder_id", occ.ReminderID.String()).
			Str("channel", ch).
			Str("code", a.FailureCode).
			Msg("channel attempt failed")
	}
	return out, nil
}

func (o *Orchestrator) record(ctx context.Context, a *Attempt) {
	if o.recorder == nil {
		return
	}
	// The attempt log must survive a canceled batch context.
	if err := o.recorder.AppendAttempt(context.WithoutCancel(ctx), a); err != nil {
		o.logger.Error().Err(err).
			Str("reminder_id", a.ReminderID.String()).
			Str("attempt_id", a.ID.String()).
			Msg("record delivery attempt")
	}
}
