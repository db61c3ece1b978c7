package reminder

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/healthportal/reminders/internal/platform/delivery"
)

type ReminderRepository interface {
	Create(ctx context.Context, r *Reminder) error
	GetByID(ctx context.Context, id uuid.UUID) (*Reminder, error)
	// Update writes r if its Version still matches the stored row, then
	// increments r.Version. A stale version returns ErrConflict.
	Update(ctx context.Context, r *Reminder) error
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Reminder, int, error)
	// ListDue returns active reminders whose effective due time is at or
	// before now, oldest first. Held reminders are not due.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Reminder, error)
	// ListEscalationCandidates returns reminders awaiting escalation whose
	// last send is after sentAfter and whose escalation is not held past now.
	ListEscalationCandidates(ctx context.Context, now, sentAfter time.Time, limit int) ([]*Reminder, error)
}

type AttemptRepository interface {
	AppendAttempt(ctx context.Context, a *delivery.Attempt) error
	ListAttempts(ctx context.Context, reminderID uuid.UUID, limit, offset int) ([]*delivery.Attempt, int, error)
}

type ContactRepository interface {
	UpsertContact(ctx context.Context, c *Contact) error
	GetContact(ctx context.Context, userID uuid.UUID) (*Contact, error)
}

// Store is the full persistence boundary of the reminder engine.
type Store interface {
	ReminderRepository
	AttemptRepository
	ContactRepository
}
