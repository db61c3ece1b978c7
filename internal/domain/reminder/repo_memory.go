package reminder

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/healthportal/reminders/internal/platform/delivery"
)

// MemoryStore is an in-process Store. Reads and writes copy reminders so
// callers never share state with the store, matching the database stores.
type MemoryStore struct {
	mu        sync.RWMutex
	reminders map[uuid.UUID]*Reminder
	attempts  map[uuid.UUID][]*delivery.Attempt
	contacts  map[uuid.UUID]*Contact
	now       func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reminders: make(map[uuid.UUID]*Reminder),
		attempts:  make(map[uuid.UUID][]*delivery.Attempt),
		contacts:  make(map[uuid.UUID]*Contact),
		now:       time.Now,
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneReminder(r *Reminder) *Reminder {
	c := *r
	c.Channels = append([]string(nil), r.Channels...)
	if r.Details != nil {
		c.Details = make(map[string]string, len(r.Details))
		for k, v := range r.Details {
			c.Details[k] = v
		}
	}
	if r.Pattern != nil {
		p := *r.Pattern
		p.Weekdays = append([]string(nil), r.Pattern.Weekdays...)
		p.Dates = append([]time.Time(nil), r.Pattern.Dates...)
		c.Pattern = &p
	}
	if r.Escalation != nil {
		e := *r.Escalation
		c.Escalation = &e
	}
	c.EndDate = cloneTime(r.EndDate)
	c.LastSentAt = cloneTime(r.LastSentAt)
	c.NextSendAt = cloneTime(r.NextSendAt)
	c.RespondedAt = cloneTime(r.RespondedAt)
	c.SnoozeUntil = cloneTime(r.SnoozeUntil)
	c.EscalatedAt = cloneTime(r.EscalatedAt)
	c.EscalationHoldUntil = cloneTime(r.EscalationHoldUntil)
	c.HoldUntil = cloneTime(r.HoldUntil)
	if r.LastError != nil {
		msg := *r.LastError
		c.LastError = &msg
	}
	return &c
}

func (m *MemoryStore) Create(_ context.Context, r *Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := m.now()
	r.CreatedAt, r.UpdatedAt, r.Version = now, now, 1
	m.reminders[r.ID] = cloneReminder(r)
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*Reminder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reminders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneReminder(r), nil
}

func (m *MemoryStore) Update(_ context.Context, r *Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.reminders[r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != r.Version {
		return ErrConflict
	}
	r.Version++
	r.UpdatedAt = m.now()
	r.CreatedAt = cur.CreatedAt
	m.reminders[r.ID] = cloneReminder(r)
	return nil
}

func (m *MemoryStore) sorted(keep func(*Reminder) bool, less func(a, b *Reminder) bool) []*Reminder {
	var out []*Reminder
	for _, r := range m.reminders {
		if keep(r) {
			out = append(out, cloneReminder(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if less(out[i], out[j]) {
			return true
		}
		if less(out[j], out[i]) {
			return false
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (m *MemoryStore) List(_ context.Context, f ListFilter, limit, offset int) ([]*Reminder, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := m.sorted(func(r *Reminder) bool {
		if f.PatientID != nil && r.PatientID != *f.PatientID {
			return false
		}
		if f.DoctorID != nil && (r.DoctorID == nil || *r.DoctorID != *f.DoctorID) {
			return false
		}
		return f.Status == "" || r.Status == f.Status
	}, func(a, b *Reminder) bool { return a.CreatedAt.After(b.CreatedAt) })
	return page(items, limit, offset), len(items), nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*Reminder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := m.sorted(func(r *Reminder) bool { return r.IsDue(now) },
		func(a, b *Reminder) bool { return a.NextSendAt.Before(*b.NextSendAt) })
	return page(items, limit, 0), nil
}

func (m *MemoryStore) ListEscalationCandidates(_ context.Context, now, sentAfter time.Time, limit int) ([]*Reminder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := m.sorted(func(r *Reminder) bool {
		return r.AwaitingEscalation() && r.LastSentAt.After(sentAfter) && !r.EscalationHeld(now)
	}, func(a, b *Reminder) bool { return a.LastSentAt.Before(*b.LastSentAt) })
	return page(items, limit, 0), nil
}

func (m *MemoryStore) AppendAttempt(_ context.Context, a *delivery.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	cp := *a
	m.attempts[a.ReminderID] = append(m.attempts[a.ReminderID], &cp)
	return nil
}

func (m *MemoryStore) ListAttempts(_ context.Context, reminderID uuid.UUID, limit, offset int) ([]*delivery.Attempt, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.attempts[reminderID]
	out := make([]*delivery.Attempt, 0, len(all))
	for _, a := range all {
		cp := *a
		out = append(out, &cp)
	}
	return page(out, limit, offset), len(all), nil
}

func (m *MemoryStore) UpsertContact(_ context.Context, c *Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.UpdatedAt = m.now()
	cp := *c
	m.contacts[c.UserID] = &cp
	return nil
}

func (m *MemoryStore) GetContact(_ context.Context, userID uuid.UUID) (*Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contacts[userID]
	if !ok {
		return nil, ErrContactNotFound
	}
	cp := *c
	return &cp, nil
}
