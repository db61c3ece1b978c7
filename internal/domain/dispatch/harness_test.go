package dispatch

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthportal/reminders/internal/domain/reminder"
	"github.com/healthportal/reminders/internal/platform/delivery"
	"github.com/healthportal/reminders/internal/platform/notification"
)

var t0 = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

type harness struct {
	store   *reminder.MemoryStore
	sender  *delivery.MockSender
	orch    *delivery.Orchestrator
	coord   *Coordinator
	monitor *Monitor
	engine  *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, notification.NewTemplateEngine(), delivery.NewPacer(0))
}

func newHarnessWith(t *testing.T, renderer Renderer, pacer *delivery.Pacer) *harness {
	t.Helper()
	logger := zerolog.New(io.Discard)
	store := reminder.NewMemoryStore()
	sender := delivery.NewMockSender("sms", "whatsapp", "email")
	orch := delivery.NewOrchestrator(sender, store, logger)
	orch.SetPacer(pacer)
	coord := NewCoordinator(store, nil, orch, renderer, logger)
	mon := NewMonitor(store, nil, orch, renderer, EscalationConfig{
		DefaultDelay:   2 * time.Hour,
		DefaultChannel: "sms",
		Lookback:       72 * time.Hour,
	}, logger)
	return &harness{
		store:   store,
		sender:  sender,
		orch:    orch,
		coord:   coord,
		monitor: mon,
		engine:  NewEngine(store, coord, mon, 50, logger),
	}
}

// contact registers a reachable user and returns their id.
func (h *harness) contact(t *testing.T, name string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	err := h.store.UpsertContact(context.Background(), &reminder.Contact{
		UserID: id,
		Name:   name,
		Phone:  "+919812345678",
		Email:  name + "@example.com",
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

// seed stores an active reminder due at t0 for a fresh patient. mutate runs
// before the reminder is stored.
func (h *harness) seed(t *testing.T, mutate func(r *reminder.Reminder)) *reminder.Reminder {
	t.Helper()
	hhmm := "08:00"
	next := t0
	r := &reminder.Reminder{
		PatientID:     h.contact(t, "patient"),
		Type:          reminder.TypeOther,
		Priority:      reminder.PriorityMedium,
		Title:         "Drink water",
		Message:       "Two glasses before breakfast",
		Language:      "en",
		ScheduledDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		ScheduledTime: &hhmm,
		Frequency:     reminder.FrequencyDaily,
		Timezone:      "UTC",
		Channels:      []string{"sms"},
		Status:        reminder.StatusActive,
		NextSendAt:    &next,
	}
	if mutate != nil {
		mutate(r)
	}
	if err := h.store.Create(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	return r
}

func (h *harness) reload(t *testing.T, id uuid.UUID) *reminder.Reminder {
	t.Helper()
	r, err := h.store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return r
}
