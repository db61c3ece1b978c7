package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/healthportal/reminders/internal/domain/reminder"
)

// Summary aggregates one RunDueReminders pass.
type Summary struct {
	RanAt     time.Time `json:"ran_at"`
	Processed int       `json:"processed"`
	Sent      int       `json:"sent"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Errors    int       `json:"errors"`
	Held      int       `json:"held"`
	Results   []Result  `json:"results"`
}

func summarize(now time.Time, results []Result) *Summary {
	s := &Summary{RanAt: now, Processed: len(results), Results: results}
	for i := range results {
		switch r := &results[i]; {
		case r.Failed():
			s.Errors++
			if r.HeldUntil != nil {
				s.Held++
			}
		case r.Skipped:
			s.Skipped++
		case r.Succeeded:
			s.Sent++
		default:
			s.Failed++
		}
	}
	return s
}

// EscalationSummary aggregates one CheckEscalations pass.
type EscalationSummary struct {
	RanAt     time.Time          `json:"ran_at"`
	Escalated int                `json:"escalated"`
	Actions   []EscalationAction `json:"actions"`
}

// Observer is told about every completed pass, e.g. to export metrics.
type Observer interface {
	RunCompleted(s *Summary)
	EscalationsCompleted(s *EscalationSummary)
}

// Engine is the trigger surface: callers supply now, the engine selects work.
type Engine struct {
	store       reminder.Store
	coordinator *Coordinator
	monitor     *Monitor
	batchSize   int
	observer    Observer
	logger      zerolog.Logger
}

func NewEngine(store reminder.Store, coordinator *Coordinator, monitor *Monitor, batchSize int, logger zerolog.Logger) *Engine {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Engine{
		store:       store,
		coordinator: coordinator,
		monitor:     monitor,
		batchSize:   batchSize,
		logger:      logger,
	}
}

// SetObserver registers o to receive pass summaries.
func (e *Engine) SetObserver(o Observer) { e.observer = o }

// RunDueReminders dispatches up to one batch of reminders due at now.
func (e *Engine) RunDueReminders(ctx context.Context, now time.Time) (*Summary, error) {
	due, err := e.store.ListDue(ctx, now, e.batchSize)
	if err != nil {
		return nil, fmt.Errorf("list due reminders: %w", err)
	}
	s := summarize(now, e.coordinator.RunBatch(ctx, due, now))
	if e.observer != nil {
		e.observer.RunCompleted(s)
	}
	if s.Processed > 0 {
		e.logger.Info().
			Int("processed", s.Processed).
			Int("sent", s.Sent).
			Int("failed", s.Failed).
			Int("skipped", s.Skipped).
			Int("errors", s.Errors).
			Int("held", s.Held).
			Msg("due reminders dispatched")
	}
	return s, nil
}

// CheckEscalations runs one escalation sweep at now.
func (e *Engine) CheckEscalations(ctx context.Context, now time.Time) (*EscalationSummary, error) {
	actions, err := e.monitor.CheckEscalations(ctx, now)
	if err != nil {
		return nil, err
	}
	s := &EscalationSummary{RanAt: now, Actions: actions}
	for _, a := range actions {
		if a.Escalated {
			s.Escalated++
		}
	}
	if e.observer != nil {
		e.observer.EscalationsCompleted(s)
	}
	if len(actions) > 0 {
		e.logger.Info().
			Int("actions", len(actions)).
			Int("escalated", s.Escalated).
			Msg("escalation sweep finished")
	}
	return s, nil
}
