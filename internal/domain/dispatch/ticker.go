package dispatch

import (
	"context"
	"time"
)

// Tick runs one dispatch pass followed by one escalation sweep at now.
// Errors are logged; the next tick retries.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	if _, err := e.RunDueReminders(ctx, now); err != nil {
		e.logger.Error().Err(err).Msg("run due reminders")
	}
	if _, err := e.CheckEscalations(ctx, now); err != nil {
		e.logger.Error().Err(err).Msg("check escalations")
	}
}

// Start ticks every interval with the wall clock until ctx is cancelled. It
// blocks, so call it in a goroutine.
func (e *Engine) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	e.logger.Info().Dur("interval", interval).Msg("reminder scheduler started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("reminder scheduler stopped")
			return
		case t := <-ticker.C:
			e.Tick(ctx, t.UTC())
		}
	}
}
