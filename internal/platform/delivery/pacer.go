package delivery

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer enforces a minimum gap between successive provider calls. One Pacer
// is shared by every path that sends, so fallback channels and escalation
// alerts draw from the same upstream budget as first-choice sends.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer allows one send per interval. Zero or negative disables pacing.
func NewPacer(interval time.Duration) *Pacer {
	if interval <= 0 {
		return &Pacer{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Pacer{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Wait blocks until the next send may start.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}
