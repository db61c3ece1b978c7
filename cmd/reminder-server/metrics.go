package main

import (
	"github.com/healthportal/reminders/internal/domain/dispatch"
	"github.com/healthportal/reminders/internal/platform/delivery"
	"github.com/healthportal/reminders/internal/platform/telemetry"
)

// dispatchMetrics feeds engine pass summaries into the exported counters.
type dispatchMetrics struct {
	m *telemetry.Metrics
}

func (d dispatchMetrics) RunCompleted(s *dispatch.Summary) {
	d.m.RecordPass("run", s.RanAt)
	for i := range s.Results {
		r := &s.Results[i]
		switch {
		case r.Failed():
			d.m.RecordReminder("error")
		case r.Skipped:
			d.m.RecordReminder("skipped")
		case r.Succeeded:
			d.m.RecordReminder("sent")
		default:
			d.m.RecordReminder("failed")
		}
		d.recordAttempts(r.Attempts)
	}
}

func (d dispatchMetrics) EscalationsCompleted(s *dispatch.EscalationSummary) {
	d.m.RecordPass("escalations", s.RanAt)
	for _, a := range s.Actions {
		switch {
		case a.Escalated:
			d.m.RecordEscalation("escalated")
		case a.Skipped:
			d.m.RecordEscalation("skipped")
		default:
			d.m.RecordEscalation("failed")
		}
		d.recordAttempts(a.Attempts)
	}
}

func (d dispatchMetrics) recordAttempts(attempts []*delivery.Attempt) {
	for _, at := range attempts {
		d.m.RecordAttempt(string(at.Purpose), at.Channel, at.Succeeded)
	}
}
