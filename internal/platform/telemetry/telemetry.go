// Package telemetry keeps in-process metrics for the HTTP API and the
// dispatch engine and serves them in the Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram is a thread-safe histogram with fixed bucket boundaries. Bucket
// counts are non-cumulative in storage; cumulative counts are computed at
// export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits, for atomic add
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

// Observe records a single value.
func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
	// Above every boundary: only the +Inf bucket, which is the total count.
}

// Count returns the total number of observations.
func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

// Sum returns the total of all observations.
func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(next)) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Labeled stores
// ---------------------------------------------------------------------------

// labelsKey joins label values; the separator never appears in a channel,
// route or status.
func labelsKey(values ...string) string {
	return strings.Join(values, "|")
}

type histogramStore struct {
	mu    sync.RWMutex
	items map[string]*histogram
}

func (s *histogramStore) getOrCreate(key string, boundaries []float64) *histogram {
	s.mu.RLock()
	h, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return h
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok = s.items[key]; !ok {
		h = newHistogram(boundaries)
		s.items[key] = h
	}
	return h
}

func (s *histogramStore) snapshot() map[string]*histogram {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]*histogram, len(s.items))
	for k, v := range s.items {
		cp[k] = v
	}
	return cp
}

type counterStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func (s *counterStore) add(key string, n int64) {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if p, ok = s.items[key]; !ok {
			p = new(int64)
			s.items[key] = p
		}
		s.mu.Unlock()
	}
	atomic.AddInt64(p, n)
}

func (s *counterStore) get(key string) int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (s *counterStore) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// durationBuckets are HTTP request duration boundaries in seconds.
var durationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// Counter names.
const (
	metricReminders   = "reminders_dispatched_total"
	metricAttempts    = "delivery_attempts_total"
	metricEscalations = "escalations_total"
	metricPasses      = "dispatch_passes_total"
)

// Metrics holds every series the server exports.
type Metrics struct {
	requests       histogramStore
	counters       map[string]*counterStore
	activeRequests int64
	lastPass       int64 // unix seconds of the latest dispatch pass
}

// NewMetrics creates an empty Metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		requests: histogramStore{items: make(map[string]*histogram)},
		counters: make(map[string]*counterStore),
	}
	for _, name := range []string{metricReminders, metricAttempts, metricEscalations, metricPasses} {
		m.counters[name] = &counterStore{items: make(map[string]*int64)}
	}
	return m
}

// RecordReminder counts one reminder processed by a dispatch pass. result is
// one of sent, failed, skipped or error.
func (m *Metrics) RecordReminder(result string) {
	m.counters[metricReminders].add(labelsKey(result), 1)
}

// RecordAttempt counts one channel attempt.
func (m *Metrics) RecordAttempt(purpose, channel string, succeeded bool) {
	status := "failed"
	if succeeded {
		status = "succeeded"
	}
	m.counters[metricAttempts].add(labelsKey(purpose, channel, status), 1)
}

// RecordEscalation counts one escalation action. result is one of
// escalated, skipped or failed.
func (m *Metrics) RecordEscalation(result string) {
	m.counters[metricEscalations].add(labelsKey(result), 1)
}

// RecordPass counts one engine pass of kind run or escalations.
func (m *Metrics) RecordPass(kind string, at time.Time) {
	m.counters[metricPasses].add(labelsKey(kind), 1)
	atomic.StoreInt64(&m.lastPass, at.Unix())
}

// Counter returns the current value of a counter series, for tests.
func (m *Metrics) Counter(name string, labels ...string) int64 {
	s, ok := m.counters[name]
	if !ok {
		return 0
	}
	return s.get(labelsKey(labels...))
}

// Middleware records request duration by method, route and status.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&m.activeRequests, 1)
			start := time.Now()

			err := next(c)

			atomic.AddInt64(&m.activeRequests, -1)
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			key := labelsKey(c.Request().Method, route, fmt.Sprintf("%d", status))
			m.requests.getOrCreate(key, durationBuckets).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

var counterHelp = map[string]string{
	metricReminders:   "Reminders processed by dispatch passes, by result.",
	metricAttempts:    "Channel delivery attempts, by purpose, channel and status.",
	metricEscalations: "Escalation actions, by result.",
	metricPasses:      "Engine passes, by kind.",
}

var counterLabels = map[string][]string{
	metricReminders:   {"result"},
	metricAttempts:    {"purpose", "channel", "status"},
	metricEscalations: {"result"},
	metricPasses:      {"kind"},
}

// Handler serves all series in Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		const reqName = "http_server_request_duration_seconds"
		b.WriteString("# HELP " + reqName + " Duration of HTTP requests in seconds.\n")
		b.WriteString("# TYPE " + reqName + " histogram\n")
		snap := m.requests.snapshot()
		for _, key := range sortedKeys(snap) {
			parts := strings.SplitN(key, "|", 3)
			if len(parts) != 3 {
				continue
			}
			labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
			writeHistogram(&b, reqName, labels, snap[key])
		}
		b.WriteByte('\n')

		b.WriteString("# HELP http_server_active_requests Number of in-flight HTTP requests.\n")
		b.WriteString("# TYPE http_server_active_requests gauge\n")
		fmt.Fprintf(&b, "http_server_active_requests %d\n\n", atomic.LoadInt64(&m.activeRequests))

		for _, name := range []string{metricPasses, metricReminders, metricAttempts, metricEscalations} {
			fmt.Fprintf(&b, "# HELP %s %s\n", name, counterHelp[name])
			fmt.Fprintf(&b, "# TYPE %s counter\n", name)
			values := m.counters[name].snapshot()
			for _, key := range sortedKeys(values) {
				fmt.Fprintf(&b, "%s{%s} %d\n", name, formatLabels(counterLabels[name], key), values[key])
			}
			b.WriteByte('\n')
		}

		b.WriteString("# HELP dispatch_last_pass_timestamp_seconds Time of the latest engine pass.\n")
		b.WriteString("# TYPE dispatch_last_pass_timestamp_seconds gauge\n")
		fmt.Fprintf(&b, "dispatch_last_pass_timestamp_seconds %d\n", atomic.LoadInt64(&m.lastPass))

		return c.String(http.StatusOK, b.String())
	}
}

func formatLabels(names []string, key string) string {
	values := strings.Split(key, "|")
	pairs := make([]string, 0, len(names))
	for i, n := range names {
		v := ""
		if i < len(values) {
			v = values[i]
		}
		pairs = append(pairs, fmt.Sprintf("%s=%q", n, v))
	}
	return strings.Join(pairs, ",")
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, total)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
