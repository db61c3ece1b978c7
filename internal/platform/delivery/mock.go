package delivery

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Mock Sender (test double)
// ---------------------------------------------------------------------------

// SendCall records a single call to MockSender.Send.
type SendCall struct {
	Channel string
	To      Recipient
	Message Message
}

// MockSender is a test double for Sender. Channels listed in Fail return a
// SendError with the mapped code; every other registered channel succeeds.
type MockSender struct {
	mu       sync.Mutex
	calls    []SendCall
	channels map[string]bool
	Fail     map[string]string
	// Hook, when set, runs before the outcome is decided.
	Hook func(channel string)
}

// NewMockSender creates a MockSender that supports the given channels.
func NewMockSender(channels ...string) *MockSender {
	m := &MockSender{channels: make(map[string]bool), Fail: make(map[string]string)}
	for _, ch := range channels {
		m.channels[NormalizeChannel(ch)] = true
	}
	return m
}

// Supports reports whether channel was passed to NewMockSender.
func (m *MockSender) Supports(channel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[NormalizeChannel(channel)]
}

// SetFailure makes channel fail with code ("" clears it).
func (m *MockSender) SetFailure(channel, code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if code == "" {
		delete(m.Fail, channel)
		return
	}
	m.Fail[channel] = code
}

// Send records the call and succeeds unless the channel is configured to fail.
func (m *MockSender) Send(_ context.Context, channel string, to Recipient, msg Message) (Receipt, error) {
	if m.Hook != nil {
		m.Hook(channel)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, SendCall{Channel: channel, To: to, Message: msg})
	if code, ok := m.Fail[channel]; ok {
		return Receipt{}, &SendError{Channel: channel, Code: code, Err: fmt.Errorf("mock failure")}
	}
	return Receipt{ProviderRef: fmt.Sprintf("mock-%s-%d", channel, len(m.calls))}, nil
}

// Calls returns a copy of recorded calls.
func (m *MockSender) Calls() []SendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SendCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// ---------------------------------------------------------------------------
// Log Sender
// ---------------------------------------------------------------------------

// LogSender writes messages to the log instead of a provider. It is registered
// for channels without credentials when DELIVERY_LOG_ONLY is enabled.
type LogSender struct {
	channel string
	logger  zerolog.Logger
}

// NewLogSender creates a LogSender for channel.
func NewLogSender(channel string, logger zerolog.Logger) *LogSender {
	return &LogSender{channel: channel, logger: logger}
}

// Send logs the message and reports success.
func (s *LogSender) Send(_ context.Context, to Recipient, msg Message) (Receipt, error) {
	s.logger.Info().
		Str("channel", s.channel).
		Str("recipient_id", to.ID.String()).
		Str("title", msg.Title).
		Int("body_len", len(msg.Body)).
		Msg("log-only delivery")
	return Receipt{ProviderRef: "log-" + s.channel, Status: "logged"}, nil
}
