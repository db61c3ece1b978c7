// Package delivery attempts reminder messages over ranked channels (SMS,
// WhatsApp, email, push, Telegram) and records one attempt per channel tried.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Built-in channel names. The set is open: any name registered on a Registry
// is deliverable.
const (
	ChannelSMS      = "sms"
	ChannelWhatsApp = "whatsapp"
	ChannelEmail    = "email"
	ChannelPush     = "push"
	ChannelTelegram = "telegram"
)

// Failure codes recorded on attempts that did not come from a provider.
const (
	CodeNoAddress      = "no_address"
	CodeInvalidAddress = "invalid_address"
	CodeCanceled       = "canceled"
	CodeUnknown        = "send_failed"
)

var (
	// ErrNoChannels is returned when a delivery is requested with an empty
	// channel preference list.
	ErrNoChannels = errors.New("channel preference list is empty")
	// ErrUnknownChannel is returned when a channel name has no registered sender.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrNoAddress is returned by senders when the recipient has no address
	// for their channel.
	ErrNoAddress = errors.New("recipient has no address for channel")
	// ErrStatusUnsupported is returned when a channel's provider cannot report
	// message status after the send.
	ErrStatusUnsupported = errors.New("channel does not report message status")
	// ErrNoProviderRef is returned when a status lookup has no provider reference.
	ErrNoProviderRef = errors.New("attempt has no provider reference")
)

// Recipient carries every address a user can be reached on. Senders pick the
// one that matches their channel.
type Recipient struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name,omitempty"`
	Phone          string    `json:"phone,omitempty"`
	Email          string    `json:"email,omitempty"`
	PushKey        string    `json:"push_key,omitempty"`
	TelegramChatID string    `json:"telegram_chat_id,omitempty"`
}

// Message is a rendered reminder. The body is opaque to delivery.
type Message struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Receipt is what a provider hands back on success.
type Receipt struct {
	ProviderRef string `json:"provider_ref"`
	Status      string `json:"status,omitempty"`
}

// SendError is a provider failure with a machine-readable code.
type SendError struct {
	Channel string
	Code    string
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s send failed (%s): %v", e.Channel, e.Code, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// FailureCode extracts the provider code from err, falling back to a generic code.
func FailureCode(err error) string {
	var se *SendError
	if errors.As(err, &se) && se.Code != "" {
		return se.Code
	}
	if errors.Is(err, ErrNoAddress) {
		return CodeNoAddress
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCanceled
	}
	return CodeUnknown
}

// ChannelSender delivers over exactly one channel.
type ChannelSender interface {
	Send(ctx context.Context, to Recipient, msg Message) (Receipt, error)
}

// ChannelSenderFunc adapts a function to ChannelSender.
type ChannelSenderFunc func(ctx context.Context, to Recipient, msg Message) (Receipt, error)

func (f ChannelSenderFunc) Send(ctx context.Context, to Recipient, msg Message) (Receipt, error) {
	return f(ctx, to, msg)
}

// Sender is the capability the orchestrator consumes: send over a named channel.
type Sender interface {
	Send(ctx context.Context, channel string, to Recipient, msg Message) (Receipt, error)
	Supports(channel string) bool
}

// Registry routes sends to the ChannelSender registered for each channel name.
type Registry struct {
	mu      sync.RWMutex
	senders map[string]ChannelSender
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{senders: make(map[string]ChannelSender)}
}

// Register adds or replaces the sender for a channel.
func (r *Registry) Register(channel string, s ChannelSender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[NormalizeChannel(channel)] = s
}

// Supports reports whether a sender is registered for channel.
func (r *Registry) Supports(channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.senders[NormalizeChannel(channel)]
	return ok
}

// Channels returns the registered channel names in sorted order.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.senders))
	for name := range r.senders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Send dispatches to the channel's sender.
func (r *Registry) Send(ctx context.Context, channel string, to Recipient, msg Message) (Receipt, error) {
	r.mu.RLock()
	s, ok := r.senders[NormalizeChannel(channel)]
	r.mu.RUnlock()
	if !ok {
		return Receipt{}, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	return s.Send(ctx, to, msg)
}

// StatusChecker is implemented by channel senders whose provider can report
// what happened to a message after it was accepted.
type StatusChecker interface {
	MessageStatus(ctx context.Context, providerRef string) (string, error)
}

// MessageStatus asks the channel's sender for the provider status of a sent
// message.
func (r *Registry) MessageStatus(ctx context.Context, channel, providerRef string) (string, error) {
	r.mu.RLock()
	s, ok := r.senders[NormalizeChannel(channel)]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	sc, ok := s.(StatusChecker)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrStatusUnsupported, channel)
	}
	if providerRef == "" {
		return "", ErrNoProviderRef
	}
	return sc.MessageStatus(ctx, providerRef)
}

// NormalizeChannel lower-cases and trims a channel name.
func NormalizeChannel(channel string) string {
	return strings.ToLower(strings.TrimSpace(channel))
}

// Purpose distinguishes patient reminders from doctor escalations in the
// attempt log.
type Purpose string

const (
	PurposeReminder   Purpose = "reminder"
	PurposeEscalation Purpose = "escalation"
)

// Attempt is an immutable record of one channel try.
type Attempt struct {
	ID          uuid.UUID `json:"id"`
	ReminderID  uuid.UUID `json:"reminder_id"`
	Purpose     Purpose   `json:"purpose"`
	Channel     string    `json:"channel"`
	RecipientID uuid.UUID `json:"recipient_id"`
	AttemptedAt time.Time `json:"attempted_at"`
	Succeeded   bool      `json:"succeeded"`
	ProviderRef string    `json:"provider_ref,omitempty"`
	FailureCode string    `json:"failure_code,omitempty"`
	Error       string    `json:"error,omitempty"`
}
