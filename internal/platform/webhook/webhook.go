// Package webhook delivers rendered reminders to an integration endpoint as
// signed JSON events, for clinics that relay messages through their own
// gateway.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/healthportal/reminders/internal/platform/delivery"
)

// Channel is the name the sender is registered under.
const Channel = "webhook"

// EventType is the type of every event this sender emits.
const EventType = "reminder.message"

// Event is the JSON body POSTed to the endpoint.
type Event struct {
	ID        string             `json:"id"`
	Type      string             `json:"type"`
	Recipient delivery.Recipient `json:"recipient"`
	Message   delivery.Message   `json:"message"`
	Timestamp time.Time          `json:"timestamp"`
}

// SignPayload computes the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the HMAC-SHA256 of payload
// under secret. A "sha256=" prefix is accepted.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// ValidateURL checks that rawURL is an absolute http or https URL.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url has no host")
	}
	return nil
}

// Sender implements delivery.ChannelSender for one endpoint.
type Sender struct {
	url    string
	secret string
	client *http.Client
	now    func() time.Time
}

// NewSender creates a Sender. An empty secret sends unsigned events.
func NewSender(endpoint, secret string, timeout time.Duration) (*Sender, error) {
	if err := ValidateURL(endpoint); err != nil {
		return nil, err
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Sender{
		url:    endpoint,
		secret: secret,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}, nil
}

// Send POSTs the message as an Event. Any 2xx response is a success and the
// event id is the provider reference.
func (s *Sender) Send(ctx context.Context, to delivery.Recipient, msg delivery.Message) (delivery.Receipt, error) {
	if to.ID == uuid.Nil {
		return delivery.Receipt{}, &delivery.SendError{Channel: Channel, Code: delivery.CodeNoAddress, Err: delivery.ErrNoAddress}
	}

	now := s.now().UTC()
	event := Event{
		ID:        uuid.NewString(),
		Type:      EventType,
		Recipient: to,
		Message:   msg,
		Timestamp: now,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return delivery.Receipt{}, fmt.Errorf("marshal webhook event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return delivery.Receipt{}, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-ID", event.ID)
	req.Header.Set("X-Webhook-Timestamp", now.Format(time.RFC3339))
	if s.secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return delivery.Receipt{}, &delivery.SendError{Channel: Channel, Code: "transport", Err: err}
	}
	defer resp.Body.Close()

	// At most 1KB of the response is kept for the error message.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return delivery.Receipt{}, &delivery.SendError{
			Channel: Channel,
			Code:    strconv.Itoa(resp.StatusCode),
			Err:     fmt.Errorf("non-2xx response: %d %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}
	return delivery.Receipt{ProviderRef: event.ID, Status: "accepted"}, nil
}
