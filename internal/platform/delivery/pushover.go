package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultPushoverURL = "https://api.pushover.net/1/messages.json"

// PushoverSender delivers the push channel through Pushover. The recipient's
// PushKey is the Pushover user key.
type PushoverSender struct {
	token  string
	apiURL string
	client *http.Client
}

// NewPushoverSender creates a PushoverSender for an application token.
func NewPushoverSender(token string, timeout time.Duration) *PushoverSender {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &PushoverSender{
		token:  token,
		apiURL: defaultPushoverURL,
		client: &http.Client{Timeout: timeout},
	}
}

type pushoverResponse struct {
	Status  int      `json:"status"`
	Request string   `json:"request"`
	Errors  []string `json:"errors"`
}

// Send posts the message to Pushover.
func (s *PushoverSender) Send(ctx context.Context, to Recipient, msg Message) (Receipt, error) {
	if strings.TrimSpace(to.PushKey) == "" {
		return Receipt{}, &SendError{Channel: ChannelPush, Code: CodeNoAddress, Err: ErrNoAddress}
	}

	params := url.Values{}
	params.Set("token", s.token)
	params.Set("user", to.PushKey)
	params.Set("title", msg.Title)
	params.Set("message", msg.Body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, strings.NewReader(params.Encode()))
	if err != nil {
		return Receipt{}, fmt.Errorf("build pushover request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return Receipt{}, &SendError{Channel: ChannelPush, Code: "transport", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	var pr pushoverResponse
	_ = json.Unmarshal(body, &pr)

	if resp.StatusCode != http.StatusOK || pr.Status != 1 {
		return Receipt{}, &SendError{
			Channel: ChannelPush,
			Code:    strconv.Itoa(resp.StatusCode),
			Err:     fmt.Errorf("pushover api error: status %s, errors %s", resp.Status, strings.Join(pr.Errors, "; ")),
		}
	}
	return Receipt{ProviderRef: pr.Request, Status: "queued"}, nil
}
