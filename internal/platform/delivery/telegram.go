package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultTelegramBaseURL = "https://api.telegram.org"

// TelegramSender delivers the telegram channel via the Bot API.
type TelegramSender struct {
	botToken string
	baseURL  string
	client   *http.Client
}

// NewTelegramSender creates a TelegramSender for a bot token.
func NewTelegramSender(botToken string, timeout time.Duration) *TelegramSender {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &TelegramSender{
		botToken: botToken,
		baseURL:  defaultTelegramBaseURL,
		client:   &http.Client{Timeout: timeout},
	}
}

type telegramSendRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

// Send posts the message to the recipient's chat.
func (s *TelegramSender) Send(ctx context.Context, to Recipient, msg Message) (Receipt, error) {
	if strings.TrimSpace(to.TelegramChatID) == "" {
		return Receipt{}, &SendError{Channel: ChannelTelegram, Code: CodeNoAddress, Err: ErrNoAddress}
	}

	payload, err := json.Marshal(telegramSendRequest{ChatID: to.TelegramChatID, Text: textBody(msg)})
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal telegram request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Receipt{}, fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Receipt{}, &SendError{Channel: ChannelTelegram, Code: "transport", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Receipt{}, &SendError{Channel: ChannelTelegram, Code: "transport", Err: err}
	}

	var tr telegramResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Receipt{}, &SendError{Channel: ChannelTelegram, Code: strconv.Itoa(resp.StatusCode), Err: fmt.Errorf("parse telegram response: %w", err)}
	}
	if !tr.OK {
		code := strconv.Itoa(tr.ErrorCode)
		if tr.ErrorCode == 0 {
			code = strconv.Itoa(resp.StatusCode)
		}
		return Receipt{}, &SendError{Channel: ChannelTelegram, Code: code, Err: fmt.Errorf("telegram api error: %s", tr.Description)}
	}
	return Receipt{ProviderRef: strconv.FormatInt(tr.Result.MessageID, 10), Status: "sent"}, nil
}
