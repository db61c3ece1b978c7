package delivery

import (
	"context"
	"html"
	"strings"

	"github.com/resend/resend-go/v2"
)

// emailAPI is the subset of the Resend client the sender uses.
type emailAPI interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// EmailSender delivers the email channel through Resend.
type EmailSender struct {
	api  emailAPI
	from string
}

// NewEmailSender creates an EmailSender backed by a Resend client.
func NewEmailSender(apiKey, from string) *EmailSender {
	client := resend.NewClient(apiKey)
	return &EmailSender{api: client.Emails, from: from}
}

// Send emails the message to the recipient's address.
func (s *EmailSender) Send(ctx context.Context, to Recipient, msg Message) (Receipt, error) {
	if strings.TrimSpace(to.Email) == "" {
		return Receipt{}, &SendError{Channel: ChannelEmail, Code: CodeNoAddress, Err: ErrNoAddress}
	}

	subject := msg.Title
	if subject == "" {
		subject = "Health reminder"
	}
	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{to.Email},
		Subject: subject,
		Html:    "<p>" + strings.ReplaceAll(html.EscapeString(msg.Body), "\n", "<br>") + "</p>",
		Text:    msg.Body,
	}

	sent, err := s.api.SendWithContext(ctx, params)
	if err != nil {
		return Receipt{}, &SendError{Channel: ChannelEmail, Code: "resend_error", Err: err}
	}
	return Receipt{ProviderRef: sent.Id, Status: "sent"}, nil
}
