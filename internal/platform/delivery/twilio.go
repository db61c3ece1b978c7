package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioConfig holds credentials for the Twilio Messages API.
type TwilioConfig struct {
	AccountSID     string
	AuthToken      string
	FromNumber     string
	WhatsAppNumber string
	CountryCode    string
	// BaseURL replaces the scheme and host of every API call. Tests point it
	// at an httptest server.
	BaseURL string
	Timeout time.Duration
}

// TwilioSender sends SMS or WhatsApp messages through Twilio.
type TwilioSender struct {
	cfg       TwilioConfig
	channel   string
	whatsapp  bool
	transport http.RoundTripper
	baseURL   *url.URL
}

// NewTwilioSMS creates a sender for the sms channel.
func NewTwilioSMS(cfg TwilioConfig) *TwilioSender {
	return newTwilioSender(cfg, ChannelSMS, false)
}

// NewTwilioWhatsApp creates a sender for the whatsapp channel.
func NewTwilioWhatsApp(cfg TwilioConfig) *TwilioSender {
	return newTwilioSender(cfg, ChannelWhatsApp, true)
}

func newTwilioSender(cfg TwilioConfig, channel string, whatsapp bool) *TwilioSender {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	s := &TwilioSender{
		cfg:       cfg,
		channel:   channel,
		whatsapp:  whatsapp,
		transport: http.DefaultTransport,
	}
	if cfg.BaseURL != "" {
		if u, err := url.Parse(cfg.BaseURL); err == nil && u.Host != "" {
			s.baseURL = u
		}
	}
	return s
}

// requestTransport binds SDK requests to the caller's context and, when set,
// redirects them to a different host.
type requestTransport struct {
	ctx     context.Context
	base    http.RoundTripper
	baseURL *url.URL
}

func (t *requestTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(t.ctx)
	if t.baseURL != nil {
		req.URL.Scheme = t.baseURL.Scheme
		req.URL.Host = t.baseURL.Host
		req.Host = t.baseURL.Host
	}
	return t.base.RoundTrip(req)
}

// api returns a Messages API client whose calls are bound to ctx. The SDK
// calls take no context of their own.
func (s *TwilioSender) api(ctx context.Context) *openapi.ApiService {
	c := &client.Client{
		Credentials: client.NewCredentials(s.cfg.AccountSID, s.cfg.AuthToken),
		HTTPClient: &http.Client{
			Timeout:   s.cfg.Timeout,
			Transport: &requestTransport{ctx: ctx, base: s.transport, baseURL: s.baseURL},
		},
	}
	c.SetAccountSid(s.cfg.AccountSID)
	return twilio.NewRestClientWithParams(twilio.ClientParams{Client: c}).Api
}

// Send creates a message through the Twilio Messages API.
func (s *TwilioSender) Send(ctx context.Context, to Recipient, msg Message) (Receipt, error) {
	if strings.TrimSpace(to.Phone) == "" {
		return Receipt{}, &SendError{Channel: s.channel, Code: CodeNoAddress, Err: ErrNoAddress}
	}

	toAddr := FormatPhone(to.Phone, s.cfg.CountryCode)
	if strings.HasPrefix(toAddr, "+91") && !ValidIndianMobile(toAddr) {
		return Receipt{}, &SendError{Channel: s.channel, Code: CodeInvalidAddress,
			Err: fmt.Errorf("%s is not a valid Indian mobile number", toAddr)}
	}
	from := s.cfg.FromNumber
	if s.whatsapp {
		toAddr = "whatsapp:" + toAddr
		from = "whatsapp:" + FormatPhone(s.cfg.WhatsAppNumber, s.cfg.CountryCode)
	}

	params := &openapi.CreateMessageParams{}
	params.SetPathAccountSid(s.cfg.AccountSID)
	params.SetTo(toAddr)
	params.SetFrom(from)
	params.SetBody(textBody(msg))

	resp, err := s.api(ctx).CreateMessage(params)
	if err != nil {
		return Receipt{}, s.sendError(ctx, err)
	}
	var r Receipt
	if resp.Sid != nil {
		r.ProviderRef = *resp.Sid
	}
	if resp.Status != nil {
		r.Status = *resp.Status
	}
	return r, nil
}

// MessageStatus fetches the current Twilio status of a sent message, such as
// "queued", "delivered" or "undelivered".
func (s *TwilioSender) MessageStatus(ctx context.Context, providerRef string) (string, error) {
	if providerRef == "" {
		return "", ErrNoProviderRef
	}
	params := &openapi.FetchMessageParams{}
	params.SetPathAccountSid(s.cfg.AccountSID)
	resp, err := s.api(ctx).FetchMessage(providerRef, params)
	if err != nil {
		return "", s.sendError(ctx, err)
	}
	if resp.Status == nil {
		return "", &SendError{Channel: s.channel, Code: CodeUnknown, Err: errors.New("twilio returned no status")}
	}
	return *resp.Status, nil
}

// sendError maps SDK failures to SendError, keeping Twilio's numeric error
// code as the failure code.
func (s *TwilioSender) sendError(ctx context.Context, err error) error {
	var restErr *client.TwilioRestError
	if errors.As(err, &restErr) {
		code := strconv.Itoa(restErr.Code)
		if restErr.Code == 0 {
			code = strconv.Itoa(restErr.Status)
		}
		return &SendError{
			Channel: s.channel,
			Code:    code,
			Err:     fmt.Errorf("twilio api error: status %d, message %s", restErr.Status, restErr.Message),
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &SendError{Channel: s.channel, Code: CodeCanceled, Err: ctxErr}
	}
	return &SendError{Channel: s.channel, Code: "transport", Err: err}
}

// textBody flattens a message for channels without a subject line.
func textBody(msg Message) string {
	if msg.Title == "" {
		return msg.Body
	}
	if msg.Body == "" {
		return msg.Title
	}
	return msg.Title + "\n\n" + msg.Body
}
