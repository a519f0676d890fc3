package channel

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/mrz1836/postmark"
	"github.com/nholik/watch-notifier/internal/notify"
)

// ErrInvalidEmailConfig is returned when Postmark credentials are incomplete.
var ErrInvalidEmailConfig = errors.New("invalid email configuration")

// EmailClient delivers one plain-text email.
type EmailClient interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// PostmarkConfig holds Postmark credentials and the sender identity.
type PostmarkConfig struct {
	ServerToken  string
	AccountToken string
	From         string
	ReplyTo      string
	Tag          string
}

// postmarkAPI is the subset of *postmark.Client used by PostmarkClient.
type postmarkAPI interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

var _ postmarkAPI = (*postmark.Client)(nil)

// PostmarkClient sends email through Postmark's transactional API.
type PostmarkClient struct {
	api postmarkAPI
	cfg PostmarkConfig
}

// NewPostmarkClient validates cfg and returns a Postmark-backed EmailClient.
func NewPostmarkClient(cfg PostmarkConfig) (*PostmarkClient, error) {
	if cfg.ServerToken == "" {
		return nil, fmt.Errorf("%w: server token is required", ErrInvalidEmailConfig)
	}
	// From may carry a display name ("Alerts <alerts@example.com>").
	sender, err := mail.ParseAddress(cfg.From)
	if err != nil || notify.ValidateEmail(sender.Address).Verdict != notify.VerdictValid {
		return nil, fmt.Errorf("%w: sender address %q is not valid", ErrInvalidEmailConfig, cfg.From)
	}
	return &PostmarkClient{
		api: postmark.NewClient(cfg.ServerToken, cfg.AccountToken),
		cfg: cfg,
	}, nil
}

// SendEmail implements EmailClient.
func (c *PostmarkClient) SendEmail(ctx context.Context, to, subject, body string) error {
	resp, err := c.api.SendEmail(ctx, postmark.Email{
		From:     c.cfg.From,
		ReplyTo:  c.cfg.ReplyTo,
		To:       to,
		Subject:  subject,
		TextBody: body,
		Tag:      c.cfg.Tag,
	})
	if err != nil {
		return fmt.Errorf("postmark send: %w", err)
	}
	if resp.ErrorCode > 0 {
		return fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, strings.TrimSpace(resp.Message))
	}
	return nil
}

// EmailSender adapts an EmailClient to notify.ChannelSender.
type EmailSender struct {
	client  EmailClient
	markers []string
}

// NewEmailSender wraps client. Nil markers select DefaultNotOptedInMarkers.
func NewEmailSender(client EmailClient, markers []string) *EmailSender {
	return &EmailSender{client: client, markers: markers}
}

// Send implements notify.ChannelSender.
func (s *EmailSender) Send(ctx context.Context, address string, msg notify.Message) notify.Outcome {
	err := s.client.SendEmail(ctx, address, msg.Subject, msg.Body)
	return Classify(notify.ChannelEmail, err, s.markers)
}
