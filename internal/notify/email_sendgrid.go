package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/wolfman30/voice-intake-agent/pkg/logging"
)

// SendGridSender sends through the SendGrid v3 mail API. Click and open
// tracking are disabled because the messages carry patient details.
type SendGridSender struct {
	client *sendgrid.Client
	cfg    SenderConfig
	logger *logging.Logger
}

// NewSendGridSender returns nil when no API key is configured.
func NewSendGridSender(cfg SenderConfig, logger *logging.Logger) *SendGridSender {
	if cfg.APIKey == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg = cfg.withDefaults()
	req := sendgrid.GetRequest(cfg.APIKey, "/v3/mail/send", cfg.BaseURL)
	req.Method = "POST"
	return &SendGridSender{
		client: &sendgrid.Client{Request: req},
		cfg:    cfg,
		logger: logger,
	}
}

func (s *SendGridSender) Send(ctx context.Context, msg EmailMessage) error {
	if s == nil || s.client == nil {
		return &SendError{Provider: "sendgrid", Err: errors.New("client not configured")}
	}

	// SendWithContext writes the body onto the client; concurrent sends each
	// need their own copy.
	client := *s.client
	response, err := client.SendWithContext(ctx, s.build(msg))
	if err != nil {
		s.logger.Error("sendgrid send failed", "error", err, "reference", msg.Reference)
		return &SendError{Provider: "sendgrid", Err: err}
	}
	if response.StatusCode >= 400 {
		s.logger.Error("sendgrid returned error status", "status", response.StatusCode, "body", response.Body, "reference", msg.Reference)
		return &SendError{Provider: "sendgrid", Status: response.StatusCode, Err: fmt.Errorf("unexpected status")}
	}

	s.logger.Info("email sent via sendgrid", "subject", msg.Subject, "status", response.StatusCode, "reference", msg.Reference)
	return nil
}

func (s *SendGridSender) build(msg EmailMessage) *mail.SGMailV3 {
	m := mail.NewV3Mail()
	m.SetFrom(mail.NewEmail(s.cfg.FromName, s.cfg.FromEmail))
	m.Subject = msg.Subject

	p := mail.NewPersonalization()
	p.AddTos(mail.NewEmail(msg.ToName, msg.To))
	if msg.Reference != "" {
		p.SetCustomArg("reference", msg.Reference)
	}
	m.AddPersonalizations(p)

	m.AddContent(mail.NewContent("text/plain", msg.Body))
	if msg.HTML != "" {
		m.AddContent(mail.NewContent("text/html", msg.HTML))
	}
	if msg.ReplyTo != "" {
		m.SetReplyTo(mail.NewEmail("", msg.ReplyTo))
	}
	if msg.Category != "" {
		m.AddCategories(msg.Category)
	}
	m.SetTrackingSettings(mail.NewTrackingSettings().
		SetClickTracking(mail.NewClickTrackingSetting().SetEnable(false)).
		SetOpenTracking(mail.NewOpenTrackingSetting().SetEnable(false)))
	return m
}

var _ EmailSender = (*SendGridSender)(nil)
