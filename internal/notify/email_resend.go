package notify

import (
	"context"
	"errors"

	"github.com/resendlabs/resend-go"

	"github.com/wolfman30/voice-intake-agent/pkg/logging"
)

// ResendSender sends through the Resend API.
type ResendSender struct {
	client *resend.Client
	cfg    SenderConfig
	logger *logging.Logger
}

// NewResendSender returns nil when no API key is configured.
func NewResendSender(cfg SenderConfig, logger *logging.Logger) *ResendSender {
	if cfg.APIKey == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ResendSender{client: resend.NewClient(cfg.APIKey), cfg: cfg.withDefaults(), logger: logger}
}

// Send runs the context-free Resend call in a goroutine and stops waiting
// when ctx is done.
func (s *ResendSender) Send(ctx context.Context, msg EmailMessage) error {
	if s == nil || s.client == nil {
		return &SendError{Provider: "resend", Err: errors.New("client not configured")}
	}
	params := &resend.SendEmailRequest{
		From:    s.cfg.from(),
		To:      []string{msg.To},
		ReplyTo: msg.ReplyTo,
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Body,
	}

	type sent struct {
		id  string
		err error
	}
	done := make(chan sent, 1)
	go func() {
		res, err := s.client.Emails.Send(params)
		if err != nil {
			done <- sent{err: err}
			return
		}
		done <- sent{id: res.Id}
	}()

	select {
	case <-ctx.Done():
		s.logger.Error("resend send abandoned", "error", ctx.Err(), "reference", msg.Reference)
		return &SendError{Provider: "resend", Err: ctx.Err()}
	case r := <-done:
		if r.err != nil {
			s.logger.Error("resend send failed", "error", r.err, "reference", msg.Reference)
			return &SendError{Provider: "resend", Err: r.err}
		}
		s.logger.Info("email sent via resend", "subject", msg.Subject, "message_id", r.id, "reference", msg.Reference)
		return nil
	}
}

var _ EmailSender = (*ResendSender)(nil)
