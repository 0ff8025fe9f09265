package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wolfman30/voice-intake-agent/pkg/logging"
)

const defaultFromName = "Clinic Scheduling"

// CategoryBookingConfirmation tags confirmation emails in provider analytics.
const CategoryBookingConfirmation = "booking_confirmation"

// EmailSender delivers a single message. Send returns only once the provider
// has accepted or rejected it.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// EmailMessage is one rendered email for one recipient.
type EmailMessage struct {
	To      string
	ToName  string
	ReplyTo string
	Subject string
	Body    string // plain text
	HTML    string
	// Category and Reference are attached as provider tags so a message can
	// be traced back to its booking without reading the body.
	Category  string
	Reference string
}

// SenderConfig configures the provider-backed senders.
type SenderConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
	// BaseURL overrides the provider API host. Only SendGrid honours it.
	BaseURL string
}

func (c SenderConfig) withDefaults() SenderConfig {
	if strings.TrimSpace(c.FromName) == "" {
		c.FromName = defaultFromName
	}
	return c
}

func (c SenderConfig) from() string {
	return fmt.Sprintf("%s <%s>", c.FromName, c.FromEmail)
}

// SendError is a provider failure. Status is the provider's HTTP status when
// it answered at all.
type SendError struct {
	Provider string
	Status   int
	Err      error
}

func (e *SendError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("notify: %s send failed (status %d): %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("notify: %s send failed: %v", e.Provider, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Throttled reports whether the provider rejected the send for rate reasons.
func (e *SendError) Throttled() bool {
	return e.Status == http.StatusTooManyRequests
}

// providerOf names the provider behind a send failure, or "unknown".
func providerOf(err error) (string, int) {
	var se *SendError
	if errors.As(err, &se) {
		return se.Provider, se.Status
	}
	return "unknown", 0
}

// StubEmailSender logs messages instead of sending them.
type StubEmailSender struct {
	logger *logging.Logger
}

func NewStubEmailSender(logger *logging.Logger) *StubEmailSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &StubEmailSender{logger: logger}
}

func (s *StubEmailSender) Send(ctx context.Context, msg EmailMessage) error {
	s.logger.Info("stub email sender: would send email",
		"subject", msg.Subject,
		"category", msg.Category,
		"reference", msg.Reference,
	)
	return nil
}

var _ EmailSender = (*StubEmailSender)(nil)
