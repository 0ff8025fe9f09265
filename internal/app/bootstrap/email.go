package bootstrap

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	appconfig "github.com/wolfman30/voice-intake-agent/internal/config"
	"github.com/wolfman30/voice-intake-agent/internal/notify"
	"github.com/wolfman30/voice-intake-agent/pkg/logging"
)

// BuildEmailSender selects the confirmation email provider. A selected
// provider without credentials is an error, never a stub.
func BuildEmailSender(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (notify.EmailSender, error) {
	if logger == nil {
		logger = logging.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.EmailProvider))
	if provider != "" && provider != "stub" && strings.TrimSpace(cfg.EmailFrom) == "" {
		return nil, fmt.Errorf("bootstrap: EMAIL_FROM is required for %s", provider)
	}

	switch provider {
	case "sendgrid":
		sender := notify.NewSendGridSender(notify.SenderConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.EmailFrom,
			FromName:  cfg.EmailFromName,
		}, logger)
		if sender == nil {
			return nil, fmt.Errorf("bootstrap: SENDGRID_API_KEY is required")
		}
		logger.Info("sendgrid email sender initialized")
		return sender, nil
	case "ses":
		sender := notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SenderConfig{
			FromEmail: cfg.EmailFrom,
			FromName:  cfg.EmailFromName,
		}, logger)
		logger.Info("ses email sender initialized", "region", awsCfg.Region)
		return sender, nil
	case "resend":
		sender := notify.NewResendSender(notify.SenderConfig{
			APIKey:    cfg.ResendAPIKey,
			FromEmail: cfg.EmailFrom,
			FromName:  cfg.EmailFromName,
		}, logger)
		if sender == nil {
			return nil, fmt.Errorf("bootstrap: RESEND_API_KEY is required")
		}
		logger.Info("resend email sender initialized")
		return sender, nil
	case "", "stub":
		logger.Warn("confirmation emails are logged, not sent (EMAIL_PROVIDER=stub)")
		return notify.NewStubEmailSender(logger), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown EMAIL_PROVIDER %q", provider)
	}
}

// BuildNotifier wraps the sender in the booking confirmation service.
func BuildNotifier(cfg *appconfig.Config, sender notify.EmailSender, recorder notify.SendRecorder, logger *logging.Logger) *notify.Service {
	return notify.NewService(sender, notify.ServiceConfig{
		ClinicName:      cfg.ClinicName,
		StaffRecipients: cfg.BookingNotifyRecipients,
		EmailPatient:    cfg.BookingEmailPatient,
		Timeout:         cfg.EmailTimeout,
	}, recorder, logger)
}
