package notify

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/wolfman30/voice-intake-agent/pkg/logging"
)

// SESAPI is the part of the SES v2 client the sender needs.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender sends through Amazon SES v2. Category and reference become SES
// message tags.
type SESSender struct {
	client SESAPI
	cfg    SenderConfig
	logger *logging.Logger
}

// NewSESSender returns nil without a client. APIKey and BaseURL are unused;
// credentials come from the AWS config.
func NewSESSender(client SESAPI, cfg SenderConfig, logger *logging.Logger) *SESSender {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SESSender{client: client, cfg: cfg.withDefaults(), logger: logger}
}

func (s *SESSender) Send(ctx context.Context, msg EmailMessage) error {
	if s == nil || s.client == nil {
		return &SendError{Provider: "ses", Err: errors.New("client not configured")}
	}

	body := &types.Body{Text: utf8Content(msg.Body)}
	if msg.HTML != "" {
		body.Html = utf8Content(msg.HTML)
	}
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.cfg.from()),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{Subject: utf8Content(msg.Subject), Body: body},
		},
		EmailTags: sesTags(msg),
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}

	output, err := s.client.SendEmail(ctx, input)
	if err != nil {
		status := 0
		var coded interface{ HTTPStatusCode() int }
		if errors.As(err, &coded) {
			status = coded.HTTPStatusCode()
		}
		s.logger.Error("SES send failed", "error", err, "status", status, "reference", msg.Reference)
		return &SendError{Provider: "ses", Status: status, Err: err}
	}

	s.logger.Info("email sent via SES", "subject", msg.Subject, "message_id", aws.ToString(output.MessageId), "reference", msg.Reference)
	return nil
}

func sesTags(msg EmailMessage) []types.MessageTag {
	var tags []types.MessageTag
	if msg.Category != "" {
		tags = append(tags, types.MessageTag{Name: aws.String("category"), Value: aws.String(msg.Category)})
	}
	if msg.Reference != "" {
		tags = append(tags, types.MessageTag{Name: aws.String("reference"), Value: aws.String(msg.Reference)})
	}
	return tags
}

func utf8Content(data string) *types.Content {
	return &types.Content{Data: aws.String(data), Charset: aws.String("UTF-8")}
}

var _ EmailSender = (*SESSender)(nil)
