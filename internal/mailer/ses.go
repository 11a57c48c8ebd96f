package mailer

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// SESConfig configures the SES-backed sender.
type SESConfig struct {
	Region    string
	FromEmail string
}

// SESSender delivers emails through AWS SES, one SendEmail call per
// recipient, pacing each call through the global rate gate.
type SESSender struct {
	client *ses.Client
	gate   *RateGate
	from   string
	logger *zap.Logger
}

// NewSESSender loads AWS credentials from the environment and builds
// the sender.
func NewSESSender(ctx context.Context, cfg SESConfig, gate *RateGate, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESSender{
		client: ses.NewFromConfig(awsCfg),
		gate:   gate,
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

// SendBatch delivers each email in order. The batch stops at the first
// provider error; emails already sent stay sent.
func (s *SESSender) SendBatch(ctx context.Context, emails []Email) error {
	for i, email := range emails {
		if email.To == "" || email.Subject == "" {
			s.logger.Warn("skipping malformed email", zap.Int("index", i))
			continue
		}

		if err := s.gate.Wait(ctx); err != nil {
			return fmt.Errorf("rate gate wait: %w", err)
		}

		input := &ses.SendEmailInput{
			Source: aws.String(s.from),
			Destination: &types.Destination{
				ToAddresses: []string{email.To},
			},
			Message: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(email.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: &types.Body{
					Text: &types.Content{
						Data:    aws.String(email.Body),
						Charset: aws.String("UTF-8"),
					},
				},
			},
		}

		result, err := s.client.SendEmail(ctx, input)
		if err != nil {
			return fmt.Errorf("ses send to %s failed: %w", email.To, err)
		}

		s.logger.Debug("email sent via SES",
			zap.String("to", email.To),
			zap.String("message_id", aws.ToString(result.MessageId)),
		)
	}
	return nil
}
