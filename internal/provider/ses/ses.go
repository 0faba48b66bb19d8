// Package ses implements the AWS SES v2 transport.
package ses

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/graph-mail-relay/internal/email"
)

// defaultMaxAttempts is handed to the SDK retryer.
const defaultMaxAttempts = 4

// Config holds the SES settings.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          string
	MaxAttempts     int
}

// SendEmailAPI is the subset of the SES v2 client the transport uses.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Provider sends through SES. Retries are left to the SDK's standard retryer.
type Provider struct {
	sender string
	client SendEmailAPI
	logger *slog.Logger
}

// New loads AWS configuration and returns a Provider. Static credentials
// are used when both keys are set; otherwise the default chain applies.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(attempts),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg), logger), nil
}

// NewWithClient returns a Provider around an existing client.
func NewWithClient(sender string, client SendEmailAPI, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		sender: sender,
		client: client,
		logger: logger.With("component", "ses"),
	}
}

// Send delivers msg. Messages with attachments go out as raw MIME; the rest
// use the simple content form.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	input, err := p.buildInput(msg)
	if err != nil {
		return err
	}

	out, err := p.client.SendEmail(ctx, input)
	if err != nil {
		p.logger.Warn("SES send failed", "recipients", len(msg.Recipients()), "error", err)
		return fmt.Errorf("SES send failed: %w", err)
	}

	p.logger.Info("mail sent via SES",
		"recipients", len(msg.Recipients()),
		"ses_message_id", aws.ToString(out.MessageId),
	)
	return nil
}

// Name returns the transport name.
func (p *Provider) Name() string {
	return "ses"
}

func (p *Provider) from(msg *email.Email) string {
	if msg.From != "" {
		return msg.From
	}
	return p.sender
}

func (p *Provider) buildInput(msg *email.Email) (*sesv2.SendEmailInput, error) {
	if len(msg.Attachments) > 0 {
		var buf bytes.Buffer
		if _, err := msg.Compose(p.sender).WriteTo(&buf); err != nil {
			return nil, fmt.Errorf("failed to build raw message: %w", err)
		}
		return &sesv2.SendEmailInput{
			FromEmailAddress: aws.String(p.from(msg)),
			Destination:      destination(msg),
			Content: &types.EmailContent{
				Raw: &types.RawMessage{Data: buf.Bytes()},
			},
		}, nil
	}

	body := &types.Body{}
	if msg.HtmlBody != "" {
		body.Html = utf8(msg.HtmlBody)
	}
	if msg.TextBody != "" || msg.HtmlBody == "" {
		body.Text = utf8(msg.TextBody)
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(p.from(msg)),
		Destination:      destination(msg),
		ReplyToAddresses: msg.ReplyTo,
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: utf8(msg.Subject),
				Body:    body,
			},
		},
	}, nil
}

func destination(msg *email.Email) *types.Destination {
	return &types.Destination{
		ToAddresses:  msg.To,
		CcAddresses:  msg.Cc,
		BccAddresses: msg.Bcc,
	}
}

func utf8(s string) *types.Content {
	return &types.Content{Data: aws.String(s), Charset: aws.String("UTF-8")}
}
