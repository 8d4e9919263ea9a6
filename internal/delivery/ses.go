package delivery

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/embermail/dispatch/internal/pkg/logger"
)

// SESProvider sends through AWS SES using the SDK v2.
type SESProvider struct {
	client *sesv2.Client
	log    *logger.Logger
}

// NewSESProvider creates an SES-backed provider from static credentials.
func NewSESProvider(accessKey, secretKey, region string) *SESProvider {
	p := &SESProvider{log: logger.With("ses")}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		p.log.Error("failed to initialize AWS config", "error", err)
		return p
	}
	p.client = sesv2.NewFromConfig(cfg)
	return p
}

func (p *SESProvider) Name() string  { return "ses" }
func (p *SESProvider) Enabled() bool { return p.client != nil }

// Send delivers one message through SES.
func (p *SESProvider) Send(ctx context.Context, msg *Message) error {
	if p.client == nil {
		return ErrNotConfigured
	}

	var headers []types.MessageHeader
	for name, value := range msg.Headers {
		headers = append(headers, types.MessageHeader{
			Name:  aws.String(name),
			Value: aws.String(value),
		})
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", msg.FromName, msg.From)),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
				},
				Headers: headers,
			},
		},
	}

	if _, err := p.client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("ses send: %w", err)
	}
	return nil
}
