package delivery

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"
)

// SMTPProvider sends through a plain SMTP relay. Useful for self-hosted
// deployments and local testing against a capture server.
type SMTPProvider struct {
	dialer *gomail.Dialer
}

// NewSMTPProvider creates an SMTP-backed provider.
func NewSMTPProvider(host string, port int, username, password string) *SMTPProvider {
	return &SMTPProvider{dialer: gomail.NewDialer(host, port, username, password)}
}

func (p *SMTPProvider) Name() string  { return "smtp" }
func (p *SMTPProvider) Enabled() bool { return true }

// Send delivers one message over SMTP. gomail dials per message; the batched
// sender's inter-batch delay keeps connection churn within relay limits.
func (p *SMTPProvider) Send(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetAddressHeader("From", msg.From, msg.FromName)
	m.SetAddressHeader("To", msg.To, msg.ToName)
	m.SetHeader("Subject", msg.Subject)
	for name, value := range msg.Headers {
		m.SetHeader(name, value)
	}
	m.SetBody("text/html", msg.HTML)

	if err := p.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
