// Package delivery adapts external email service providers behind a single
// send interface. When no provider credentials are configured the engine
// degrades to a dry-run provider that skips sends instead of crashing.
package delivery

import (
	"context"
	"errors"

	"github.com/embermail/dispatch/internal/config"
	"github.com/embermail/dispatch/internal/pkg/logger"
)

// ErrNotConfigured is returned by the dry-run provider for every send.
var ErrNotConfigured = errors.New("delivery provider not configured")

// Message is a single outbound email.
type Message struct {
	From     string
	FromName string
	To       string
	ToName   string
	Subject  string
	HTML     string
	Headers  map[string]string
}

// Provider delivers a single message or returns an error.
type Provider interface {
	// Name identifies the provider in logs.
	Name() string
	// Enabled reports whether the provider has working credentials.
	Enabled() bool
	// Send delivers one message.
	Send(ctx context.Context, msg *Message) error
}

// NewProvider builds the configured provider, or the dry-run provider when
// the selected backend has no credentials.
func NewProvider(cfg config.DeliveryConfig) Provider {
	log := logger.With("delivery")

	switch cfg.Provider {
	case "ses":
		if cfg.SESAccessKey != "" && cfg.SESSecretKey != "" {
			return NewSESProvider(cfg.SESAccessKey, cfg.SESSecretKey, cfg.SESRegion)
		}
	case "smtp":
		if cfg.SMTPHost != "" {
			return NewSMTPProvider(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword)
		}
	default: // sparkpost
		if cfg.SparkPostAPIKey != "" {
			return NewSparkPostProvider(cfg.SparkPostAPIKey, cfg.SparkPostURL)
		}
	}

	log.Warn("no delivery credentials configured, running in dry-run mode", "provider", cfg.Provider)
	return &disabledProvider{log: log}
}

// disabledProvider is the dry-run mode: every send is skipped and logged,
// never counted as sent.
type disabledProvider struct {
	log *logger.Logger
}

func (p *disabledProvider) Name() string  { return "disabled" }
func (p *disabledProvider) Enabled() bool { return false }

func (p *disabledProvider) Send(ctx context.Context, msg *Message) error {
	p.log.Info("dry run: send skipped", "to", msg.To, "subject", msg.Subject)
	return ErrNotConfigured
}
