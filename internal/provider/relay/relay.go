// Package relay implements the password-authenticated SMTP transport: the
// send path used when token-authenticated delivery is disabled.
package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"

	"gopkg.in/gomail.v2"

	"github.com/shineum/graph-mail-relay/internal/email"
)

// Dialer sends composed messages. *gomail.Dialer satisfies it.
type Dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// Config holds the upstream SMTP server settings.
type Config struct {
	Host          string
	Port          int
	Username      string
	Password      string
	UseSSL        bool
	DefaultSender string
}

// Provider relays messages to an upstream SMTP server.
type Provider struct {
	dialer Dialer
	host   string
	sender string
	logger *slog.Logger
}

// New returns a Provider dialing cfg.Host. Implicit TLS is used when UseSSL
// is set or the port is 465; otherwise STARTTLS is attempted when offered.
func New(cfg Config, logger *slog.Logger) *Provider {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	if cfg.UseSSL {
		d.SSL = true
	}
	d.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	return NewWithDialer(cfg.Host, cfg.DefaultSender, d, logger)
}

// NewWithDialer returns a Provider using d.
func NewWithDialer(host, defaultSender string, d Dialer, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		dialer: d,
		host:   host,
		sender: defaultSender,
		logger: logger.With("component", "relay", "host", host),
	}
}

// Send composes msg and relays it in a single SMTP session.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(msg.Recipients()) == 0 {
		return fmt.Errorf("relay: message has no recipients")
	}

	m := msg.Compose(p.sender)
	if err := p.dialer.DialAndSend(m); err != nil {
		p.logger.Warn("SMTP relay failed", "recipients", len(msg.Recipients()), "error", err)
		return fmt.Errorf("relay to %s failed: %w", p.host, err)
	}

	p.logger.Info("mail relayed", "recipients", len(msg.Recipients()), "message_id", msg.MessageID)
	return nil
}

// Name returns the transport name.
func (p *Provider) Name() string {
	return "smtp"
}
