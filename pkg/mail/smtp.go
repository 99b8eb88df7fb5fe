// Package mail delivers rendered digests over SMTP.
package mail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/mihaimyh/billingsync/pkg/billing"
	"github.com/mihaimyh/billingsync/pkg/digest"
)

// ErrInvalidRecipient is returned for an empty recipient address
var ErrInvalidRecipient = errors.New("invalid recipient")

// SMTPConfig configures the SMTP mailer
type SMTPConfig struct {
	Host        string `mapstructure:"host" validate:"required_with=Port"`
	Port        int    `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	FromAddress string `mapstructure:"from_address" validate:"omitempty,email"`
	FromName    string `mapstructure:"from_name"`
}

// sender is satisfied by *gomail.Dialer
type sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPMailer implements digest.Mailer with gomail. An optional circuit
// breaker stops hammering a failing relay; an open breaker fails the send,
// which leaves the user's digest watermark untouched.
type SMTPMailer struct {
	config  SMTPConfig
	dialer  sender
	breaker billing.CircuitBreaker
	logger  billing.Logger
}

var _ digest.Mailer = (*SMTPMailer)(nil)

// Option configures an SMTPMailer
type Option func(*SMTPMailer)

// WithCircuitBreaker guards sends with cb
func WithCircuitBreaker(cb billing.CircuitBreaker) Option {
	return func(m *SMTPMailer) { m.breaker = cb }
}

// WithLogger sets the logger
func WithLogger(l billing.Logger) Option {
	return func(m *SMTPMailer) { m.logger = l }
}

// NewSMTPMailer creates a mailer for config
func NewSMTPMailer(config SMTPConfig, opts ...Option) *SMTPMailer {
	return newMailer(config, gomail.NewDialer(config.Host, config.Port, config.Username, config.Password), opts...)
}

func newMailer(config SMTPConfig, dialer sender, opts ...Option) *SMTPMailer {
	m := &SMTPMailer{config: config, dialer: dialer, logger: &billing.NoopLogger{}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Send implements digest.Mailer
func (s *SMTPMailer) Send(ctx context.Context, to, subject, html, text string) error {
	if to == "" {
		return ErrInvalidRecipient
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := gomail.NewMessage()
	if s.config.FromName != "" {
		msg.SetAddressHeader("From", s.config.FromAddress, s.config.FromName)
	} else {
		msg.SetHeader("From", s.config.FromAddress)
	}
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetDateHeader("Date", time.Now())
	msg.SetBody("text/plain", text)
	if html != "" {
		msg.AddAlternative("text/html", html)
	}

	send := func() error { return s.dialer.DialAndSend(msg) }
	var err error
	if s.breaker != nil {
		err = s.breaker.Execute(ctx, send)
	} else {
		err = send()
	}
	if err != nil {
		s.logger.Warn("smtp send failed", billing.F("to", to), billing.ErrField(err))
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// LogMailer writes digests to the logger instead of sending them. It is the
// fallback when no SMTP host is configured.
type LogMailer struct {
	Logger billing.Logger
}

var _ digest.Mailer = (*LogMailer)(nil)

// Send implements digest.Mailer
func (l *LogMailer) Send(_ context.Context, to, subject, _, text string) error {
	if to == "" {
		return ErrInvalidRecipient
	}
	if l.Logger != nil {
		l.Logger.Info("digest not sent (no smtp configured)",
			billing.F("to", to),
			billing.F("subject", subject),
			billing.F("bytes", len(text)),
		)
	}
	return nil
}
