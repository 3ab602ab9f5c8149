// Package mailer composes a message from a credential record and a send
// request and hands it to a transport.
package mailer

import (
	"context"
	netmail "net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/smtp-send-lite/internal/credentials"
	"github.com/shineum/smtp-send-lite/internal/email"
	"github.com/shineum/smtp-send-lite/internal/errs"
	"github.com/shineum/smtp-send-lite/internal/logger"
	"github.com/shineum/smtp-send-lite/internal/transport"
	smtptransport "github.com/shineum/smtp-send-lite/internal/transport/smtp"
	tlsutil "github.com/shineum/smtp-send-lite/internal/tls"
)

// Request is one message to send.
type Request struct {
	// To holds recipients. Each entry is an address, optionally with a
	// display name, or an address list such as "a@x.com, Bob <b@y.com>".
	To          []string
	Subject     string
	Body        string
	Attachments []string
}

// TransportFactory builds the transport for a credential record.
type TransportFactory func(rec credentials.Record) (transport.Transport, error)

// TransportOptions tune the SMTP transport built by SMTPTransport.
type TransportOptions struct {
	LocalName string
	TLS       tlsutil.ClientOptions
}

// SMTPTransport returns a factory for go-smtp backed transports.
func SMTPTransport(opts TransportOptions) TransportFactory {
	return func(rec credentials.Record) (transport.Transport, error) {
		cfg := smtptransport.Config{
			Host:      rec.Server,
			Port:      rec.Port,
			Username:  rec.User,
			Password:  rec.Pass,
			UseTLS:    rec.UseTLS,
			LocalName: opts.LocalName,
		}

		if rec.UseTLS {
			tlsCfg, err := tlsutil.ClientConfig(rec.Server, opts.TLS)
			if err != nil {
				return nil, errs.WrapPath(errs.CodeConfigIO, err, "failed to load TLS settings", opts.TLS.CAFile)
			}
			cfg.TLS = tlsCfg
		}

		return smtptransport.New(cfg), nil
	}
}

// Sender sends messages on behalf of a credential record.
type Sender struct {
	newTransport TransportFactory
	now          func() time.Time
}

// Option configures a Sender.
type Option func(*Sender)

// WithTransport replaces the default SMTP transport factory.
func WithTransport(f TransportFactory) Option {
	return func(s *Sender) {
		s.newTransport = f
	}
}

// WithClock sets the time source for the Date header.
func WithClock(now func() time.Time) Option {
	return func(s *Sender) {
		s.now = now
	}
}

// New creates a Sender. By default it sends over SMTP with default TLS
// verification.
func New(opts ...Option) *Sender {
	s := &Sender{
		newTransport: SMTPTransport(TransportOptions{}),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send builds the message for req and delivers it through one transport
// session. Attachments are read before any connection is made, so an
// unreadable attachment means nothing is sent.
func (s *Sender) Send(ctx context.Context, rec credentials.Record, req Request) error {
	recipients, err := ParseRecipients(req.To...)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		return errs.New(errs.CodeUsage, "at least one recipient is required")
	}

	to := make([]string, len(recipients))
	header := make([]string, len(recipients))
	for i, a := range recipients {
		to[i] = a.Address
		header[i] = headerAddress(a)
	}
	from := senderAddress(rec.User)

	attachments, err := email.LoadAttachments(req.Attachments)
	if err != nil {
		return err
	}

	msg := &email.Message{
		From:        rec.User,
		To:          header,
		Subject:     req.Subject,
		TextBody:    req.Body,
		Date:        s.now(),
		MessageID:   NewMessageID(from),
		Attachments: attachments,
	}

	data, err := Compose(msg)
	if err != nil {
		return err
	}

	t, err := s.newTransport(rec)
	if err != nil {
		return err
	}

	logger.FromContext(ctx).Debug("delivering message",
		"transport", t.Name(),
		"message_id", msg.MessageID,
		"recipients", len(to),
		"attachments", len(attachments),
	)

	return t.Deliver(ctx, email.Envelope{
		From: from,
		To:   to,
		Data: data,
	})
}

// ParseRecipients flattens values into a list of addresses. Each value is
// parsed as an RFC 5322 address list, so display names and quoted commas are
// kept intact. Blank values are dropped.
func ParseRecipients(values ...string) ([]*netmail.Address, error) {
	var out []*netmail.Address
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		list, err := netmail.ParseAddressList(v)
		if err != nil {
			return nil, errs.Wrap(errs.CodeUsage, err, "invalid recipient "+strconv.Quote(v))
		}
		out = append(out, list...)
	}
	return out, nil
}

// headerAddress renders a for the To header. Bare addresses stay bare.
func headerAddress(a *netmail.Address) string {
	if a.Name == "" {
		return a.Address
	}
	return a.String()
}

// senderAddress returns the bare address in user for MAIL FROM, or user
// itself when it does not parse as an address.
func senderAddress(user string) string {
	if a, err := netmail.ParseAddress(user); err == nil {
		return a.Address
	}
	return user
}
