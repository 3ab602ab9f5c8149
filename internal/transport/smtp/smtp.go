// Package smtp implements a Transport that delivers messages over one
// authenticated SMTP session.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"strconv"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/pkg/errors"

	"github.com/shineum/smtp-send-lite/internal/email"
	"github.com/shineum/smtp-send-lite/internal/errs"
	"github.com/shineum/smtp-send-lite/internal/logger"
	"github.com/shineum/smtp-send-lite/internal/transport"
)

var _ transport.Transport = (*Transport)(nil)

// Config holds the connection and login parameters for a Transport.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	// UseTLS makes STARTTLS mandatory before authentication.
	UseTLS bool

	// LocalName is sent with EHLO on plaintext sessions. STARTTLS sessions
	// always greet as "localhost" because the client issues EHLO itself
	// before the upgrade. Empty leaves the client default.
	LocalName string

	// TLS is the client configuration for the STARTTLS upgrade. When nil a
	// configuration verifying Host is used.
	TLS *tls.Config
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Client is the subset of *gosmtp.Client used by Transport.
// Used for testing with fake implementations.
type Client interface {
	Hello(localName string) error
	Auth(a sasl.Client) error
	SendMail(from string, to []string, r io.Reader) error
	Quit() error
	Close() error
}

// DialFunc opens a client connection to addr. A non-nil tlsConfig means the
// connection is upgraded with STARTTLS before the client is returned.
type DialFunc func(addr string, tlsConfig *tls.Config) (Client, error)

// Transport sends each envelope in its own SMTP session.
type Transport struct {
	cfg  Config
	dial DialFunc
}

// New creates a Transport that dials the network.
func New(cfg Config) *Transport {
	return &Transport{cfg: cfg, dial: dial}
}

// NewWithDialer creates a Transport with a custom dialer, used for testing.
func NewWithDialer(cfg Config, d DialFunc) *Transport {
	return &Transport{cfg: cfg, dial: d}
}

func dial(addr string, tlsConfig *tls.Config) (Client, error) {
	var (
		c   *gosmtp.Client
		err error
	)
	if tlsConfig != nil {
		c, err = gosmtp.DialStartTLS(addr, tlsConfig)
	} else {
		c, err = gosmtp.Dial(addr)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Deliver runs connect, STARTTLS (when enabled), AUTH LOGIN, MAIL, RCPT,
// DATA and QUIT. The first failure aborts the session.
func (t *Transport) Deliver(ctx context.Context, env email.Envelope) error {
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.CodeSMTP, err, "send cancelled")
	}

	log := logger.FromContext(ctx).With("addr", t.cfg.Addr())

	var tlsCfg *tls.Config
	if t.cfg.UseTLS {
		tlsCfg = t.cfg.TLS
		if tlsCfg == nil {
			tlsCfg = &tls.Config{ServerName: t.cfg.Host, MinVersion: tls.VersionTLS12}
		}
	}

	log.Debug("connecting to SMTP server", "starttls", t.cfg.UseTLS)
	c, err := t.dial(t.cfg.Addr(), tlsCfg)
	if err != nil {
		if tlsCfg != nil {
			return smtpError(err, "failed to connect to SMTP server with STARTTLS")
		}
		return smtpError(err, "failed to connect to SMTP server")
	}
	defer c.Close()

	if tlsCfg == nil && t.cfg.LocalName != "" {
		if err := c.Hello(t.cfg.LocalName); err != nil {
			return smtpError(err, "EHLO rejected")
		}
	}

	if err := c.Auth(sasl.NewLoginClient(t.cfg.Username, t.cfg.Password)); err != nil {
		return smtpError(err, "SMTP authentication failed")
	}
	log.Debug("authenticated", "user", t.cfg.Username)

	if err := c.SendMail(env.From, env.To, bytes.NewReader(env.Data)); err != nil {
		return smtpError(err, "failed to send message")
	}

	if err := c.Quit(); err != nil {
		// The message was already accepted at the end of DATA.
		log.Warn("QUIT failed", "error", err)
	}

	log.Info("message sent",
		"from", env.From,
		"recipients", len(env.To),
		"size", len(env.Data),
	)

	return nil
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "smtp"
}

// smtpError classifies err as an SMTP failure and keeps the server reply
// code when there is one.
func smtpError(err error, msg string) error {
	e := &errs.Error{
		Code:    errs.CodeSMTP,
		Message: msg,
		Err:     errors.WithStack(err),
	}

	var replyErr *gosmtp.SMTPError
	if errors.As(err, &replyErr) {
		e.ReplyCode = replyErr.Code
	}

	return e
}
