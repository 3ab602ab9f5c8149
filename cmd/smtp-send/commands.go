package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/shineum/smtp-send-lite/internal/credentials"
	"github.com/shineum/smtp-send-lite/internal/errs"
	"github.com/shineum/smtp-send-lite/internal/logger"
	"github.com/shineum/smtp-send-lite/internal/mailer"
	"github.com/shineum/smtp-send-lite/internal/transport"
	"github.com/shineum/smtp-send-lite/internal/transport/stdout"
	tlsutil "github.com/shineum/smtp-send-lite/internal/tls"
)

// readPassword reads a line from the terminal without echo.
var readPassword = func() ([]byte, error) {
	return term.ReadPassword(int(os.Stdin.Fd()))
}

func configCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "store SMTP server credentials",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Usage: "login user, also used as the From address"},
			&cli.StringFlag{Name: "pass", Usage: "login password"},
			&cli.BoolFlag{Name: "ask-pass", Usage: "prompt for the password instead of taking it from --pass"},
			&cli.StringFlag{Name: "server", Value: credentials.DefaultServer, Usage: "SMTP server host"},
			&cli.IntFlag{Name: "port", Value: credentials.DefaultPort, Usage: "SMTP server port"},
			&cli.BoolFlag{Name: "nossl", Usage: "do not upgrade the connection with STARTTLS"},
		},
		OnUsageError: usageError,
		Action: func(c *cli.Context) error {
			rec := credentials.Record{
				User:   c.String("user"),
				Pass:   c.String("pass"),
				Server: c.String("server"),
				Port:   c.Int("port"),
				UseTLS: !c.Bool("nossl"),
			}

			if c.Bool("ask-pass") {
				if c.IsSet("pass") {
					return errs.New(errs.CodeUsage, "--pass and --ask-pass are mutually exclusive")
				}
				fmt.Fprint(e.stderr, "Password: ")
				pass, err := readPassword()
				fmt.Fprintln(e.stderr)
				if err != nil {
					return errs.Wrap(errs.CodeUsage, err, "failed to read password")
				}
				rec.Pass = strings.TrimRight(string(pass), "\r\n")
			}

			if err := rec.Validate(); err != nil {
				return err
			}

			path, err := e.credentialsPath(c)
			if err != nil {
				return err
			}

			if err := credentials.Write(rec, path); err != nil {
				return err
			}

			e.log.Info("credentials stored",
				"path", path,
				"server", rec.Addr(),
				"starttls", rec.UseTLS,
			)
			return nil
		},
	}
}

func sendCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "send",
		Usage: "send a message using the stored credentials",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "to", Aliases: []string{"t"}, Usage: "recipient `ADDRESS` (repeatable)"},
			&cli.StringFlag{Name: "subject", Aliases: []string{"s"}, Usage: "subject line"},
			&cli.StringFlag{Name: "message", Aliases: []string{"m"}, Usage: "plain text body"},
			&cli.StringSliceFlag{Name: "attach", Aliases: []string{"a"}, Usage: "attach the file at `PATH` (repeatable)"},
			&cli.BoolFlag{Name: "dry-run", Usage: "print the rendered message instead of sending it"},
		},
		OnUsageError: usageError,
		Action: func(c *cli.Context) error {
			to := c.StringSlice("to")
			recipients, err := mailer.ParseRecipients(to...)
			if err != nil {
				return err
			}
			if len(recipients) == 0 {
				return errs.New(errs.CodeUsage, "send requires at least one recipient (-t)")
			}

			path, err := e.credentialsPath(c)
			if err != nil {
				return err
			}

			rec, err := credentials.Read(path)
			if err != nil {
				return err
			}

			factory := mailer.SMTPTransport(mailer.TransportOptions{
				LocalName: e.settings.SMTP.LocalName,
				TLS: tlsutil.ClientOptions{
					InsecureSkipVerify: e.settings.TLS.InsecureSkipVerify,
					CAFile:             e.settings.TLS.CAFile,
				},
			})
			if c.Bool("dry-run") {
				factory = func(credentials.Record) (transport.Transport, error) {
					return stdout.New(e.stdout, true), nil
				}
			}

			ctx := e.ctx(c)
			err = mailer.New(mailer.WithTransport(factory)).Send(ctx, rec, mailer.Request{
				To:          to,
				Subject:     c.String("subject"),
				Body:        c.String("message"),
				Attachments: c.StringSlice("attach"),
			})
			if err != nil {
				logger.FromContextWithErr(ctx, err).Debug("send failed", "server", rec.Addr())
				return err
			}
			return nil
		},
	}
}
