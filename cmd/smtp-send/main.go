// Package main is the entry point for smtp-send.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/shineum/smtp-send-lite/internal/config"
	"github.com/shineum/smtp-send-lite/internal/credentials"
	"github.com/shineum/smtp-send-lite/internal/errs"
	"github.com/shineum/smtp-send-lite/internal/logger"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	app := newApp(os.Stdout, os.Stderr)
	if err := app.RunContext(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(errs.ExitCode(err))
	}
}

// env is what the global flags resolve to before an action runs.
type env struct {
	settings *config.Config
	log      *slog.Logger
	stdout   io.Writer
	stderr   io.Writer
}

// credentialsPath returns --config-file, then the settings value, then
// ~/.smtp-send.
func (e *env) credentialsPath(c *cli.Context) (string, error) {
	if p := c.String("config-file"); p != "" {
		return p, nil
	}
	if e.settings != nil && e.settings.CredentialsFile != "" {
		return e.settings.CredentialsFile, nil
	}
	return credentials.DefaultPath()
}

// ctx returns the action context carrying the logger.
func (e *env) ctx(c *cli.Context) context.Context {
	return logger.NewContext(c.Context, e.log)
}

func newApp(stdout, stderr io.Writer) *cli.App {
	e := &env{stdout: stdout, stderr: stderr, log: logger.NewNoop()}

	return &cli.App{
		Name:    "smtp-send",
		Usage:   "send e-mail through an authenticated SMTP server",
		Version: version,
		Description: "Store SMTP credentials once with 'config', then send messages with\n" +
			"optional attachments with 'send'. Credentials are kept base64-encoded\n" +
			"in ~/.smtp-send with owner-only permissions; this is obfuscation, not encryption.",
		Writer:                    stdout,
		ErrWriter:                 stderr,
		DisableSliceFlagSeparator: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config-file",
				Usage: "credentials file `PATH` (default ~/.smtp-send)",
			},
			&cli.StringFlag{
				Name:    "settings",
				Usage:   "optional YAML settings `FILE`",
				EnvVars: []string{config.EnvPrefix + "_SETTINGS"},
			},
		},
		Commands: []*cli.Command{
			configCommand(e),
			sendCommand(e),
		},
		Before: func(c *cli.Context) error {
			path := c.String("settings")
			settings, err := config.LoadPath(path)
			if err != nil {
				return errs.WrapPath(errs.CodeConfigIO, err, "failed to load settings", path)
			}
			e.settings = settings
			logger.InitDefault(logger.Config{
				Provider: logger.Provider(settings.Logging.Provider),
				Level:    logger.Level(settings.Logging.Level),
			}, stderr)
			e.log = slog.Default()
			return nil
		},
		// Anything that is not a known action prints help and succeeds.
		Action: func(c *cli.Context) error {
			if c.Args().Present() {
				e.log.Warn("unknown action", "action", c.Args().First())
			}
			return cli.ShowAppHelp(c)
		},
		OnUsageError:   usageError,
		ExitErrHandler: func(*cli.Context, error) {},
	}
}

// usageError classifies flag parsing failures.
func usageError(_ *cli.Context, err error, _ bool) error {
	return errs.Wrap(errs.CodeUsage, err, "invalid usage")
}
