// Package stdout implements a Transport that prints messages instead of
// sending them. It backs `send --dry-run`.
package stdout

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/shineum/smtp-send-lite/internal/email"
	"github.com/shineum/smtp-send-lite/internal/parser"
	"github.com/shineum/smtp-send-lite/internal/transport"
)

var _ transport.Transport = (*Transport)(nil)

// Transport prints a summary of each message to its writer.
type Transport struct {
	writer io.Writer
	// raw additionally dumps the full rendered message.
	raw bool
}

// New creates a Transport that writes to w. With raw set, the rendered
// message follows the summary.
func New(w io.Writer, raw bool) *Transport {
	return &Transport{writer: w, raw: raw}
}

// Deliver prints the envelope and a parsed view of the message.
func (p *Transport) Deliver(_ context.Context, env email.Envelope) error {
	msg, err := parser.Parse(env.Data)
	if err != nil {
		return errors.Wrap(err, "failed to parse rendered message")
	}

	var b strings.Builder

	b.WriteString("========================================\n")
	b.WriteString(fmt.Sprintf("From: %s\n", env.From))
	b.WriteString(fmt.Sprintf("To: %s\n", strings.Join(env.To, ", ")))
	b.WriteString(fmt.Sprintf("Subject: %s\n", msg.Subject))
	if !msg.Date.IsZero() {
		b.WriteString(fmt.Sprintf("Date: %s\n", msg.Date.Format("Mon, 02 Jan 2006 15:04:05 -0700")))
	}
	b.WriteString("Body:\n")
	b.WriteString(msg.TextBody + "\n")

	if len(msg.Attachments) > 0 {
		attachments := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			attachments = append(attachments, fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Content))))
		}
		b.WriteString(fmt.Sprintf("Attachments: %s\n", strings.Join(attachments, ", ")))
	}

	b.WriteString("========================================\n")

	if p.raw {
		b.Write(env.Data)
		if len(env.Data) > 0 && env.Data[len(env.Data)-1] != '\n' {
			b.WriteString("\n")
		}
	}

	if _, err := fmt.Fprint(p.writer, b.String()); err != nil {
		return errors.Wrap(err, "failed to write message")
	}

	return nil
}

// Name returns the transport name.
func (p *Transport) Name() string {
	return "stdout"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
