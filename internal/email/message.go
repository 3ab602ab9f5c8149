// Package email defines the outgoing message model used by the mailer and
// the parsed form returned by the parser.
package email

import (
	"os"
	"path/filepath"
	"time"

	"github.com/shineum/smtp-send-lite/internal/errs"
)

// Message is an outgoing or parsed e-mail message.
type Message struct {
	From        string
	To          []string
	Subject     string
	TextBody    string
	Date        time.Time
	MessageID   string
	Attachments []Attachment
	RawHeaders  map[string][]string
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// LoadAttachments reads every path fully. It fails on the first unreadable
// file so that a message is never sent without one of its attachments.
func LoadAttachments(paths []string) ([]Attachment, error) {
	attachments := make([]Attachment, 0, len(paths))
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.WrapPath(errs.CodeAttachment, err, "failed to read attachment", path)
		}
		attachments = append(attachments, Attachment{
			Filename:    filepath.Base(path),
			ContentType: "application/octet-stream",
			Content:     content,
		})
	}
	return attachments, nil
}

// Envelope is the SMTP-level view of a rendered message.
type Envelope struct {
	From string
	To   []string
	Data []byte
}
