package mailer

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/alexcesaro/quotedprintable.v3"
	mail "gopkg.in/mail.v2"

	"github.com/shineum/smtp-send-lite/internal/email"
)

// Compose renders msg as a multipart/mixed RFC 5322 message: one
// quoted-printable text/plain part followed by one base64 part per
// attachment. The rendered message always ends with CRLF.
func Compose(msg *email.Message) ([]byte, error) {
	m := mail.NewMessage()

	m.SetHeader("From", msg.From)
	m.SetHeader("To", msg.To...)
	m.SetHeader("Subject", msg.Subject)
	m.SetDateHeader("Date", msg.Date)
	if msg.MessageID != "" {
		m.SetHeader("Message-ID", msg.MessageID)
	}

	if len(msg.Attachments) == 0 {
		return renderTextOnly(m, msg.TextBody)
	}

	m.SetBody("text/plain", msg.TextBody)

	for _, att := range msg.Attachments {
		content := att.Content
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		m.Attach(att.Filename,
			mail.Rename(att.Filename),
			mail.SetHeader(map[string][]string{
				"Content-Type": {fmt.Sprintf("%s; name=%q", contentType, att.Filename)},
			}),
			mail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(content)
				return err
			}),
		)
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, errors.Wrap(err, "failed to render message")
	}

	return buf.Bytes(), nil
}

// renderTextOnly writes the headers of m followed by a multipart/mixed body
// holding body as its only part. gomail emits multipart/mixed only once a
// message has an attachment.
func renderTextOnly(m *mail.Message, body string) ([]byte, error) {
	var head bytes.Buffer
	if _, err := m.WriteTo(&head); err != nil {
		return nil, errors.Wrap(err, "failed to render message headers")
	}

	var parts bytes.Buffer
	mw := multipart.NewWriter(&parts)
	pw, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/plain; charset=UTF-8"},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to render message body")
	}
	qp := quotedprintable.NewWriter(pw)
	if _, err := io.WriteString(qp, body); err != nil {
		return nil, errors.Wrap(err, "failed to render message body")
	}
	if err := qp.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to render message body")
	}
	if err := mw.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to render message body")
	}

	var out bytes.Buffer
	out.Write(bytes.TrimRight(head.Bytes(), "\r\n"))
	fmt.Fprintf(&out, "\r\nContent-Type: multipart/mixed; boundary=%s\r\n\r\n", mw.Boundary())
	out.Write(parts.Bytes())
	return out.Bytes(), nil
}

// NewMessageID returns a Message-ID of the form <uuid@domain>, where domain
// is taken from the sender address.
func NewMessageID(from string) string {
	domain := "localhost"
	if i := strings.LastIndexByte(from, '@'); i >= 0 && i < len(from)-1 {
		domain = strings.TrimRight(from[i+1:], ">")
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}
