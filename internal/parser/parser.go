// Package parser provides RFC 5322 email message parsing with MIME multipart support.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"github.com/shineum/smtp-send-lite/internal/email"
)

var wordDecoder = new(mime.WordDecoder)

// Parse parses a raw RFC 5322 email message into a Message.
// It handles single-part text messages and multipart messages with a text
// body and attachments. Unrecognized MIME parts are logged as warnings.
func Parse(raw []byte) (*email.Message, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &email.Message{
		RawHeaders: make(map[string][]string),
	}

	for key, values := range msg.Header {
		result.RawHeaders[key] = values
	}

	result.From = decodeHeader(msg.Header.Get("From"))
	result.Subject = decodeHeader(msg.Header.Get("Subject"))
	result.MessageID = msg.Header.Get("Message-Id")
	result.To = parseAddressList(msg.Header.Get("To"))
	if date, err := msg.Header.Date(); err == nil {
		result.Date = date
	}

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		body, readErr := io.ReadAll(msg.Body)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read message body: %w", readErr)
		}
		result.TextBody = string(body)
		return result, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		if err := parseMultipart(msg.Body, boundary, result); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
		return result, nil
	}

	body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	if mediaType != "text/plain" {
		slog.Warn("unrecognized top-level content type",
			"content_type", mediaType,
		)
	}
	result.TextBody = string(body)

	return result, nil
}

// parseMultipart processes a multipart MIME body, extracting the first
// text/plain part and every attachment.
func parseMultipart(body io.Reader, boundary string, result *email.Message) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			slog.Warn("failed to parse part content type, skipping",
				"content_type", partContentType,
				"error", err,
			)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			nestedBoundary := params["boundary"]
			if nestedBoundary == "" {
				slog.Warn("nested multipart missing boundary, skipping")
				continue
			}
			if err := parseMultipart(part, nestedBoundary, result); err != nil {
				slog.Warn("failed to parse nested multipart", "error", err)
			}
			continue
		}

		// multipart.Reader already strips quoted-printable.
		content, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			slog.Warn("failed to read part content",
				"content_type", mediaType,
				"error", err,
			)
			continue
		}

		disposition := part.Header.Get("Content-Disposition")
		filename := extractFilename(part, params)
		if strings.HasPrefix(disposition, "attachment") || (mediaType != "text/plain" && filename != "") {
			result.Attachments = append(result.Attachments, email.Attachment{
				Filename:    filename,
				ContentType: mediaType,
				Content:     content,
			})
			continue
		}

		if mediaType == "text/plain" {
			if result.TextBody == "" {
				result.TextBody = string(content)
			}
			continue
		}

		slog.Warn("unrecognized MIME part, skipping",
			"content_type", mediaType,
			"disposition", disposition,
		)
	}

	return nil
}

// decodeBody reads r and undoes the given Content-Transfer-Encoding.
func decodeBody(r io.Reader, encoding string) ([]byte, error) {
	encoding = strings.ToLower(strings.TrimSpace(encoding))

	if encoding == "quoted-printable" {
		return io.ReadAll(quotedprintable.NewReader(r))
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	if encoding != "base64" {
		return raw, nil
	}

	cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(raw))
	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 content: %w", err)
		}
	}
	return decoded, nil
}

// extractFilename extracts the filename from a MIME part, checking both
// Content-Disposition and Content-Type parameters.
func extractFilename(part *multipart.Part, params map[string]string) string {
	if fn := part.FileName(); fn != "" {
		return fn
	}
	if name, ok := params["name"]; ok && name != "" {
		return name
	}
	return ""
}

func decodeHeader(v string) string {
	decoded, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return decoded
}

// parseAddressList splits a comma-separated address list into individual addresses.
func parseAddressList(raw string) []string {
	if raw == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		parts := strings.Split(raw, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}
