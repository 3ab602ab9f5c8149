// Package smtptest provides an in-process SMTP server that records every
// session it handles. It offers STARTTLS and AUTH PLAIN/LOGIN so that the
// client side can be exercised end to end without a real mail server.
package smtptest

import (
	"encoding/base64"
	"strings"

	"github.com/pkg/errors"
)

var (
	errAuthFailed    = errors.New("authentication failed")
	errInvalidBase64 = errors.New("invalid base64 encoding")
)

// Authenticator checks AUTH credentials against one configured account.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator for the given account.
// If both username and password are empty, authentication is not required.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
	}
}

// Enabled reports whether clients must authenticate before MAIL.
func (a *Authenticator) Enabled() bool {
	return a.username != "" || a.password != ""
}

// Verify compares decoded credentials with the configured account.
func (a *Authenticator) Verify(user, pass string) error {
	if user != a.username || pass != a.password {
		return errAuthFailed
	}
	return nil
}

// DecodePlain decodes an AUTH PLAIN response, base64(authzid\0authcid\0password).
func DecodePlain(encoded string) (user, pass string, err error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", errInvalidBase64
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return "", "", errors.New("invalid AUTH PLAIN format")
	}

	// parts[0] is the authorization identity and is ignored.
	return parts[1], parts[2], nil
}

// DecodeLoginField decodes one AUTH LOGIN response line. A lone "=" is an
// empty value.
func DecodeLoginField(encoded string) (string, error) {
	if encoded == "=" {
		return "", nil
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errInvalidBase64
	}
	return string(decoded), nil
}
