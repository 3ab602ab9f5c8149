// Package errs defines the error categories surfaced by smtp-send and the
// process exit code for each of them.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies the category of a failure.
type Code string

const (
	CodeUsage           Code = "Usage"
	CodeConfigIO        Code = "ConfigIO"
	CodeMalformedConfig Code = "MalformedConfig"
	CodeAttachment      Code = "Attachment"
	CodeSMTP            Code = "SMTP"
)

// Sentinel errors for checks with errors.Is.
var (
	ErrUsage           = errors.New("invalid usage")
	ErrConfigIO        = errors.New("config i/o failure")
	ErrMalformedConfig = errors.New("malformed config")
	ErrAttachment      = errors.New("attachment failure")
	ErrSMTP            = errors.New("smtp failure")
)

// Error is a categorized failure. Path names the file involved, if any.
// ReplyCode carries the SMTP reply code when the server produced one.
type Error struct {
	Code      Code
	Message   string
	Path      string
	ReplyCode int
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Path != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Path)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the same category.
func (e *Error) Is(target error) bool {
	return target == sentinel(e.Code)
}

// New builds an Error without a cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error around err. It returns nil if err is nil.
func Wrap(code Code, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// WrapPath is Wrap with the file path recorded.
func WrapPath(code Code, err error, message, path string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Path: path, Err: err}
}

// CodeOf returns the category of err, or "" when err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsUsage(err error) bool           { return errors.Is(err, ErrUsage) }
func IsConfigIO(err error) bool        { return errors.Is(err, ErrConfigIO) }
func IsMalformedConfig(err error) bool { return errors.Is(err, ErrMalformedConfig) }
func IsAttachment(err error) bool      { return errors.Is(err, ErrAttachment) }
func IsSMTP(err error) bool            { return errors.Is(err, ErrSMTP) }

// ExitCode maps err to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch CodeOf(err) {
	case CodeUsage:
		return 2
	case CodeConfigIO:
		return 3
	case CodeMalformedConfig:
		return 4
	case CodeSMTP:
		return 5
	case CodeAttachment:
		return 6
	default:
		return 1
	}
}

func sentinel(code Code) error {
	switch code {
	case CodeUsage:
		return ErrUsage
	case CodeConfigIO:
		return ErrConfigIO
	case CodeMalformedConfig:
		return ErrMalformedConfig
	case CodeAttachment:
		return ErrAttachment
	case CodeSMTP:
		return ErrSMTP
	}
	return nil
}
