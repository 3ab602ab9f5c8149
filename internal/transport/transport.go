// Package transport defines how a rendered message leaves the process.
package transport

import (
	"context"

	"github.com/shineum/smtp-send-lite/internal/email"
)

// Transport delivers one rendered message. Implementations open at most one
// session per Deliver call and never retry.
type Transport interface {
	// Deliver hands env to the backend. Delivery is all-or-nothing as far as
	// the caller can observe.
	Deliver(ctx context.Context, env email.Envelope) error

	// Name returns the human-readable name of this transport.
	Name() string
}
