// Package provider defines the transport interface the SMTP ingress hands
// parsed messages to.
package provider

import (
	"context"
	"errors"

	"github.com/shineum/graph-mail-relay/internal/email"
)

// ErrDeliveryFailed is the only failure the Graph transport reports upward.
// Callers learn that a message was not delivered, nothing more; details are
// logged where the failure happened.
var ErrDeliveryFailed = errors.New("mail delivery failed")

// Provider delivers one message. A nil error means the message was accepted
// for delivery.
type Provider interface {
	Send(ctx context.Context, msg *email.Email) error

	// Name identifies the transport in logs and metrics.
	Name() string
}
