// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"

	"github.com/shineum/smtp-smime-proxy/internal/email"
)

// Provider delivers messages to an upstream service: an SMTP relay, SES,
// Microsoft Graph or stdout. Decorators such as the S/MIME signing provider
// implement it as well and wrap another Provider.
type Provider interface {
	// Send delivers msg. Providers that can submit MIME directly must send
	// msg.Raw when it is set, so signed messages reach the wire byte for byte.
	Send(ctx context.Context, msg *email.Email) error

	// Name returns the human-readable name of this provider.
	Name() string
}
