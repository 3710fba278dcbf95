// Package signing implements a Provider decorator that S/MIME-signs messages
// before handing them to the wrapped Provider.
package signing

import (
	"context"
	"log/slog"

	"github.com/shineum/smtp-smime-proxy/internal/email"
	"github.com/shineum/smtp-smime-proxy/internal/mime"
	"github.com/shineum/smtp-smime-proxy/internal/provider"
	"github.com/shineum/smtp-smime-proxy/internal/smime"
)

// MessageSigner signs a message for the first candidate sender that owns a
// signing identity. It returns the message itself when nothing is signed.
type MessageSigner interface {
	SignFor(msg *mime.Message, candidates []string) (*mime.Message, smime.Outcome)
}

// Provider signs every message it can and forwards everything to next.
// Signing never blocks delivery: a message that cannot be signed is sent
// as it was received.
type Provider struct {
	next   provider.Provider
	signer MessageSigner
}

// New wraps next with signer.
func New(next provider.Provider, signer MessageSigner) *Provider {
	return &Provider{next: next, signer: signer}
}

// Send signs msg when possible and delivers it through the wrapped provider.
// msg itself is never modified. Errors of the wrapped provider are returned
// as they are.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	out := msg

	raw, err := msg.Message()
	if err != nil {
		slog.Error("failed to build MIME form, sending unsigned",
			"provider", p.next.Name(),
			"error", err,
		)
	} else {
		signed, outcome := p.signer.SignFor(raw, candidates(raw, msg))
		slog.Debug("signing decision",
			"outcome", outcome.String(),
			"provider", p.next.Name(),
		)
		if outcome == smime.OutcomeSigned {
			cp := *msg
			cp.Raw = signed
			cp.Signed = true
			out = &cp
		}
	}

	return p.next.Send(ctx, out)
}

// Name returns "smime+" followed by the wrapped provider's name.
func (p *Provider) Name() string {
	return "smime+" + p.next.Name()
}

// candidates lists the sender addresses to look up: the From header of the
// message, or the envelope sender when the header names no one.
func candidates(raw *mime.Message, msg *email.Email) []string {
	if from := raw.From(); len(from) > 0 {
		return from
	}
	if s := msg.Sender(); s != "" {
		return []string{s}
	}
	return nil
}
