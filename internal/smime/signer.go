package smime

import (
	"errors"
	"log/slog"

	"github.com/shineum/smtp-smime-proxy/internal/mime"
)

// Outcome reports what happened to a message handed to the Signer.
type Outcome int

const (
	// OutcomeNoStore means no keystore is loaded; nothing is ever signed.
	OutcomeNoStore Outcome = iota
	// OutcomeNoIdentityMatch means no sender address has a signing identity.
	OutcomeNoIdentityMatch
	// OutcomeCredentialFailed means the key could not be unlocked.
	OutcomeCredentialFailed
	// OutcomeTransformFailed means building the signed message failed.
	OutcomeTransformFailed
	// OutcomeSigned means the returned message is the signed form.
	OutcomeSigned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoStore:
		return "no_store"
	case OutcomeNoIdentityMatch:
		return "no_identity_match"
	case OutcomeCredentialFailed:
		return "credential_failed"
	case OutcomeTransformFailed:
		return "transform_failed"
	case OutcomeSigned:
		return "signed"
	default:
		return "unknown"
	}
}

// Signer decides whether a message is signed and with which identity. It is
// immutable and safe for concurrent use.
type Signer struct {
	store       *Store
	props       Properties
	transformer *Transformer
}

// NewSigner returns a Signer over store. A nil store yields a Signer that
// passes every message through.
func NewSigner(store *Store, props Properties) *Signer {
	if props == nil {
		props = Properties{}
	}
	return &Signer{
		store:       store,
		props:       props,
		transformer: NewTransformer(),
	}
}

// Load opens the keystore named by props and returns a Signer over it. A
// keystore that cannot be opened is logged once; the returned Signer then
// forwards every message unsigned.
func Load(props Properties) *Signer {
	store, err := LoadStore(props)
	switch {
	case errors.Is(err, ErrNoKeystore):
		slog.Warn("keystore file or password not configured, no emails will be signed")
		store = nil
	case err != nil:
		slog.Error("failed to load keystore, no emails will be signed",
			"keystore", props.lookup(PropKeystoreFile),
			"error", err,
		)
		store = nil
	default:
		slog.Info("keystore loaded",
			"keystore", props.lookup(PropKeystoreFile),
			"identities", store.Len(),
		)
	}
	return NewSigner(store, props)
}

// Ready reports whether a keystore is loaded.
func (s *Signer) Ready() bool {
	return s != nil && s.store != nil
}

// ResolveIdentity returns the first candidate, in order, that has an
// identity in the store. The store's spelling of the identity is returned.
func (s *Signer) ResolveIdentity(candidates []string) (string, bool) {
	if !s.Ready() {
		return "", false
	}
	for _, c := range candidates {
		if id, ok := s.store.Lookup(c); ok {
			return id, true
		}
	}
	return "", false
}

// Sign signs msg for the addresses in its From header.
func (s *Signer) Sign(msg *mime.Message) (*mime.Message, Outcome) {
	if msg == nil {
		return nil, OutcomeTransformFailed
	}
	return s.SignFor(msg, msg.From())
}

// SignFor signs msg with the first of candidates that has an identity. The
// returned message is msg itself for every outcome but OutcomeSigned.
func (s *Signer) SignFor(msg *mime.Message, candidates []string) (*mime.Message, Outcome) {
	if !s.Ready() {
		return msg, OutcomeNoStore
	}

	identity, ok := s.ResolveIdentity(candidates)
	if !ok {
		slog.Info("no signing identity for sender, sending unsigned", "from", candidates)
		return msg, OutcomeNoIdentityMatch
	}

	cred, err := s.store.Credential(identity, s.props.KeyPassword(identity))
	if err != nil {
		slog.Error("failed to unlock signing key, sending unsigned",
			"identity", identity,
			"error", err,
		)
		return msg, OutcomeCredentialFailed
	}

	signed, err := s.transformer.trySign(msg, cred)
	if err != nil {
		slog.Error("failed to sign message, sending unsigned",
			"identity", identity,
			"error", err,
		)
		return msg, OutcomeTransformFailed
	}

	slog.Debug("message signed", "identity", identity)
	return signed, OutcomeSigned
}

// TrySign returns the signed form of msg, or msg itself when it is not
// signed for any reason.
func (s *Signer) TrySign(msg *mime.Message) *mime.Message {
	signed, _ := s.Sign(msg)
	return signed
}
