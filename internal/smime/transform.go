package smime

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	stdmime "mime"
	"strings"

	"go.mozilla.org/pkcs7"

	"github.com/shineum/smtp-smime-proxy/internal/mime"
)

const (
	signatureProtocol = "application/pkcs7-signature"
	signatureFilename = "smime.p7s"

	// micalg names the digest every signature is computed with. The policy
	// is fixed: SHA-256 regardless of the key algorithm.
	micalg = "sha-256"

	base64LineLength = 76

	maxBoundaryAttempts = 8
)

// contentFields describe the body and are carried into the signed part.
var contentFields = []string{
	"Content-Type",
	"Content-Transfer-Encoding",
	"Content-Disposition",
	"Content-Id",
	"Content-Description",
	"Content-Language",
}

// Transformer wraps messages into multipart/signed envelopes.
type Transformer struct {
	signDetached func(content []byte, cred *Credential) ([]byte, error)
	newBoundary  func() (string, error)
}

// NewTransformer returns a Transformer that produces detached CMS
// signatures with go.mozilla.org/pkcs7.
func NewTransformer() *Transformer {
	return &Transformer{
		signDetached: detachedSignature,
		newBoundary:  randomBoundary,
	}
}

// Sign returns msg wrapped in a multipart/signed envelope signed with cred.
// It never fails: on any error the error is logged and msg itself is
// returned untouched.
func (t *Transformer) Sign(msg *mime.Message, cred *Credential) *mime.Message {
	signed, err := t.trySign(msg, cred)
	if err != nil {
		slog.Error("failed to sign message, it will be sent unsigned", "error", err)
		return msg
	}
	return signed
}

// trySign is Sign with the error surfaced. A panic inside the crypto or
// MIME code is reported as an error.
func (t *Transformer) trySign(msg *mime.Message, cred *Credential) (signed *mime.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			signed, err = nil, fmt.Errorf("panic while signing: %v", r)
		}
	}()

	if msg == nil {
		return nil, errors.New("nil message")
	}
	cert := cred.Certificate()
	if cert == nil {
		return nil, ErrNoCertificate
	}
	if _, ok := cred.PrivateKey.(crypto.Signer); !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, cred.PrivateKey)
	}

	content, err := signedContent(msg)
	if err != nil {
		return nil, err
	}

	signature, err := t.signDetached(content, cred)
	if err != nil {
		return nil, fmt.Errorf("failed to compute signature: %w", err)
	}

	boundary, err := t.uniqueBoundary(content)
	if err != nil {
		return nil, fmt.Errorf("failed to create boundary: %w", err)
	}

	var out bytes.Buffer
	if err := writeOuterHeader(&out, msg, envelopeContentType(boundary)); err != nil {
		return nil, err
	}
	writeEnvelope(&out, boundary, content, signature)

	signed, err = mime.Parse(out.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to parse signed message: %w", err)
	}
	return signed, nil
}

func (t *Transformer) uniqueBoundary(content []byte) (string, error) {
	for i := 0; i < maxBoundaryAttempts; i++ {
		b, err := t.newBoundary()
		if err != nil {
			return "", err
		}
		if !bytes.Contains(content, []byte(b)) {
			return b, nil
		}
	}
	return "", fmt.Errorf("no boundary absent from content after %d attempts", maxBoundaryAttempts)
}

// signedContent renders the first part of the envelope: the content fields
// of msg followed by its body, byte for byte, with CRLF line endings. A
// multipart body is kept as it is; it is not flattened or re-encoded.
func signedContent(msg *mime.Message) ([]byte, error) {
	var buf bytes.Buffer

	if !msg.Header.Has("Content-Type") {
		buf.WriteString("Content-Type: text/plain\r\n")
	}

	fields := msg.Header.Fields()
	for fields.Next() {
		if !isContentField(fields.Key()) {
			continue
		}
		raw, err := fields.Raw()
		if err != nil {
			return nil, fmt.Errorf("failed to read header field %q: %w", fields.Key(), err)
		}
		buf.Write(raw)
	}
	buf.WriteString("\r\n")
	buf.Write(msg.Body)

	return canonicalCRLF(buf.Bytes()), nil
}

// writeOuterHeader copies every header field of msg except Content-Type, in
// order, then adds MIME-Version when missing and the new Content-Type. A
// Content-Transfer-Encoding that a multipart entity may not carry is
// dropped; the default 7bit applies instead.
func writeOuterHeader(out *bytes.Buffer, msg *mime.Message, contentType string) error {
	hasVersion := false

	fields := msg.Header.Fields()
	for fields.Next() {
		key := fields.Key()
		switch {
		case strings.EqualFold(key, "Content-Type"):
			continue
		case strings.EqualFold(key, "Content-Transfer-Encoding") && !compositeEncoding(fields.Value()):
			continue
		case strings.EqualFold(key, "MIME-Version"):
			hasVersion = true
		}

		raw, err := fields.Raw()
		if err != nil {
			return fmt.Errorf("failed to read header field %q: %w", key, err)
		}
		out.Write(canonicalCRLF(raw))
	}

	if !hasVersion {
		out.WriteString("MIME-Version: 1.0\r\n")
	}
	fmt.Fprintf(out, "Content-Type: %s\r\n\r\n", contentType)
	return nil
}

func writeEnvelope(out *bytes.Buffer, boundary string, content, signature []byte) {
	fmt.Fprintf(out, "--%s\r\n", boundary)
	out.Write(content)
	fmt.Fprintf(out, "\r\n--%s\r\n", boundary)

	fmt.Fprintf(out, "Content-Type: %s\r\n", stdmime.FormatMediaType(signatureProtocol, map[string]string{"name": signatureFilename}))
	out.WriteString("Content-Transfer-Encoding: base64\r\n")
	fmt.Fprintf(out, "Content-Disposition: %s\r\n", stdmime.FormatMediaType("attachment", map[string]string{"filename": signatureFilename}))
	out.WriteString("Content-Description: S/MIME Cryptographic Signature\r\n")
	out.WriteString("\r\n")
	writeBase64Lines(out, signature)

	fmt.Fprintf(out, "\r\n--%s--\r\n", boundary)
}

func envelopeContentType(boundary string) string {
	return stdmime.FormatMediaType("multipart/signed", map[string]string{
		"protocol": signatureProtocol,
		"micalg":   micalg,
		"boundary": boundary,
	})
}

// detachedSignature returns a DER encoded, detached CMS SignedData over
// content carrying the S/MIME signed attributes and the full chain.
func detachedSignature(content []byte, cred *Credential) ([]byte, error) {
	cert := cred.Certificate()

	attrs, err := signedAttributes(cert)
	if err != nil {
		return nil, err
	}

	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize signed data: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)

	config := pkcs7.SignerInfoConfig{ExtraSignedAttributes: attrs}
	if err := sd.AddSignerChain(cert, cred.PrivateKey, cred.Chain[1:], config); err != nil {
		return nil, fmt.Errorf("failed to add signer: %w", err)
	}

	sd.Detach()

	der, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("failed to finish signature: %w", err)
	}
	return der, nil
}

func randomBoundary() (string, error) {
	var b [24]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return "smime-" + hex.EncodeToString(b[:]), nil
}

func isContentField(key string) bool {
	for _, f := range contentFields {
		if strings.EqualFold(key, f) {
			return true
		}
	}
	return false
}

// compositeEncoding reports whether a Content-Transfer-Encoding is allowed
// on a multipart entity (RFC 2045 section 6.4).
func compositeEncoding(cte string) bool {
	switch strings.ToLower(strings.TrimSpace(cte)) {
	case "7bit", "8bit", "binary":
		return true
	}
	return false
}

// canonicalCRLF turns bare LF line endings into CRLF.
func canonicalCRLF(b []byte) []byte {
	if !bytes.Contains(b, []byte("\n")) {
		return b
	}
	out := make([]byte, 0, len(b)+bytes.Count(b, []byte("\n")))
	for i, c := range b {
		if c == '\n' && (i == 0 || b[i-1] != '\r') {
			out = append(out, '\r')
		}
		out = append(out, c)
	}
	return out
}

func writeBase64Lines(out *bytes.Buffer, data []byte) {
	encoded := base64.StdEncoding.EncodeToString(data)
	for i := 0; i < len(encoded); i += base64LineLength {
		end := i + base64LineLength
		if end > len(encoded) {
			end = len(encoded)
		}
		if i > 0 {
			out.WriteString("\r\n")
		}
		out.WriteString(encoded[i:end])
	}
}
