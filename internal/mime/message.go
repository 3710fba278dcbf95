// Package mime models an outgoing RFC 5322 message as an ordered list of raw
// header fields followed by the raw body. Fields keep the exact bytes they
// were received with, folding included, so a message can be re-emitted
// without disturbing anything a downstream signature depends on.
package mime

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// Message is an outgoing message.
type Message struct {
	// Header holds the header fields in their original order.
	Header textproto.Header

	// Body is the raw body, exactly as it followed the header block.
	Body []byte
}

// Parse reads a raw message. The header block must be terminated by an empty
// line; everything after it is kept verbatim as the body.
func Parse(raw []byte) (*Message, error) {
	br := bufio.NewReader(bytes.NewReader(raw))

	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read message header: %w", err)
	}

	body, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}

	return &Message{Header: h, Body: body}, nil
}

// ContentType returns the raw Content-Type value, or "text/plain" when the
// message does not carry one (RFC 2045 default).
func (m *Message) ContentType() string {
	if ct := m.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return "text/plain"
}

// MediaType parses the Content-Type into its media type and parameters.
// A message without one is text/plain.
func (m *Message) MediaType() (string, map[string]string, error) {
	h := message.Header{Header: m.Header}
	return h.ContentType()
}

// IsMultipart reports whether the body is a multipart structure.
func (m *Message) IsMultipart() bool {
	mediaType, _, err := m.MediaType()
	if err != nil {
		return false
	}
	return strings.HasPrefix(mediaType, "multipart/")
}

// From returns the bare addresses listed in the From header, in the order
// they appear. A From header that fails strict parsing falls back to a
// comma split so a single malformed entry does not hide the others.
func (m *Message) From() []string {
	return m.AddressList("From")
}

// AddressList returns the bare addresses of an address header.
func (m *Message) AddressList(key string) []string {
	h := gomail.Header{Header: message.Header{Header: m.Header}}

	addrs, err := h.AddressList(key)
	if err == nil {
		out := make([]string, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, a.Address)
		}
		return out
	}

	var out []string
	for _, part := range strings.Split(m.Header.Get(key), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if a, err := gomail.ParseAddress(part); err == nil {
			out = append(out, a.Address)
			continue
		}
		out = append(out, strings.Trim(part, "<>"))
	}
	return out
}

// HeaderLines returns every header field as raw bytes, in order.
func (m *Message) HeaderLines() ([][]byte, error) {
	var lines [][]byte
	fields := m.Header.Fields()
	for fields.Next() {
		raw, err := fields.Raw()
		if err != nil {
			return nil, fmt.Errorf("failed to read header field %q: %w", fields.Key(), err)
		}
		lines = append(lines, raw)
	}
	return lines, nil
}

// WriteTo writes the header block, the separating empty line and the body.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, m.Header); err != nil {
		return 0, fmt.Errorf("failed to write message header: %w", err)
	}
	buf.Write(m.Body)
	return buf.WriteTo(w)
}

// Bytes returns the serialized message.
func (m *Message) Bytes() []byte {
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil
	}
	return buf.Bytes()
}
