// Package email defines the core email data model used throughout the proxy.
package email

import (
	"bytes"
	"fmt"
	"strings"

	gomail "github.com/wneessen/go-mail"

	"github.com/shineum/smtp-smime-proxy/internal/mime"
)

// Email represents a parsed email message with all its components.
type Email struct {
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	TextBody    string
	HtmlBody    string
	Attachments []Attachment
	RawHeaders  map[string][]string
	MessageID   string

	// EnvelopeFrom and EnvelopeTo carry the SMTP MAIL FROM and RCPT TO
	// values. They are empty for messages built in code.
	EnvelopeFrom string
	EnvelopeTo   []string

	// Raw is the message as received. Providers that can submit MIME
	// directly must prefer it over the parsed fields.
	Raw *mime.Message

	// Signed is set once Raw has been replaced by an S/MIME signed form.
	Signed bool
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Sender returns the envelope sender, falling back to the From field.
func (e *Email) Sender() string {
	if e.EnvelopeFrom != "" {
		return e.EnvelopeFrom
	}
	return e.From
}

// Recipients returns the envelope recipients, or To, Cc and Bcc combined
// when the message did not come through an SMTP session.
func (e *Email) Recipients() []string {
	if len(e.EnvelopeTo) > 0 {
		return e.EnvelopeTo
	}
	rcpts := make([]string, 0, len(e.To)+len(e.Cc)+len(e.Bcc))
	rcpts = append(rcpts, e.To...)
	rcpts = append(rcpts, e.Cc...)
	rcpts = append(rcpts, e.Bcc...)
	return rcpts
}

// Message returns the MIME form of the email. Raw is returned as is; emails
// built in code are rendered from their parsed fields.
func (e *Email) Message() (*mime.Message, error) {
	if e.Raw != nil {
		return e.Raw, nil
	}

	m := gomail.NewMsg()
	if err := m.From(e.From); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if len(e.To) > 0 {
		if err := m.To(e.To...); err != nil {
			return nil, fmt.Errorf("invalid to address: %w", err)
		}
	}
	if len(e.Cc) > 0 {
		if err := m.Cc(e.Cc...); err != nil {
			return nil, fmt.Errorf("invalid cc address: %w", err)
		}
	}
	m.Subject(e.Subject)
	if e.MessageID != "" {
		m.SetMessageIDWithValue(strings.Trim(e.MessageID, "<>"))
	}

	switch {
	case e.TextBody != "" && e.HtmlBody != "":
		m.SetBodyString(gomail.TypeTextPlain, e.TextBody)
		m.AddAlternativeString(gomail.TypeTextHTML, e.HtmlBody)
	case e.HtmlBody != "":
		m.SetBodyString(gomail.TypeTextHTML, e.HtmlBody)
	default:
		m.SetBodyString(gomail.TypeTextPlain, e.TextBody)
	}

	for _, att := range e.Attachments {
		m.AttachReader(att.Filename, bytes.NewReader(att.Content),
			gomail.WithFileContentType(gomail.ContentType(att.ContentType)))
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to render message: %w", err)
	}

	return mime.Parse(buf.Bytes())
}
