// Package parser turns the DATA of an SMTP transaction into an email.Email.
// The message as received is kept in Email.Raw; the parsed fields serve the
// providers that cannot submit MIME directly.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"

	"github.com/shineum/smtp-smime-proxy/internal/email"
	"github.com/shineum/smtp-smime-proxy/internal/mime"
)

// maxDepth bounds multipart nesting.
const maxDepth = 16

var errMissingBoundary = errors.New("multipart message missing boundary")

// Parse parses raw into an Email. Bodies are decoded from their transfer
// encoding and charset; parts that cannot be decoded are skipped with a
// warning rather than failing the whole message.
func Parse(raw []byte) (*email.Email, error) {
	msg, err := mime.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &email.Email{
		Raw:        msg,
		RawHeaders: rawHeaders(msg),
		To:         nilIfEmpty(msg.AddressList("To")),
		Cc:         nilIfEmpty(msg.AddressList("Cc")),
		Bcc:        nilIfEmpty(msg.AddressList("Bcc")),
		MessageID:  msg.Header.Get("Message-Id"),
		Subject:    subject(msg),
	}
	if from := msg.From(); len(from) > 0 {
		result.From = from[0]
	}

	if msg.IsMultipart() {
		_, params, _ := msg.MediaType()
		if params["boundary"] == "" {
			return nil, errMissingBoundary
		}
	}

	entity, err := message.New(message.Header{Header: msg.Header}, bytes.NewReader(msg.Body))
	if err != nil && !decodable(err) {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	if err != nil {
		slog.Warn("message body not fully decoded", "error", err)
	}

	if err := walk(entity, result, 0); err != nil {
		return nil, fmt.Errorf("failed to parse multipart message: %w", err)
	}

	return result, nil
}

// walk collects the text bodies and attachments of e into result.
func walk(e *message.Entity, result *email.Email, depth int) error {
	mediaType, params := contentType(e.Header)

	if mr := e.MultipartReader(); mr != nil {
		if depth >= maxDepth {
			slog.Warn("multipart nesting too deep, skipping", "depth", depth)
			return nil
		}
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil && !decodable(err) {
				return fmt.Errorf("failed to read next part: %w", err)
			}
			if err != nil {
				slog.Warn("MIME part not fully decoded", "error", err)
			}
			if err := walk(part, result, depth+1); err != nil {
				if depth == 0 {
					return err
				}
				slog.Warn("failed to parse nested multipart", "error", err)
			}
		}
	}

	content, err := io.ReadAll(e.Body)
	if err != nil {
		if depth == 0 {
			return fmt.Errorf("failed to read message body: %w", err)
		}
		slog.Warn("failed to read part content",
			"content_type", mediaType,
			"error", err,
		)
		return nil
	}

	disposition, dispParams, _ := e.Header.ContentDisposition()
	if strings.EqualFold(disposition, "attachment") {
		result.Attachments = append(result.Attachments, email.Attachment{
			Filename:    filename(mediaType, params, dispParams),
			ContentType: mediaType,
			Content:     content,
		})
		return nil
	}

	switch mediaType {
	case "text/plain":
		if result.TextBody == "" {
			result.TextBody = string(content)
		}
	case "text/html":
		if result.HtmlBody == "" {
			result.HtmlBody = string(content)
		}
	default:
		if depth == 0 {
			slog.Warn("unrecognized top-level content type", "content_type", mediaType)
			result.TextBody = string(content)
			return nil
		}
		name := explicitFilename(params, dispParams)
		if name == "" {
			slog.Warn("unrecognized MIME part, skipping",
				"content_type", mediaType,
				"disposition", disposition,
			)
			return nil
		}
		result.Attachments = append(result.Attachments, email.Attachment{
			Filename:    name,
			ContentType: mediaType,
			Content:     content,
		})
	}
	return nil
}

// contentType returns the media type of h, text/plain when absent or
// unparseable.
func contentType(h message.Header) (string, map[string]string) {
	if !h.Has("Content-Type") {
		return "text/plain", nil
	}
	mediaType, params, err := h.ContentType()
	if err != nil {
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", h.Get("Content-Type"),
			"error", err,
		)
		return "text/plain", nil
	}
	return mediaType, params
}

// filename returns the attachment name, generating one from the media type
// when the part names none.
func filename(mediaType string, params, dispParams map[string]string) string {
	if name := explicitFilename(params, dispParams); name != "" {
		return name
	}
	if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}

func explicitFilename(params, dispParams map[string]string) string {
	if name := dispParams["filename"]; name != "" {
		return name
	}
	return params["name"]
}

func decodable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

func subject(msg *mime.Message) string {
	h := gomail.Header{Header: message.Header{Header: msg.Header}}
	s, err := h.Subject()
	if err != nil {
		return msg.Header.Get("Subject")
	}
	return s
}

func rawHeaders(msg *mime.Message) map[string][]string {
	headers := make(map[string][]string)
	fields := msg.Header.Fields()
	for fields.Next() {
		headers[fields.Key()] = append(headers[fields.Key()], fields.Value())
	}
	return headers
}

func nilIfEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}
