package email

import (
	"strings"
	"testing"

	"github.com/shineum/smtp-smime-proxy/internal/mime"
)

func TestSender_PrefersEnvelope(t *testing.T) {
	t.Parallel()

	e := &Email{From: "header@example.com", EnvelopeFrom: "bounce@example.com"}
	if got := e.Sender(); got != "bounce@example.com" {
		t.Errorf("Sender(): got %q, want %q", got, "bounce@example.com")
	}

	e.EnvelopeFrom = ""
	if got := e.Sender(); got != "header@example.com" {
		t.Errorf("Sender(): got %q, want %q", got, "header@example.com")
	}
}

func TestRecipients(t *testing.T) {
	t.Parallel()

	e := &Email{
		To:  []string{"to@example.com"},
		Cc:  []string{"cc@example.com"},
		Bcc: []string{"bcc@example.com"},
	}
	if got := strings.Join(e.Recipients(), ","); got != "to@example.com,cc@example.com,bcc@example.com" {
		t.Errorf("Recipients(): got %q", got)
	}

	e.EnvelopeTo = []string{"rcpt@example.com"}
	if got := strings.Join(e.Recipients(), ","); got != "rcpt@example.com" {
		t.Errorf("Recipients() with envelope: got %q", got)
	}
}

func TestMessage_ReturnsRaw(t *testing.T) {
	t.Parallel()

	raw, err := mime.Parse([]byte("From: a@x.edu\r\n\r\nbody\r\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e := &Email{From: "other@example.com", Raw: raw}
	got, err := e.Message()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != raw {
		t.Error("expected the raw message to be returned unchanged")
	}
}

func TestMessage_RendersAlternative(t *testing.T) {
	t.Parallel()

	e := &Email{
		From:     "a@x.edu",
		To:       []string{"b@example.com"},
		Subject:  "Rendered",
		TextBody: "plain",
		HtmlBody: "<p>html</p>",
	}

	msg, err := e.Message()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := msg.Header.Get("Subject"); got != "Rendered" {
		t.Errorf("Subject: got %q, want %q", got, "Rendered")
	}
	if from := msg.From(); len(from) != 1 || from[0] != "a@x.edu" {
		t.Errorf("From(): got %v", from)
	}
	mediaType, _, err := msg.MediaType()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mediaType != "multipart/alternative" {
		t.Errorf("media type: got %q, want %q", mediaType, "multipart/alternative")
	}
}

func TestMessage_InvalidFrom(t *testing.T) {
	t.Parallel()

	e := &Email{From: "not an address", TextBody: "x"}
	if _, err := e.Message(); err == nil {
		t.Error("expected error for invalid from address, got nil")
	}
}
