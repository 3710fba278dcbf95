package stdout

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shineum/smtp-smime-proxy/internal/email"
	"github.com/shineum/smtp-smime-proxy/internal/mime"
)

func TestSend_Summary(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	msg := &email.Email{
		From:     "alice@x.edu",
		To:       []string{"bob@example.com", "carol@example.com"},
		Cc:       []string{"dave@example.com"},
		Subject:  "Grades",
		TextBody: "Posted.",
	}
	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()
	for _, want := range []string{
		"From: alice@x.edu\n",
		"To: bob@example.com, carol@example.com\n",
		"Cc: dave@example.com\n",
		"Subject: Grades\n",
		"Signed: no\n",
		"Body:\nPosted.\n",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
	if !strings.HasPrefix(output, separator) || !strings.HasSuffix(output, separator) {
		t.Error("output should be framed by separator lines")
	}
	if strings.Contains(output, "Attachments:") {
		t.Error("output should not list attachments when there are none")
	}
}

func TestSend_HTMLAndAttachments(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	msg := &email.Email{
		From:     "alice@x.edu",
		To:       []string{"bob@example.com"},
		Subject:  "Slides",
		HtmlBody: "<p>attached</p>",
		Attachments: []email.Attachment{
			{Filename: "deck.pdf", ContentType: "application/pdf", Content: make([]byte, 2*1024*1024)},
			{Filename: "notes.txt", ContentType: "text/plain", Content: make([]byte, 10)},
		},
	}
	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "<p>attached</p>") {
		t.Error("output should fall back to the HTML body")
	}
	if !strings.Contains(output, "Attachments: deck.pdf (2.0 MB), notes.txt (10 B)") {
		t.Errorf("unexpected attachment line:\n%s", output)
	}
}

func TestSend_SignedPrintsMIME(t *testing.T) {
	t.Parallel()

	raw, err := mime.Parse([]byte("From: alice@x.edu\r\n" +
		"Content-Type: multipart/signed; boundary=b; micalg=sha-256; protocol=\"application/pkcs7-signature\"\r\n" +
		"\r\n--b\r\nbody\r\n--b--\r\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var buf bytes.Buffer
	msg := &email.Email{From: "alice@x.edu", TextBody: "body", Raw: raw, Signed: true}
	if err := NewWithWriter(&buf).Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "Signed: yes\n") {
		t.Error("output should report the message as signed")
	}
	if !strings.Contains(output, "Content-Type: multipart/signed;") {
		t.Error("output should contain the signed MIME form")
	}
	if strings.Contains(output, "Body:") {
		t.Error("signed output should not print the summary body")
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed pipe") }

func TestSend_WriteError(t *testing.T) {
	t.Parallel()

	err := NewWithWriter(failingWriter{}).Send(context.Background(), &email.Email{From: "a@x.edu"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestName(t *testing.T) {
	t.Parallel()

	if got := New().Name(); got != "stdout" {
		t.Errorf("Name: got %q, want %q", got, "stdout")
	}
}

func TestFormatSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		bytes int
		want  string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{46080, "45.0 KB"},
		{1258291, "1.2 MB"},
	}
	for _, tt := range tests {
		if got := formatSize(tt.bytes); got != tt.want {
			t.Errorf("formatSize(%d): got %q, want %q", tt.bytes, got, tt.want)
		}
	}
}
