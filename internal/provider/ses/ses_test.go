package ses

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"

	"github.com/shineum/smtp-smime-proxy/internal/email"
	"github.com/shineum/smtp-smime-proxy/internal/mime"
	"github.com/shineum/smtp-smime-proxy/internal/provider"
)

var _ provider.Provider = (*SESProvider)(nil)

// mockSESClient implements SendEmailAPI for testing.
type mockSESClient struct {
	sendFn    func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	callCount int
	lastInput *sesv2.SendEmailInput
}

func (m *mockSESClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.callCount++
	m.lastInput = params
	if m.sendFn != nil {
		return m.sendFn(ctx, params, optFns...)
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("test-message-id")}, nil
}

func newTestProvider(client SendEmailAPI) *SESProvider {
	p := NewWithClient("sender@example.com", client)
	p.retryDelay = time.Millisecond
	return p
}

func TestName(t *testing.T) {
	t.Parallel()
	p := NewWithClient("sender@example.com", &mockSESClient{})
	if got := p.Name(); got != "ses" {
		t.Errorf("Name(): got %q, want %q", got, "ses")
	}
}

func TestSend_SimpleEmail(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := newTestProvider(mock)

	msg := &email.Email{
		From:     "alice@x.edu",
		To:       []string{"to1@example.com", "to2@example.com"},
		Cc:       []string{"cc@example.com"},
		Bcc:      []string{"bcc@example.com"},
		Subject:  "Test Subject",
		TextBody: "Hello, World!",
		HtmlBody: "<h1>Hello</h1>",
	}
	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	input := mock.lastInput
	if input.Content.Simple == nil {
		t.Fatal("expected simple email content, got nil")
	}
	if got := *input.FromEmailAddress; got != "sender@example.com" {
		t.Errorf("FromEmailAddress: got %q, want %q", got, "sender@example.com")
	}
	if got := *input.Content.Simple.Subject.Data; got != "Test Subject" {
		t.Errorf("Subject: got %q, want %q", got, "Test Subject")
	}
	if got := *input.Content.Simple.Body.Text.Data; got != "Hello, World!" {
		t.Errorf("TextBody: got %q, want %q", got, "Hello, World!")
	}
	if got := *input.Content.Simple.Body.Html.Charset; got != "UTF-8" {
		t.Errorf("HTML charset: got %q, want %q", got, "UTF-8")
	}

	dest := input.Destination
	if len(dest.ToAddresses) != 2 || len(dest.CcAddresses) != 1 || len(dest.BccAddresses) != 1 {
		t.Errorf("destination: got to=%v cc=%v bcc=%v", dest.ToAddresses, dest.CcAddresses, dest.BccAddresses)
	}
}

func TestSend_SignedUsesRaw(t *testing.T) {
	t.Parallel()

	const signed = "From: alice@x.edu\r\n" +
		"To: bob@example.com\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/signed; boundary=b; micalg=sha-256; protocol=\"application/pkcs7-signature\"\r\n" +
		"\r\n" +
		"--b\r\nContent-Type: text/plain\r\n\r\nhi\r\n--b\r\nContent-Type: application/pkcs7-signature\r\n\r\nAAAA\r\n--b--\r\n"

	raw, err := mime.Parse([]byte(signed))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mock := &mockSESClient{}
	p := newTestProvider(mock)

	msg := &email.Email{
		From:       "alice@x.edu",
		To:         []string{"bob@example.com"},
		EnvelopeTo: []string{"bob@example.com", "hidden@example.com"},
		TextBody:   "hi",
		Raw:        raw,
		Signed:     true,
	}
	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	input := mock.lastInput
	if input.Content.Raw == nil || input.Content.Simple != nil {
		t.Fatal("expected raw content for a signed message")
	}
	if got := string(input.Content.Raw.Data); got != signed {
		t.Errorf("raw data changed:\ngot  %q\nwant %q", got, signed)
	}
	if got := input.Destination.ToAddresses; len(got) != 2 || got[1] != "hidden@example.com" {
		t.Errorf("destination: got %v", got)
	}
}

func TestSend_AttachmentsRendered(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := newTestProvider(mock)

	msg := &email.Email{
		From:     "alice@x.edu",
		To:       []string{"to@example.com"},
		Subject:  "With Attachment",
		TextBody: "See attachment",
		Attachments: []email.Attachment{
			{Filename: "doc.pdf", ContentType: "application/pdf", Content: []byte("pdf content")},
		},
	}
	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	input := mock.lastInput
	if input.Content.Raw == nil {
		t.Fatal("expected raw email content for attachment, got nil")
	}

	rawStr := string(input.Content.Raw.Data)
	for _, want := range []string{
		"From: <alice@x.edu>",
		"To: <to@example.com>",
		"Subject: With Attachment",
		"multipart/mixed",
		"application/pdf",
		"doc.pdf",
		"Content-Transfer-Encoding: base64",
	} {
		if !strings.Contains(rawStr, want) {
			t.Errorf("raw message missing %q", want)
		}
	}
}

func TestSend_RetryOnError(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	mock.sendFn = func(context.Context, *sesv2.SendEmailInput, ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
		if mock.callCount <= 2 {
			return nil, errors.New("transient error")
		}
		return &sesv2.SendEmailOutput{MessageId: aws.String("ok")}, nil
	}
	p := newTestProvider(mock)

	msg := &email.Email{From: "alice@x.edu", To: []string{"to@example.com"}, TextBody: "Hello"}
	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("expected success after retry, got: %v", err)
	}
	if mock.callCount != 3 {
		t.Errorf("call count: got %d, want 3", mock.callCount)
	}
}

func TestSend_AllRetriesExhausted(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(context.Context, *sesv2.SendEmailInput, ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("persistent error")
		},
	}
	p := newTestProvider(mock)

	err := p.Send(context.Background(), &email.Email{From: "alice@x.edu", TextBody: "Hello"})
	if err == nil {
		t.Fatal("expected error after all retries exhausted")
	}
	if !strings.Contains(err.Error(), "after 3 retries") {
		t.Errorf("error message: got %q, want to contain 'after 3 retries'", err.Error())
	}
	if mock.callCount != maxRetries+1 {
		t.Errorf("call count: got %d, want %d", mock.callCount, maxRetries+1)
	}
}

func TestSend_ContextCancelled(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(context.Context, *sesv2.SendEmailInput, ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("error")
		},
	}
	p := NewWithClient("sender@example.com", mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := p.Send(ctx, &email.Email{From: "alice@x.edu", TextBody: "Hello"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestSend_RenderError(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := newTestProvider(mock)

	msg := &email.Email{
		From:        "not an address",
		Attachments: []email.Attachment{{Filename: "a.txt", ContentType: "text/plain", Content: []byte("x")}},
	}
	if err := p.Send(context.Background(), msg); err == nil {
		t.Fatal("expected error for an unrenderable message")
	}
	if mock.callCount != 0 {
		t.Errorf("call count: got %d, want 0", mock.callCount)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	p := NewWithClient("sender@example.com", &mockSESClient{})
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
	}
	for _, tt := range tests {
		if got := p.backoffDelay(tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(%d): got %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
