// Package relay implements a Provider that hands messages to an upstream SMTP
// server, either over plain SMTP with optional STARTTLS or over implicit TLS.
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"os"
	"strconv"
	"time"

	"github.com/wneessen/go-mail/log"
	"github.com/wneessen/go-mail/smtp"

	"github.com/shineum/smtp-smime-proxy/internal/email"
	smtptls "github.com/shineum/smtp-smime-proxy/internal/tls"
)

// Connection security modes.
const (
	SecurityNone     = "none"
	SecurityStartTLS = "starttls"
	SecurityTLS      = "tls"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// defaultTimeout bounds a single delivery attempt.
const defaultTimeout = 30 * time.Second

// Config holds the upstream relay settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	// Security is one of SecurityNone, SecurityStartTLS or SecurityTLS.
	// Empty means SecurityStartTLS.
	Security string

	// HELO is the name announced in EHLO. Defaults to "localhost".
	HELO string

	InsecureSkipVerify bool
	Timeout            time.Duration

	// Debug enables the SMTP protocol log, written as JSON to DebugOutput
	// (stderr when nil).
	Debug       bool
	DebugOutput io.Writer
}

// Provider delivers messages to an upstream SMTP relay. It opens one
// connection per message.
type Provider struct {
	cfg        Config
	addr       string
	tlsConfig  *tls.Config
	retryDelay time.Duration
}

// New validates cfg and creates a relay Provider.
func New(cfg Config) (*Provider, error) {
	if cfg.Host == "" {
		return nil, errors.New("relay host is required")
	}
	if cfg.Security == "" {
		cfg.Security = SecurityStartTLS
	}
	switch cfg.Security {
	case SecurityNone, SecurityStartTLS, SecurityTLS:
	default:
		return nil, fmt.Errorf("unknown relay security %q", cfg.Security)
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort(cfg.Security)
	}
	if cfg.HELO == "" {
		cfg.HELO = "localhost"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.DebugOutput == nil {
		cfg.DebugOutput = os.Stderr
	}

	return &Provider{
		cfg:        cfg,
		addr:       net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		tlsConfig:  smtptls.ClientConfig(cfg.Host, cfg.InsecureSkipVerify),
		retryDelay: baseRetryDelay,
	}, nil
}

func defaultPort(security string) int {
	switch security {
	case SecurityTLS:
		return 465
	case SecurityStartTLS:
		return 587
	default:
		return 25
	}
}

// Send delivers msg to the relay. The MIME form of the message is written
// unchanged, so a signed message reaches the relay byte for byte.
// 4xx replies and connection failures are retried with exponential backoff;
// 5xx replies are returned immediately.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	raw, err := msg.Message()
	if err != nil {
		return fmt.Errorf("failed to render MIME message: %w", err)
	}
	data := raw.Bytes()

	from := msg.Sender()
	recipients := msg.Recipients()
	if len(recipients) == 0 {
		return errors.New("message has no recipients")
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := p.backoffDelay(attempt - 1)
			slog.Info("retrying relay delivery",
				"attempt", attempt,
				"max_retries", maxRetries,
				"delay", delay,
			)
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		err := p.deliver(ctx, from, recipients, data)
		if err == nil {
			slog.Debug("message relayed",
				"relay", p.addr,
				"recipients", len(recipients),
				"signed", msg.Signed,
			)
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isTransient(err) {
			return err
		}
		slog.Warn("transient relay error", "relay", p.addr, "error", err)
	}

	return fmt.Errorf("relay delivery failed after %d retries: %w", maxRetries, lastErr)
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "relay"
}

// deliver runs one SMTP transaction.
func (p *Provider) deliver(ctx context.Context, from string, recipients []string, data []byte) error {
	conn, err := p.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", p.addr, err)
	}
	if err := conn.SetDeadline(time.Now().Add(p.cfg.Timeout)); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to set connection deadline: %w", err)
	}

	client, err := smtp.NewClient(conn, p.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to read relay greeting: %w", err)
	}
	defer client.Close()

	if p.cfg.Debug {
		client.SetLogger(log.NewJSON(p.cfg.DebugOutput, log.LevelDebug))
		client.SetDebugLog(true)
	}

	if err := client.Hello(p.cfg.HELO); err != nil {
		return fmt.Errorf("EHLO failed: %w", err)
	}

	if p.cfg.Security == SecurityStartTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return &permanentError{msg: "relay does not offer STARTTLS"}
		}
		if err := client.StartTLS(p.tlsConfig); err != nil {
			return fmt.Errorf("STARTTLS failed: %w", err)
		}
	}

	if p.cfg.Username != "" {
		auth := smtp.PlainAuth("", p.cfg.Username, p.cfg.Password, p.cfg.Host, false)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM rejected: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO <%s> rejected: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA rejected: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message rejected: %w", err)
	}

	if err := client.Quit(); err != nil {
		slog.Debug("relay QUIT failed", "error", err)
	}
	return nil
}

func (p *Provider) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: p.cfg.Timeout}
	if p.cfg.Security == SecurityTLS {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: p.tlsConfig}
		return tlsDialer.DialContext(ctx, "tcp", p.addr)
	}
	return dialer.DialContext(ctx, "tcp", p.addr)
}

// permanentError is a failure that retrying cannot fix.
type permanentError struct {
	msg string
}

func (e *permanentError) Error() string { return e.msg }

// isTransient reports whether err is worth another attempt: 4xx replies and
// network failures are, 5xx replies and configuration mismatches are not.
func isTransient(err error) bool {
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	var reply *textproto.Error
	if errors.As(err, &reply) {
		return reply.Code >= 400 && reply.Code < 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// backoffDelay doubles the retry delay for every attempt.
func (p *Provider) backoffDelay(attempt int) time.Duration {
	return p.retryDelay << attempt
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
