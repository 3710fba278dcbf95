package smtp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/smtp-smime-proxy/internal/parser"
	"github.com/shineum/smtp-smime-proxy/internal/provider"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// DefaultMaxMessageSize is used when SessionConfig.MaxMessageSize is zero.
const DefaultMaxMessageSize = 25 * 1024 * 1024

// maxRecipients bounds RCPT TO per transaction (RFC 5321 section 4.5.3.1.8).
const maxRecipients = 100

var errMessageTooLarge = errors.New("message exceeds maximum size")

// SessionConfig holds what a session needs besides its connection.
type SessionConfig struct {
	Auth     *Authenticator
	Provider provider.Provider
	Hostname string

	// TLSConfig enables STARTTLS. Nil disables it.
	TLSConfig *tls.Config

	MaxMessageSize int64
}

// Session is a single SMTP client connection.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int
	cfg    SessionConfig

	tlsActive bool

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a new SMTP session for conn.
func NewSession(conn net.Conn, cfg SessionConfig) *Session {
	if cfg.Auth == nil {
		cfg.Auth = NewAuthenticator("", "")
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	return &Session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		state:  stateConnected,
		cfg:    cfg,
	}
}

// Handle runs the session until the client quits, the connection fails or
// ctx is cancelled.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP smtp-smime-proxy", s.cfg.Hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			slog.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if done := s.handleCommand(ctx, cmd, arg); done {
			return
		}
	}
}

// handleCommand dispatches one command and reports whether the session ends.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		return s.handleDATA(ctx)
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	// A new greeting aborts any open transaction and keeps a completed AUTH.
	s.resetTransaction()
	if s.state < stateGreeted {
		s.state = stateGreeted
	}

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.cfg.Hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.cfg.Hostname, arg)
	if s.cfg.TLSConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.cfg.Auth.Enabled() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250-SIZE %d", s.cfg.MaxMessageSize)
	s.writeLine("250 OK")
}

func (s *Session) handleSTARTTLS() {
	if s.cfg.TLSConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.cfg.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Error("TLS handshake failed", "error", err)
		return
	}

	// RFC 3207: the client must greet again and nothing learned before the
	// handshake survives it.
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	s.mailFrom = ""
	s.rcptTo = nil
}

func (s *Session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.cfg.Auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}
	if s.state >= stateAuthOK {
		s.writeLine("503 Already authenticated")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")

	var err error
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		err = s.authPlain(initial)
	case "LOGIN":
		err = s.authLogin()
	default:
		s.writeLine("504 Unrecognized authentication type")
		return
	}

	switch {
	case err == nil:
		s.state = stateAuthOK
		s.writeLine("235 Authentication successful")
	case errors.Is(err, errAuthCancelled):
		s.writeLine("501 Authentication cancelled")
	case errors.Is(err, ErrAuthFailed), errors.Is(err, ErrMalformedAuth):
		slog.Warn("SMTP authentication failed", "remote", s.conn.RemoteAddr().String())
		s.writeLine("535 Authentication failed")
	default:
		slog.Error("failed to read AUTH response", "error", err)
	}
}

var errAuthCancelled = errors.New("authentication cancelled")

// authPlain handles AUTH PLAIN with the credentials inline or after a 334
// challenge.
func (s *Session) authPlain(initial string) error {
	encoded := initial
	if encoded == "" {
		var err error
		if encoded, err = s.challenge(""); err != nil {
			return err
		}
	}
	if encoded == "*" {
		return errAuthCancelled
	}
	return s.cfg.Auth.VerifyPlain(encoded)
}

// authLogin handles the two-step AUTH LOGIN exchange.
func (s *Session) authLogin() error {
	user, err := s.challenge("VXNlcm5hbWU6") // "Username:"
	if err != nil {
		return err
	}
	if user == "*" {
		return errAuthCancelled
	}
	pass, err := s.challenge("UGFzc3dvcmQ6") // "Password:"
	if err != nil {
		return err
	}
	if pass == "*" {
		return errAuthCancelled
	}
	return s.cfg.Auth.VerifyLogin(user, pass)
}

// challenge sends a 334 continuation and returns the client's answer.
func (s *Session) challenge(prompt string) (string, error) {
	if prompt == "" {
		s.writeLine("334 ")
	} else {
		s.writeLine("334 %s", prompt)
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.cfg.Auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 Authentication required")
		return
	}
	if s.state >= stateMailFrom {
		s.writeLine("503 Nested MAIL command")
		return
	}

	if len(arg) < 5 || !strings.EqualFold(arg[:5], "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	addr, params := splitPath(arg[5:])
	if addr == "" && !strings.Contains(arg, "<>") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}
	if size, ok := declaredSize(params); ok && size > s.cfg.MaxMessageSize {
		s.writeLine("552 Message size exceeds fixed maximum message size")
		return
	}

	// An empty reverse path is a bounce and is accepted.
	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	if len(arg) < 3 || !strings.EqualFold(arg[:3], "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr, _ := splitPath(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}
	if len(s.rcptTo) >= maxRecipients {
		s.writeLine("452 Too many recipients")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA reads the message, parses it and hands it to the provider.
// It reports whether the connection has to be closed.
func (s *Session) handleDATA(ctx context.Context) bool {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return false
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	raw, err := s.readData()
	switch {
	case errors.Is(err, errMessageTooLarge):
		s.writeLine("552 Message size exceeds fixed maximum message size")
		s.resetTransaction()
		return false
	case err != nil:
		slog.Error("error reading DATA", "error", err)
		return true
	}

	msg, err := parser.Parse(raw)
	if err != nil {
		slog.Error("failed to parse message", "error", err)
		s.writeLine("550 Failed to process message")
		s.resetTransaction()
		return false
	}
	msg.EnvelopeFrom = s.mailFrom
	msg.EnvelopeTo = s.rcptTo

	if err := s.cfg.Provider.Send(ctx, msg); err != nil {
		slog.Error("provider send failed",
			"provider", s.cfg.Provider.Name(),
			"error", err,
		)
		s.writeLine("451 Temporary failure, please try again later")
		s.resetTransaction()
		return false
	}

	slog.Info("message accepted",
		"provider", s.cfg.Provider.Name(),
		"recipients", len(s.rcptTo),
		"size", len(raw),
	)
	s.writeLine("250 OK message queued")
	s.resetTransaction()
	return false
}

// readData reads dot-stuffed lines up to the terminating ".". Lines keep
// their original endings. When the message grows past the size limit the
// rest is drained and errMessageTooLarge returned.
func (s *Session) readData() ([]byte, error) {
	var buf bytes.Buffer
	tooLarge := false

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}

		if tooLarge {
			continue
		}
		if int64(buf.Len()+len(line)) > s.cfg.MaxMessageSize {
			tooLarge = true
			buf.Reset()
			continue
		}
		buf.WriteString(line)
	}

	if tooLarge {
		return nil, errMessageTooLarge
	}
	return buf.Bytes(), nil
}

// resetTransaction clears the mail transaction and keeps greeting and auth.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	switch {
	case s.state >= stateAuthOK && s.cfg.Auth.Enabled():
		s.state = stateAuthOK
	case s.state >= stateGreeted:
		s.state = stateGreeted
	}
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		slog.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Error("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), arg
}

// splitPath separates the address of a MAIL or RCPT argument from its ESMTP
// parameters. Both "<user@example.com> SIZE=10" and bare addresses are
// accepted.
func splitPath(s string) (string, []string) {
	s = strings.TrimSpace(s)

	var addr, rest string
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", nil
		}
		addr, rest = s[1:end], s[end+1:]
	} else {
		addr, rest, _ = strings.Cut(s, " ")
	}
	return addr, strings.Fields(rest)
}

// declaredSize returns the SIZE parameter of MAIL FROM (RFC 1870).
func declaredSize(params []string) (int64, bool) {
	for _, p := range params {
		key, value, ok := strings.Cut(p, "=")
		if !ok || !strings.EqualFold(key, "SIZE") {
			continue
		}
		size, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, false
		}
		return size, true
	}
	return 0, false
}
