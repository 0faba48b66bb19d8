package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/graph-mail-relay/internal/email"
	"github.com/shineum/graph-mail-relay/internal/parser"
	"github.com/shineum/graph-mail-relay/internal/provider"
)

// Session states, in the order a client must reach them.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

const (
	idleTimeout = 60 * time.Second
	dataTimeout = 5 * time.Minute

	// DefaultMaxMessageSize applies when SessionConfig leaves it at zero.
	DefaultMaxMessageSize = 25 << 20

	maxRecipients = 100
)

// SessionConfig is what a session needs from its server.
type SessionConfig struct {
	Hostname       string
	Auth           *Authenticator
	Provider       provider.Provider
	Parser         *parser.Parser
	TLSConfig      *tls.Config
	MaxMessageSize int64
	Logger         *slog.Logger
}

// Session drives the SMTP state machine for one client connection.
type Session struct {
	cfg    SessionConfig
	raw    net.Conn
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	logger *slog.Logger

	state     int
	tlsActive bool
	user      string

	mailFrom string
	rcptTo   []string
}

// NewSession wraps conn. id is attached to every log line of the session.
func NewSession(conn net.Conn, id string, cfg SessionConfig) *Session {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.Auth == nil {
		cfg.Auth = NewAuthenticator("", "")
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Parser == nil {
		cfg.Parser = parser.New(cfg.Logger)
	}
	return &Session{
		cfg:    cfg,
		raw:    conn,
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		logger: cfg.Logger.With("session_id", id, "remote", conn.RemoteAddr().String()),
	}
}

// Handle serves commands until QUIT, a read error, or ctx is cancelled.
// On cancellation the client gets a 421 before the connection closes.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	// Unblock a pending read when the server shuts down.
	stop := context.AfterFunc(ctx, func() {
		_ = s.raw.SetReadDeadline(time.Now())
	})
	defer stop()

	s.reply(220, "%s ESMTP graph-mail-relay ready", s.cfg.Hostname)

	for {
		if ctx.Err() != nil {
			s.reply(421, "%s service shutting down", s.cfg.Hostname)
			return
		}
		if err := s.raw.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			s.logger.Error("failed to set connection deadline", "error", err)
			return
		}
		if ctx.Err() != nil {
			continue
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		cmd, arg := parseCommand(line)
		if s.dispatch(ctx, cmd, arg) {
			return
		}
	}
}

// dispatch runs one command and reports whether the session is over.
func (s *Session) dispatch(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleHello(cmd, arg)
	case "STARTTLS":
		return s.handleStartTLS()
	case "AUTH":
		s.handleAuth(arg)
	case "MAIL":
		s.handleMail(arg)
	case "RCPT":
		s.handleRcpt(arg)
	case "DATA":
		return s.handleData(ctx)
	case "RSET":
		s.resetTransaction()
		s.reply(250, "OK")
	case "NOOP":
		s.reply(250, "OK")
	case "VRFY":
		s.reply(252, "Cannot VRFY user, but will accept message")
	case "QUIT":
		s.reply(221, "Bye")
		return true
	default:
		s.reply(500, "Unrecognized command")
	}
	return false
}

func (s *Session) handleHello(cmd, arg string) {
	if arg == "" {
		s.reply(501, "Syntax: %s hostname", cmd)
		return
	}
	s.resetTransaction()
	if s.state < stateGreeted {
		s.state = stateGreeted
	}

	if cmd == "HELO" {
		s.reply(250, "%s Hello %s", s.cfg.Hostname, arg)
		return
	}

	lines := []string{fmt.Sprintf("%s Hello %s", s.cfg.Hostname, arg)}
	if s.cfg.TLSConfig != nil && !s.tlsActive {
		lines = append(lines, "STARTTLS")
	}
	if s.cfg.Auth.Enabled() {
		lines = append(lines, "AUTH PLAIN LOGIN")
	}
	lines = append(lines, fmt.Sprintf("SIZE %d", s.cfg.MaxMessageSize), "8BITMIME", "OK")
	s.replyMulti(250, lines)
}

// handleStartTLS upgrades the connection. A failed handshake ends the
// session since the stream state is unknown.
func (s *Session) handleStartTLS() bool {
	if s.cfg.TLSConfig == nil {
		s.reply(454, "TLS not available")
		return false
	}
	if s.tlsActive {
		s.reply(454, "TLS already active")
		return false
	}

	s.reply(220, "Ready to start TLS")
	tlsConn := tls.Server(s.conn, s.cfg.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.logger.Warn("TLS handshake failed", "error", err)
		return true
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	s.user = ""
	s.resetTransaction()
	return false
}

func (s *Session) handleAuth(arg string) {
	switch {
	case s.state < stateGreeted:
		s.reply(503, "Send EHLO/HELO first")
		return
	case !s.cfg.Auth.Enabled():
		s.reply(503, "AUTH not available")
		return
	case s.state >= stateAuthOK:
		s.reply(503, "Already authenticated")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")
	var (
		user string
		err  error
	)
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		if initial == "" {
			if initial, err = s.challenge(""); err != nil {
				return
			}
		}
		if initial == "*" {
			s.reply(501, "Authentication cancelled")
			return
		}
		user, err = s.cfg.Auth.VerifyPlain(initial)
	case "LOGIN":
		var encUser, encPass string
		if encUser, err = s.challenge("VXNlcm5hbWU6"); err != nil {
			return
		}
		if encUser == "*" {
			s.reply(501, "Authentication cancelled")
			return
		}
		if encPass, err = s.challenge("UGFzc3dvcmQ6"); err != nil {
			return
		}
		if encPass == "*" {
			s.reply(501, "Authentication cancelled")
			return
		}
		user, err = s.cfg.Auth.VerifyLogin(encUser, encPass)
	default:
		s.reply(504, "Unrecognized authentication type")
		return
	}

	if err != nil {
		s.logger.Warn("SMTP authentication failed", "user", user)
		s.reply(535, "Authentication failed")
		return
	}
	s.user = user
	s.state = stateAuthOK
	s.reply(235, "Authentication successful")
}

// challenge sends a 334 prompt and returns the client's response line.
func (s *Session) challenge(prompt string) (string, error) {
	if prompt == "" {
		s.writeLine("334 ")
	} else {
		s.writeLine("334 " + prompt)
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		s.logger.Debug("failed to read AUTH response", "error", err)
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *Session) handleMail(arg string) {
	if s.state < stateGreeted {
		s.reply(503, "Send EHLO/HELO first")
		return
	}
	if s.cfg.Auth.Enabled() && s.state < stateAuthOK {
		s.reply(530, "Authentication required")
		return
	}
	if s.state >= stateMailFrom {
		s.reply(503, "Nested MAIL command")
		return
	}
	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.reply(501, "Syntax: MAIL FROM:<address>")
		return
	}

	addr := extractAddress(arg[5:])
	if addr == "" {
		s.reply(501, "Syntax: MAIL FROM:<address>")
		return
	}
	if size := sizeParam(arg[5:]); size > s.cfg.MaxMessageSize {
		s.reply(552, "Message size exceeds fixed limit of %d bytes", s.cfg.MaxMessageSize)
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.reply(250, "OK")
}

func (s *Session) handleRcpt(arg string) {
	if s.state < stateMailFrom {
		s.reply(503, "Send MAIL FROM first")
		return
	}
	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.reply(501, "Syntax: RCPT TO:<address>")
		return
	}
	addr := extractAddress(arg[3:])
	if addr == "" {
		s.reply(501, "Syntax: RCPT TO:<address>")
		return
	}
	if len(s.rcptTo) >= maxRecipients {
		s.reply(452, "Too many recipients")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.reply(250, "OK")
}

// handleData reads the message body, parses it and hands it to the
// provider. Any delivery failure is reported as a temporary 451 so the
// submitting client retries.
func (s *Session) handleData(ctx context.Context) bool {
	if s.state < stateRcptTo {
		s.reply(503, "Send RCPT TO first")
		return false
	}
	s.reply(354, "Start mail input; end with <CRLF>.<CRLF>")

	if err := s.raw.SetDeadline(time.Now().Add(dataTimeout)); err != nil {
		s.logger.Error("failed to set connection deadline", "error", err)
		return true
	}

	dot := textproto.NewReader(s.reader).DotReader()
	raw, err := io.ReadAll(io.LimitReader(dot, s.cfg.MaxMessageSize+1))
	if err != nil {
		s.logger.Warn("error reading DATA", "error", err)
		return true
	}
	if int64(len(raw)) > s.cfg.MaxMessageSize {
		if _, err := io.Copy(io.Discard, dot); err != nil {
			return true
		}
		s.logger.Warn("message rejected: too large", "limit", s.cfg.MaxMessageSize)
		s.reply(552, "Message size exceeds fixed limit of %d bytes", s.cfg.MaxMessageSize)
		s.resetTransaction()
		return false
	}
	defer s.resetTransaction()

	msg, err := s.cfg.Parser.Parse(raw)
	if err != nil {
		s.logger.Warn("failed to parse message", "error", err)
		s.reply(554, "Message could not be parsed")
		return false
	}
	s.applyEnvelope(msg)

	logger := s.logger.With("provider", s.cfg.Provider.Name(), "recipients", len(msg.Recipients()))
	if s.user != "" {
		logger = logger.With("user", s.user)
	}
	if err := s.cfg.Provider.Send(ctx, msg); err != nil {
		logger.Error("delivery failed", "error", err)
		s.reply(451, "Temporary failure, please try again later")
		return false
	}

	logger.Info("message accepted", "message_id", msg.MessageID, "size", len(raw))
	s.reply(250, "OK message accepted")
	return false
}

// applyEnvelope fills gaps in the parsed headers from the SMTP envelope.
// Envelope recipients absent from every header list become Bcc.
func (s *Session) applyEnvelope(msg *email.Email) {
	if msg.From == "" {
		msg.From = s.mailFrom
	}
	headers := msg.Recipients()
	if len(headers) == 0 {
		msg.To = slices.Clone(s.rcptTo)
		return
	}
	for _, rcpt := range s.rcptTo {
		if !slices.ContainsFunc(headers, func(h string) bool { return strings.EqualFold(h, rcpt) }) {
			msg.Bcc = append(msg.Bcc, rcpt)
		}
	}
}

// resetTransaction clears the envelope but keeps greeting and auth state.
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

func (s *Session) reply(code int, format string, args ...any) {
	s.writeLine(strconv.Itoa(code) + " " + fmt.Sprintf(format, args...))
}

func (s *Session) replyMulti(code int, lines []string) {
	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		if _, err := s.writer.WriteString(strconv.Itoa(code) + sep + l + "\r\n"); err != nil {
			s.logger.Debug("failed to write to client", "error", err)
			return
		}
	}
	if err := s.writer.Flush(); err != nil {
		s.logger.Debug("failed to flush to client", "error", err)
	}
}

func (s *Session) writeLine(line string) {
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		s.logger.Debug("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.logger.Debug("failed to flush to client", "error", err)
	}
}

// parseCommand splits a command line into its upper-cased verb and argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), arg
}

// extractAddress returns the address from "<addr> PARAMS" or a bare "addr".
func extractAddress(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}
	addr, _, _ := strings.Cut(s, " ")
	return addr
}

// sizeParam returns the SIZE= ESMTP parameter of a MAIL FROM argument, or 0.
func sizeParam(s string) int64 {
	for _, f := range strings.Fields(s) {
		if k, v, ok := strings.Cut(f, "="); ok && strings.EqualFold(k, "SIZE") {
			n, err := strconv.ParseInt(v, 10, 64)
			if err == nil {
				return n
			}
		}
	}
	return 0
}
