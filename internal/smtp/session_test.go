package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shineum/graph-mail-relay/internal/email"
	"github.com/shineum/graph-mail-relay/internal/provider"
	relaytls "github.com/shineum/graph-mail-relay/internal/tls"
)

// mockProvider records what the session hands over.
type mockProvider struct {
	mu      sync.Mutex
	msgs    []*email.Email
	sendErr error
}

func (m *mockProvider) Send(_ context.Context, msg *email.Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return m.sendErr
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) sent() []*email.Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*email.Email(nil), m.msgs...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// client is the test side of a session.
type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (c *client) send(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		c.t.Fatalf("write %q: %v", line, err)
	}
}

func (c *client) line() string {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	l, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return strings.TrimRight(l, "\r\n")
}

// reply reads a possibly multi-line reply and returns every line.
func (c *client) reply() []string {
	c.t.Helper()
	var lines []string
	for {
		l := c.line()
		lines = append(lines, l)
		if len(l) < 4 || l[3] != '-' {
			return lines
		}
	}
}

// expect sends cmd and asserts the reply code of the final line.
func (c *client) expect(cmd, code string) []string {
	c.t.Helper()
	c.send(cmd)
	lines := c.reply()
	if last := lines[len(lines)-1]; !strings.HasPrefix(last, code+" ") {
		c.t.Fatalf("%s: got %q, want %s", cmd, last, code)
	}
	return lines
}

func startSession(t *testing.T, ctx context.Context, cfg SessionConfig) *client {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })

	if cfg.Hostname == "" {
		cfg.Hostname = "mail.test.com"
	}
	cfg.Logger = quietLogger()
	go NewSession(serverConn, "test-session", cfg).Handle(ctx)

	c := &client{t: t, conn: clientConn, r: bufio.NewReader(clientConn)}
	if greeting := c.line(); !strings.HasPrefix(greeting, "220 mail.test.com") {
		t.Fatalf("greeting: got %q", greeting)
	}
	return c
}

func TestSession_EHLOCapabilities(t *testing.T) {
	t.Parallel()

	tlsCfg, err := relaytls.Load("", "", "mail.test.com")
	if err != nil {
		t.Fatalf("tls: %v", err)
	}
	c := startSession(t, context.Background(), SessionConfig{
		Auth:           NewAuthenticator("user", "pass"),
		Provider:       &mockProvider{},
		TLSConfig:      tlsCfg,
		MaxMessageSize: 1024,
	})

	caps := strings.Join(c.expect("EHLO client.test.com", "250"), "\n")
	for _, want := range []string{"250-mail.test.com Hello client.test.com", "250-STARTTLS", "250-AUTH PLAIN LOGIN", "250-SIZE 1024", "250 OK"} {
		if !strings.Contains(caps, want) {
			t.Errorf("EHLO reply missing %q:\n%s", want, caps)
		}
	}
}

func TestSession_BasicCommands(t *testing.T) {
	t.Parallel()

	c := startSession(t, context.Background(), SessionConfig{Provider: &mockProvider{}})

	c.expect("EHLO", "501")
	c.expect("HELO client.test.com", "250")
	c.expect("NOOP", "250")
	c.expect("VRFY someone", "252")
	c.expect("INVALID", "500")
	c.expect("STARTTLS", "454")
	c.expect("AUTH PLAIN dGVzdA==", "503")
	c.expect("QUIT", "221")
}

func TestSession_StateOrder(t *testing.T) {
	t.Parallel()

	c := startSession(t, context.Background(), SessionConfig{
		Auth:     NewAuthenticator("user", "pass"),
		Provider: &mockProvider{},
	})

	c.expect("MAIL FROM:<sender@example.com>", "503")
	c.expect("AUTH PLAIN dGVzdA==", "503")
	c.expect("EHLO client.test.com", "250")
	c.expect("MAIL FROM:<sender@example.com>", "530")
	c.expect("RCPT TO:<recipient@example.com>", "503")
	c.expect("DATA", "503")
}

func TestSession_MailTransaction(t *testing.T) {
	t.Parallel()

	prov := &mockProvider{}
	c := startSession(t, context.Background(), SessionConfig{Provider: prov})

	c.expect("EHLO client.test.com", "250")
	c.expect("MAIL FROM:<sender@example.com>", "250")
	c.expect("MAIL FROM:<again@example.com>", "503")
	c.expect("RCPT TO:<recipient@example.com>", "250")
	c.expect("RCPT TO:<hidden@example.com>", "250")
	c.expect("DATA", "354")
	c.send("From: sender@example.com")
	c.send("To: recipient@example.com")
	c.send("Subject: Test Email")
	c.send("")
	c.send("Hello")
	c.send("..leading dot")
	c.expect(".", "250")

	sent := prov.sent()
	if len(sent) != 1 {
		t.Fatalf("provider calls: got %d, want 1", len(sent))
	}
	msg := sent[0]
	if msg.Subject != "Test Email" {
		t.Errorf("Subject: got %q", msg.Subject)
	}
	if !strings.Contains(msg.TextBody, "\n.leading dot") {
		t.Errorf("dot-stuffing not undone: %q", msg.TextBody)
	}
	if len(msg.Bcc) != 1 || msg.Bcc[0] != "hidden@example.com" {
		t.Errorf("envelope-only recipient should become Bcc, got %v", msg.Bcc)
	}

	// The transaction is reset after DATA.
	c.expect("RCPT TO:<recipient@example.com>", "503")
}

func TestSession_EnvelopeFillsMissingHeaders(t *testing.T) {
	t.Parallel()

	prov := &mockProvider{}
	c := startSession(t, context.Background(), SessionConfig{Provider: prov})

	c.expect("HELO client.test.com", "250")
	c.expect("MAIL FROM:<sender@example.com>", "250")
	c.expect("RCPT TO:<a@example.com>", "250")
	c.expect("RCPT TO:<b@example.com>", "250")
	c.expect("DATA", "354")
	c.send("Subject: bare")
	c.send("")
	c.send("body")
	c.expect(".", "250")

	msg := prov.sent()[0]
	if msg.From != "sender@example.com" {
		t.Errorf("From: got %q", msg.From)
	}
	if strings.Join(msg.To, ",") != "a@example.com,b@example.com" {
		t.Errorf("To: got %v", msg.To)
	}
	if len(msg.Bcc) != 0 {
		t.Errorf("Bcc: got %v", msg.Bcc)
	}
}

func TestSession_DeliveryFailureIsTemporary(t *testing.T) {
	t.Parallel()

	prov := &mockProvider{sendErr: provider.ErrDeliveryFailed}
	c := startSession(t, context.Background(), SessionConfig{Provider: prov})

	c.expect("EHLO client.test.com", "250")
	c.expect("MAIL FROM:<sender@example.com>", "250")
	c.expect("RCPT TO:<recipient@example.com>", "250")
	c.expect("DATA", "354")
	c.send("Subject: x")
	c.send("")
	c.send("body")
	c.expect(".", "451")

	// The session survives a failed delivery.
	c.expect("NOOP", "250")
}

func TestSession_MessageTooLarge(t *testing.T) {
	t.Parallel()

	prov := &mockProvider{}
	c := startSession(t, context.Background(), SessionConfig{Provider: prov, MaxMessageSize: 64})

	c.expect("EHLO client.test.com", "250")
	c.expect("MAIL FROM:<sender@example.com> SIZE=100", "552")
	c.expect("MAIL FROM:<sender@example.com> SIZE=10", "250")
	c.expect("RCPT TO:<recipient@example.com>", "250")
	c.expect("DATA", "354")
	c.send("Subject: big")
	c.send("")
	c.send(strings.Repeat("x", 200))
	c.expect(".", "552")

	if n := len(prov.sent()); n != 0 {
		t.Errorf("provider calls: got %d, want 0", n)
	}
	c.expect("NOOP", "250")
}

func TestSession_AuthPlainAndLogin(t *testing.T) {
	t.Parallel()

	t.Run("plain inline", func(t *testing.T) {
		t.Parallel()
		c := startSession(t, context.Background(), SessionConfig{Auth: NewAuthenticator("user", "pass"), Provider: &mockProvider{}})
		c.expect("EHLO client.test.com", "250")
		c.expect("AUTH PLAIN "+b64("\x00user\x00wrong"), "535")
		c.expect("AUTH PLAIN "+b64("\x00user\x00pass"), "235")
		c.expect("AUTH PLAIN "+b64("\x00user\x00pass"), "503")
		c.expect("MAIL FROM:<sender@example.com>", "250")
	})

	t.Run("plain challenge", func(t *testing.T) {
		t.Parallel()
		c := startSession(t, context.Background(), SessionConfig{Auth: NewAuthenticator("user", "pass"), Provider: &mockProvider{}})
		c.expect("EHLO client.test.com", "250")
		c.expect("AUTH PLAIN", "334")
		c.expect(b64("\x00user\x00pass"), "235")
	})

	t.Run("login", func(t *testing.T) {
		t.Parallel()
		c := startSession(t, context.Background(), SessionConfig{Auth: NewAuthenticator("user", "pass"), Provider: &mockProvider{}})
		c.expect("EHLO client.test.com", "250")
		if l := c.expect("AUTH LOGIN", "334"); l[0] != "334 VXNlcm5hbWU6" {
			t.Errorf("username prompt: got %q", l[0])
		}
		c.expect(b64("user"), "334")
		c.expect(b64("pass"), "235")
	})

	t.Run("cancelled", func(t *testing.T) {
		t.Parallel()
		c := startSession(t, context.Background(), SessionConfig{Auth: NewAuthenticator("user", "pass"), Provider: &mockProvider{}})
		c.expect("EHLO client.test.com", "250")
		c.expect("AUTH LOGIN", "334")
		c.expect("*", "501")
		c.expect("AUTH CRAM-MD5", "504")
	})
}

func TestSession_STARTTLS(t *testing.T) {
	t.Parallel()

	tlsCfg, err := relaytls.Load("", "", "mail.test.com")
	if err != nil {
		t.Fatalf("tls: %v", err)
	}
	c := startSession(t, context.Background(), SessionConfig{Provider: &mockProvider{}, TLSConfig: tlsCfg})

	c.expect("EHLO client.test.com", "250")
	c.expect("STARTTLS", "220")

	tlsConn := tls.Client(c.conn, &tls.Config{ServerName: "mail.test.com", InsecureSkipVerify: true})
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	c.conn = tlsConn
	c.r = bufio.NewReader(tlsConn)

	caps := strings.Join(c.expect("EHLO client.test.com", "250"), "\n")
	if strings.Contains(caps, "STARTTLS") {
		t.Errorf("STARTTLS must not be offered twice:\n%s", caps)
	}
	c.expect("STARTTLS", "454")
}

func TestSession_ShutdownSends421(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	c := startSession(t, ctx, SessionConfig{Provider: &mockProvider{}})
	c.expect("EHLO client.test.com", "250")

	cancel()
	if l := c.line(); !strings.HasPrefix(l, "421 ") {
		t.Errorf("after shutdown: got %q, want 421", l)
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct{ input, cmd, arg string }{
		{"EHLO client.test.com", "EHLO", "client.test.com"},
		{"MAIL FROM:<user@example.com>", "MAIL", "FROM:<user@example.com>"},
		{"DATA", "DATA", ""},
		{"ehlo client.test.com", "EHLO", "client.test.com"},
		{"AUTH PLAIN dGVzdA==", "AUTH", "PLAIN dGVzdA=="},
	}
	for _, tt := range tests {
		cmd, arg := parseCommand(tt.input)
		if cmd != tt.cmd || arg != tt.arg {
			t.Errorf("parseCommand(%q): got (%q, %q), want (%q, %q)", tt.input, cmd, arg, tt.cmd, tt.arg)
		}
	}
}

func TestExtractAddressAndSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		addr  string
		size  int64
	}{
		{"<user@example.com>", "user@example.com", 0},
		{"  <user@example.com>  ", "user@example.com", 0},
		{"user@example.com", "user@example.com", 0},
		{"<user@example.com> SIZE=2048 BODY=8BITMIME", "user@example.com", 2048},
		{"user@example.com size=10", "user@example.com", 10},
		{"<>", "", 0},
		{"", "", 0},
	}
	for _, tt := range tests {
		if got := extractAddress(tt.input); got != tt.addr {
			t.Errorf("extractAddress(%q): got %q, want %q", tt.input, got, tt.addr)
		}
		if got := sizeParam(tt.input); got != tt.size {
			t.Errorf("sizeParam(%q): got %d, want %d", tt.input, got, tt.size)
		}
	}
}
