package parser

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shineum/graph-mail-relay/internal/email"
)

func parse(t *testing.T, lines ...string) *email.Email {
	t.Helper()
	p := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	msg, err := p.Parse([]byte(strings.Join(lines, "\r\n")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return msg
}

func TestParse_PlainText(t *testing.T) {
	t.Parallel()

	msg := parse(t,
		`From: "Billing" <billing@example.com>`,
		"To: recipient@example.com",
		"Reply-To: Support <support@example.com>",
		"Subject: Test Subject",
		"Date: Mon, 02 Jan 2006 15:04:05 +0000",
		"Message-Id: <test123@example.com>",
		"Content-Type: text/plain",
		"",
		"Hello, this is a plain text email.",
	)

	if msg.From != "billing@example.com" {
		t.Errorf("From: got %q, want bare address", msg.From)
	}
	if len(msg.To) != 1 || msg.To[0] != "recipient@example.com" {
		t.Errorf("To: got %v", msg.To)
	}
	if len(msg.ReplyTo) != 1 || msg.ReplyTo[0] != "support@example.com" {
		t.Errorf("ReplyTo: got %v", msg.ReplyTo)
	}
	if msg.Subject != "Test Subject" {
		t.Errorf("Subject: got %q", msg.Subject)
	}
	if want := time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC); !msg.Date.Equal(want) {
		t.Errorf("Date: got %v, want %v", msg.Date, want)
	}
	if msg.MessageID != "<test123@example.com>" {
		t.Errorf("MessageID: got %q", msg.MessageID)
	}
	if msg.TextBody != "Hello, this is a plain text email." {
		t.Errorf("TextBody: got %q", msg.TextBody)
	}
	if msg.HtmlBody != "" || len(msg.Attachments) != 0 {
		t.Errorf("unexpected html %q or attachments %d", msg.HtmlBody, len(msg.Attachments))
	}
}

func TestParse_EncodedSubjectAndQuotedPrintable(t *testing.T) {
	t.Parallel()

	msg := parse(t,
		"From: sender@example.com",
		"To: recipient@example.com",
		"Subject: =?UTF-8?B?7JWI64WV7ZWY7IS47JqU?=",
		"Content-Type: text/html; charset=utf-8",
		"Content-Transfer-Encoding: quoted-printable",
		"",
		"<p>caf=C3=A9</p>",
	)

	if msg.Subject != "안녕하세요" {
		t.Errorf("Subject: got %q", msg.Subject)
	}
	if msg.HtmlBody != "<p>café</p>" {
		t.Errorf("HtmlBody: got %q", msg.HtmlBody)
	}
}

func TestParse_MultipartAlternative(t *testing.T) {
	t.Parallel()

	msg := parse(t,
		"From: sender@example.com",
		"To: alice@example.com, Bob <bob@example.com>",
		"Cc: carol@example.com",
		"Subject: Multipart Test",
		"Content-Type: multipart/alternative; boundary=boundary123",
		"",
		"--boundary123",
		"Content-Type: text/plain",
		"",
		"Plain text body",
		"--boundary123",
		"Content-Type: text/html",
		"",
		"<html><body><p>HTML body</p></body></html>",
		"--boundary123--",
	)

	if len(msg.To) != 2 || msg.To[0] != "alice@example.com" || msg.To[1] != "bob@example.com" {
		t.Errorf("To: got %v", msg.To)
	}
	if len(msg.Cc) != 1 || msg.Cc[0] != "carol@example.com" {
		t.Errorf("Cc: got %v", msg.Cc)
	}
	if msg.TextBody != "Plain text body" {
		t.Errorf("TextBody: got %q", msg.TextBody)
	}
	if msg.HtmlBody != "<html><body><p>HTML body</p></body></html>" {
		t.Errorf("HtmlBody: got %q", msg.HtmlBody)
	}
}

func TestParse_Attachments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		part     []string
		filename string
		ctype    string
	}{
		{
			name: "named",
			part: []string{
				`Content-Type: application/pdf; name="report.pdf"`,
				`Content-Disposition: attachment; filename="report.pdf"`,
				"Content-Transfer-Encoding: base64",
				"",
				"SGVsbG8gV29ybGQ=",
			},
			filename: "report.pdf",
			ctype:    "application/pdf",
		},
		{
			name: "folded base64",
			part: []string{
				`Content-Type: application/pdf; name="file.pdf"`,
				`Content-Disposition: attachment; filename="file.pdf"`,
				"Content-Transfer-Encoding: base64",
				"",
				"SGVs",
				"bG8g",
				"V29y",
				"bGQ=",
			},
			filename: "file.pdf",
			ctype:    "application/pdf",
		},
		{
			name: "no filename",
			part: []string{
				"Content-Type: application/pdf",
				"Content-Disposition: attachment",
				"Content-Transfer-Encoding: base64",
				"",
				"SGVsbG8gV29ybGQ=",
			},
			filename: "attachment.pdf",
			ctype:    "application/pdf",
		},
		{
			name: "inline with name",
			part: []string{
				`Content-Type: image/png; name="logo.png"`,
				"Content-Transfer-Encoding: base64",
				"",
				"SGVsbG8gV29ybGQ=",
			},
			filename: "logo.png",
			ctype:    "image/png",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			lines := []string{
				"From: sender@example.com",
				"To: recipient@example.com",
				"Content-Type: multipart/mixed; boundary=bound",
				"",
				"--bound",
				"Content-Type: text/plain",
				"",
				"body",
				"--bound",
			}
			lines = append(lines, tt.part...)
			lines = append(lines, "--bound--")

			msg := parse(t, lines...)
			if msg.TextBody != "body" {
				t.Errorf("TextBody: got %q", msg.TextBody)
			}
			if len(msg.Attachments) != 1 {
				t.Fatalf("Attachments: got %d, want 1", len(msg.Attachments))
			}
			att := msg.Attachments[0]
			if att.Filename != tt.filename {
				t.Errorf("Filename: got %q, want %q", att.Filename, tt.filename)
			}
			if att.ContentType != tt.ctype {
				t.Errorf("ContentType: got %q, want %q", att.ContentType, tt.ctype)
			}
			if string(att.Content) != "Hello World" {
				t.Errorf("Content: got %q", att.Content)
			}
		})
	}
}

func TestParse_NestedMultipart(t *testing.T) {
	t.Parallel()

	msg := parse(t,
		"From: sender@example.com",
		"To: recipient@example.com",
		"Content-Type: multipart/mixed; boundary=outer",
		"",
		"--outer",
		"Content-Type: multipart/alternative; boundary=inner",
		"",
		"--inner",
		"Content-Type: text/plain",
		"",
		"Plain text part",
		"--inner",
		"Content-Type: text/html",
		"",
		"<p>HTML part</p>",
		"--inner--",
		"--outer",
		`Content-Type: application/octet-stream; name="data.bin"`,
		`Content-Disposition: attachment; filename="data.bin"`,
		"",
		"binarydata",
		"--outer--",
	)

	if msg.TextBody != "Plain text part" || msg.HtmlBody != "<p>HTML part</p>" {
		t.Errorf("bodies: text %q html %q", msg.TextBody, msg.HtmlBody)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].Filename != "data.bin" {
		t.Errorf("Attachments: got %+v", msg.Attachments)
	}
}

func TestParse_Headers(t *testing.T) {
	t.Parallel()

	msg := parse(t,
		"From: sender@example.com",
		"Bcc: secret@example.com",
		"X-Custom-Header: custom-value",
		"",
		"Body",
	)

	if msg.To != nil || msg.Cc != nil {
		t.Errorf("absent lists should be nil: to %v cc %v", msg.To, msg.Cc)
	}
	if len(msg.Bcc) != 1 || msg.Bcc[0] != "secret@example.com" {
		t.Errorf("Bcc: got %v", msg.Bcc)
	}
	if vals := msg.RawHeaders["X-Custom-Header"]; len(vals) != 1 || vals[0] != "custom-value" {
		t.Errorf("X-Custom-Header: got %v", vals)
	}
	if !msg.Date.IsZero() {
		t.Errorf("Date: got %v, want zero", msg.Date)
	}
	if msg.TextBody != "Body" {
		t.Errorf("missing content type should default to text: got %q", msg.TextBody)
	}
}

func TestParse_Malformed(t *testing.T) {
	t.Parallel()

	p := New(slog.New(slog.NewTextHandler(io.Discard, nil)))

	if _, err := p.Parse([]byte("not a valid email at all\x00\x01\x02")); err == nil {
		t.Error("expected error for garbage input")
	}

	raw := strings.Join([]string{
		"From: sender@example.com",
		"Content-Type: multipart/mixed",
		"",
		"some body",
	}, "\r\n")
	if _, err := p.Parse([]byte(raw)); err == nil {
		t.Error("expected error for multipart without boundary")
	}
}

func TestAddressList_Fallback(t *testing.T) {
	t.Parallel()

	got := addressList("a@example.com, not an address,, b@example.com")
	want := []string{"a@example.com", "not an address", "b@example.com"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("addressList: got %v, want %v", got, want)
	}
}
