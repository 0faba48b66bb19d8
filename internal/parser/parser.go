// Package parser turns a submitted RFC 5322 message into an email.Email.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"github.com/shineum/graph-mail-relay/internal/email"
)

// maxNesting bounds recursion into nested multipart bodies.
const maxNesting = 8

var wordDecoder = &mime.WordDecoder{}

// Parser extracts headers, bodies and attachments. Parts it cannot
// interpret are skipped with a warning rather than failing the message.
type Parser struct {
	logger *slog.Logger
}

// New returns a Parser that logs through logger.
func New(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{logger: logger.With("component", "parser")}
}

// Parse reads raw as a single message. Only a malformed header block or a
// multipart body without a boundary is an error.
func (p *Parser) Parse(raw []byte) (*email.Email, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	h := msg.Header
	out := &email.Email{
		RawHeaders: make(map[string][]string, len(h)),
		From:       firstAddress(h.Get("From")),
		To:         addressList(h.Get("To")),
		Cc:         addressList(h.Get("Cc")),
		Bcc:        addressList(h.Get("Bcc")),
		ReplyTo:    addressList(h.Get("Reply-To")),
		Subject:    decodeWords(h.Get("Subject")),
		MessageID:  h.Get("Message-Id"),
	}
	for k, v := range h {
		out.RawHeaders[k] = v
	}
	if d, err := h.Date(); err == nil {
		out.Date = d
	}

	ct := h.Get("Content-Type")
	if ct == "" {
		ct = "text/plain"
	}
	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil {
		p.logger.Warn("unparseable content type, treating body as text", "content_type", ct, "error", err)
		body, err := io.ReadAll(msg.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read message body: %w", err)
		}
		out.TextBody = string(body)
		return out, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		if params["boundary"] == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		if err := p.walk(msg.Body, params["boundary"], out, 0); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
		return out, nil
	}

	body, err := decodeBody(msg.Body, h.Get("Content-Transfer-Encoding"))
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	switch mediaType {
	case "text/html":
		out.HtmlBody = string(body)
	case "text/plain":
		out.TextBody = string(body)
	default:
		p.logger.Warn("unrecognized top-level content type", "content_type", mediaType)
		out.TextBody = string(body)
	}
	return out, nil
}

// walk collects the first text/plain and text/html parts and every
// attachment, descending into nested multiparts.
func (p *Parser) walk(body io.Reader, boundary string, out *email.Email, depth int) error {
	r := multipart.NewReader(body, boundary)
	for {
		part, err := r.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		ct := part.Header.Get("Content-Type")
		if ct == "" {
			ct = "text/plain"
		}
		mediaType, params, err := mime.ParseMediaType(ct)
		if err != nil {
			p.logger.Warn("unparseable part content type, skipping", "content_type", ct, "error", err)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if params["boundary"] == "" || depth >= maxNesting {
				p.logger.Warn("skipping nested multipart", "depth", depth)
				continue
			}
			if err := p.walk(part, params["boundary"], out, depth+1); err != nil {
				p.logger.Warn("failed to parse nested multipart", "error", err)
			}
			continue
		}

		// multipart.Reader already strips quoted-printable.
		content, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			p.logger.Warn("failed to read part content", "content_type", mediaType, "error", err)
			continue
		}

		disposition := strings.ToLower(part.Header.Get("Content-Disposition"))
		name := filename(part, params)
		switch {
		case strings.HasPrefix(disposition, "attachment"):
			if name == "" {
				name = fallbackName(mediaType)
			}
			out.Attachments = append(out.Attachments, email.Attachment{Filename: name, ContentType: mediaType, Content: content})
		case mediaType == "text/plain" && out.TextBody == "":
			out.TextBody = string(content)
		case mediaType == "text/html" && out.HtmlBody == "":
			out.HtmlBody = string(content)
		case name != "":
			out.Attachments = append(out.Attachments, email.Attachment{Filename: name, ContentType: mediaType, Content: content})
		default:
			p.logger.Warn("unrecognized MIME part, skipping", "content_type", mediaType, "disposition", disposition)
		}
	}
}

func decodeBody(r io.Reader, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		cleaned := strings.Map(func(c rune) rune {
			if c == '\r' || c == '\n' || c == ' ' || c == '\t' {
				return -1
			}
			return c
		}, string(raw))
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(cleaned, "="))
			if err != nil {
				return nil, fmt.Errorf("failed to decode base64 content: %w", err)
			}
		}
		return decoded, nil
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(r))
	default:
		return io.ReadAll(r)
	}
}

func filename(part *multipart.Part, params map[string]string) string {
	if fn := part.FileName(); fn != "" {
		return decodeWords(fn)
	}
	return decodeWords(params["name"])
}

// fallbackName gives a nameless attachment something to carry, e.g.
// "attachment.pdf" for application/pdf.
func fallbackName(mediaType string) string {
	if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}

func decodeWords(s string) string {
	if d, err := wordDecoder.DecodeHeader(s); err == nil {
		return d
	}
	return s
}

func firstAddress(raw string) string {
	if raw == "" {
		return ""
	}
	if a, err := mail.ParseAddress(raw); err == nil {
		return a.Address
	}
	return strings.TrimSpace(raw)
}

// addressList returns bare addresses. Lists net/mail rejects are split on
// commas as a best effort.
func addressList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if list, err := mail.ParseAddressList(raw); err == nil {
		out := make([]string, 0, len(list))
		for _, a := range list {
			out = append(out, a.Address)
		}
		return out
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
