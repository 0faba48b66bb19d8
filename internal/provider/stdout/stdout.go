// Package stdout implements a development transport that prints messages
// instead of delivering them.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/graph-mail-relay/internal/email"
)

const rule = "========================================"

// Provider writes a readable rendering of each message to its writer.
type Provider struct {
	mu sync.Mutex
	w  io.Writer
}

// New returns a Provider writing to os.Stdout.
func New() *Provider {
	return NewWithWriter(os.Stdout)
}

// NewWithWriter returns a Provider writing to w.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{w: w}
}

// Send prints msg. Write errors are returned so a broken pipe is visible.
func (p *Provider) Send(_ context.Context, msg *email.Email) error {
	var b strings.Builder

	b.WriteString(rule + "\n")
	header := func(name string, values []string) {
		if len(values) > 0 {
			fmt.Fprintf(&b, "%s: %s\n", name, strings.Join(values, ", "))
		}
	}
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	header("To", msg.To)
	header("Cc", msg.Cc)
	header("Bcc", msg.Bcc)
	header("Reply-To", msg.ReplyTo)
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	if msg.MessageID != "" {
		fmt.Fprintf(&b, "Message-ID: %s\n", msg.MessageID)
	}

	body := msg.TextBody
	if body == "" {
		body = msg.HtmlBody
	}
	b.WriteString("Body:\n" + body + "\n")

	if len(msg.Attachments) > 0 {
		names := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			names = append(names, fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Content))))
		}
		header("Attachments", names)
	}
	b.WriteString(rule + "\n")

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := io.WriteString(p.w, b.String()); err != nil {
		return fmt.Errorf("stdout transport: %w", err)
	}
	return nil
}

// Name returns the transport name.
func (p *Provider) Name() string {
	return "stdout"
}

func formatSize(n int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)
	switch {
	case n >= mb:
		return fmt.Sprintf("%.1f MB", float64(n)/mb)
	case n >= kb:
		return fmt.Sprintf("%.1f KB", float64(n)/kb)
	default:
		return fmt.Sprintf("%d B", n)
	}
}
