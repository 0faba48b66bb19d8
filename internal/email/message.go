// Package email defines the legacy message representation: what SMTP
// submitters and in-process callers hand to a provider.Provider.
package email

import "time"

// Email is a parsed outbound message as the legacy send path sees it.
type Email struct {
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	ReplyTo     []string
	Subject     string
	TextBody    string
	HtmlBody    string
	Attachments []Attachment
	RawHeaders  map[string][]string
	MessageID   string
	Date        time.Time
}

// Attachment is a file attached to a message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Recipients returns every envelope recipient in To, Cc, Bcc order.
func (e *Email) Recipients() []string {
	all := make([]string, 0, len(e.To)+len(e.Cc)+len(e.Bcc))
	all = append(all, e.To...)
	all = append(all, e.Cc...)
	return append(all, e.Bcc...)
}
