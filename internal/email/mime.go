package email

import (
	"io"

	"gopkg.in/gomail.v2"
)

// Compose renders e as a MIME message. The sender is e.From, or
// defaultSender when e.From is empty. Bcc is kept for the envelope and is
// not written into the headers.
func (e *Email) Compose(defaultSender string) *gomail.Message {
	m := gomail.NewMessage(gomail.SetCharset("UTF-8"))

	from := e.From
	if from == "" {
		from = defaultSender
	}
	m.SetHeader("From", from)
	if len(e.To) > 0 {
		m.SetHeader("To", e.To...)
	}
	if len(e.Cc) > 0 {
		m.SetHeader("Cc", e.Cc...)
	}
	if len(e.Bcc) > 0 {
		m.SetHeader("Bcc", e.Bcc...)
	}
	if len(e.ReplyTo) > 0 {
		m.SetHeader("Reply-To", e.ReplyTo...)
	}
	m.SetHeader("Subject", e.Subject)
	if e.MessageID != "" {
		m.SetHeader("Message-ID", e.MessageID)
	}
	if !e.Date.IsZero() {
		m.SetDateHeader("Date", e.Date)
	}

	switch {
	case e.TextBody != "" && e.HtmlBody != "":
		m.SetBody("text/plain", e.TextBody)
		m.AddAlternative("text/html", e.HtmlBody)
	case e.HtmlBody != "":
		m.SetBody("text/html", e.HtmlBody)
	default:
		m.SetBody("text/plain", e.TextBody)
	}

	for _, att := range e.Attachments {
		content := att.Content
		settings := []gomail.FileSetting{
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(content)
				return err
			}),
		}
		if att.ContentType != "" {
			settings = append(settings, gomail.SetHeader(map[string][]string{
				"Content-Type": {att.ContentType},
			}))
		}
		m.Attach(att.Filename, settings...)
	}
	return m
}
