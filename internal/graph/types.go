package graph

import "time"

// Body content types accepted by sendMail.
const (
	ContentTypeText = "Text"
	ContentTypeHTML = "HTML"
)

// Message is one outgoing mail. To must be non-empty and Attachments must
// be empty.
type Message struct {
	Sender      string
	To          []string
	Cc          []string
	Bcc         []string
	ReplyTo     []string
	Subject     string
	Body        Body
	Attachments []Attachment
}

type Body struct {
	ContentType string
	Content     string
}

// Attachment exists so callers can pass what they have; Send rejects it.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Status is the outcome of a successful Send.
type Status string

const (
	StatusSent       Status = "sent"
	StatusSuppressed Status = "suppressed"
)

// SendResult describes a delivered (or suppressed) message.
type SendResult struct {
	Status Status
	// RequestID is the request-id header of the accepting response.
	RequestID string
	// ClientRequestID is sent on every attempt for correlation with Graph support.
	ClientRequestID string
	Attempts        int
	Trace           []Attempt
}

// AttemptKind classifies a single HTTP exchange.
type AttemptKind string

const (
	AttemptSuccess      AttemptKind = "success"
	AttemptUnauthorized AttemptKind = "unauthorized"
	AttemptTransient    AttemptKind = "transient"
	AttemptPermanent    AttemptKind = "permanent"
)

// Attempt records one sendMail call. It drives the retry decision and is
// kept for diagnostics only.
type Attempt struct {
	Number     int
	Kind       AttemptKind
	StatusCode int
	RetryAfter time.Duration
	Delay      time.Duration
	At         time.Time
	RequestID  string
	Err        error
}

// sendMailRequest is the request body for the sendMail endpoint.
type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

type sendMailMessage struct {
	Subject       string      `json:"subject"`
	Body          messageBody `json:"body"`
	From          *recipient  `json:"from,omitempty"`
	ToRecipients  []recipient `json:"toRecipients"`
	CcRecipients  []recipient `json:"ccRecipients,omitempty"`
	BccRecipients []recipient `json:"bccRecipients,omitempty"`
	ReplyTo       []recipient `json:"replyTo,omitempty"`
}

type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Address string `json:"address"`
}

// graphErrorResponse is the error envelope Graph returns on failure.
type graphErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func recipients(addrs []string) []recipient {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]recipient, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, recipient{EmailAddress: emailAddress{Address: addr}})
	}
	return out
}

// buildSendMailRequest converts a validated Message into the request body.
func buildSendMailRequest(msg *Message, saveToSentItems bool) *sendMailRequest {
	body := messageBody{ContentType: msg.Body.ContentType, Content: msg.Body.Content}
	if body.ContentType == "" {
		body.ContentType = ContentTypeText
	}

	req := &sendMailRequest{
		Message: sendMailMessage{
			Subject:       msg.Subject,
			Body:          body,
			ToRecipients:  recipients(msg.To),
			CcRecipients:  recipients(msg.Cc),
			BccRecipients: recipients(msg.Bcc),
			ReplyTo:       recipients(msg.ReplyTo),
		},
		SaveToSentItems: saveToSentItems,
	}
	if msg.Sender != "" {
		req.Message.From = &recipient{EmailAddress: emailAddress{Address: msg.Sender}}
	}
	return req
}
