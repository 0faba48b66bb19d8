// Package shim puts the Graph mail client behind the legacy
// provider.Provider interface, so SMTP submitters and in-process callers
// keep their send path while delivery switches to Microsoft Graph.
package shim

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shineum/graph-mail-relay/internal/email"
	"github.com/shineum/graph-mail-relay/internal/graph"
	"github.com/shineum/graph-mail-relay/internal/mailerr"
	"github.com/shineum/graph-mail-relay/internal/metrics"
	"github.com/shineum/graph-mail-relay/internal/provider"
)

// transportName is what the shim reports from Name and in metrics.
const transportName = "msgraph"

// Config selects the delivery path.
type Config struct {
	// Enabled routes every message through Graph.
	Enabled bool
	// Sender is the mailbox messages are sent from.
	Sender string
}

// Sender is the part of graph.Client the shim depends on.
type Sender interface {
	Send(ctx context.Context, msg *graph.Message) (*graph.SendResult, error)
}

// Transport delivers legacy messages through a Graph Sender.
type Transport struct {
	sender string
	client Sender
	logger *slog.Logger
}

// New returns legacy unchanged when cfg is disabled. Otherwise it returns a
// Transport, and legacy is never called.
func New(cfg Config, legacy provider.Provider, client Sender, logger *slog.Logger) provider.Provider {
	if !cfg.Enabled {
		return legacy
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		sender: cfg.Sender,
		client: client,
		logger: logger.With("component", "shim"),
	}
}

// Send translates msg and hands it to the Graph client. Any failure is
// logged here with its classification and surfaced as
// provider.ErrDeliveryFailed.
func (t *Transport) Send(ctx context.Context, msg *email.Email) error {
	if msg == nil {
		t.logger.Error("delivery through Graph failed", "kind", mailerr.KindPermanent.String(), "error", "nil message")
		metrics.TransportDeliveries.WithLabelValues(transportName, "failure").Inc()
		return provider.ErrDeliveryFailed
	}
	res, err := t.client.Send(ctx, t.translate(msg))
	if err != nil {
		attrs := []any{
			"kind", mailerr.KindOf(err).String(),
			"error", err,
		}
		if reason := mailerr.ReasonOf(err); reason != "" {
			attrs = append(attrs, "reason", string(reason))
		}
		var e *mailerr.Error
		if errors.As(err, &e) {
			attrs = append(attrs, "request_id", e.RequestID, "attempts", e.Attempts)
		}
		if res != nil {
			attrs = append(attrs, "client_request_id", res.ClientRequestID)
		}
		t.logger.Error("delivery through Graph failed", attrs...)
		metrics.TransportDeliveries.WithLabelValues(transportName, "failure").Inc()
		return provider.ErrDeliveryFailed
	}

	t.logger.Info("delivery through Graph accepted",
		"status", string(res.Status),
		"request_id", res.RequestID,
		"client_request_id", res.ClientRequestID,
		"attempts", res.Attempts,
	)
	metrics.TransportDeliveries.WithLabelValues(transportName, string(res.Status)).Inc()
	return nil
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return transportName
}

// translate maps a legacy message onto a Graph message. The configured
// mailbox is always the sender; an HTML body wins over a text body.
func (t *Transport) translate(msg *email.Email) *graph.Message {
	out := &graph.Message{
		Sender:  t.sender,
		To:      msg.To,
		Cc:      msg.Cc,
		Bcc:     msg.Bcc,
		ReplyTo: msg.ReplyTo,
		Subject: msg.Subject,
		Body:    graph.Body{ContentType: graph.ContentTypeText, Content: msg.TextBody},
	}
	if msg.HtmlBody != "" {
		out.Body = graph.Body{ContentType: graph.ContentTypeHTML, Content: msg.HtmlBody}
	}
	for _, a := range msg.Attachments {
		out.Attachments = append(out.Attachments, graph.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Content:     a.Content,
		})
	}
	return out
}
