// Package graph sends mail through the Microsoft Graph sendMail endpoint.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/shineum/graph-mail-relay/internal/mailerr"
	"github.com/shineum/graph-mail-relay/internal/metrics"
	"github.com/shineum/graph-mail-relay/internal/oauth"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second

	defaultHTTPTimeout = 30 * time.Second

	// maxErrorBody bounds how much of a failed response is read.
	maxErrorBody = 64 << 10
)

// TokenSource supplies bearer tokens. *oauth.Provider implements it.
type TokenSource interface {
	Acquire(ctx context.Context) (oauth.AccessToken, error)
	ForceRefresh(ctx context.Context, stale oauth.AccessToken) (oauth.AccessToken, error)
}

// Config configures a Client.
type Config struct {
	// Endpoint is the full sendMail URL, e.g.
	// https://graph.microsoft.com/v1.0/users/{sender}/sendMail.
	Endpoint string
	// Sender fills Message.Sender when the caller leaves it empty.
	Sender string

	SuppressSend    bool
	SaveToSentItems bool

	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client sends one message per Send call. It is safe for concurrent use.
type Client struct {
	cfg    Config
	tokens TokenSource
	logger *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient returns a Client that authenticates with tokens.
func NewClient(cfg Config, tokens TokenSource) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, mailerr.Configuration("sendMail endpoint is required")
	}
	if tokens == nil {
		return nil, mailerr.Configuration("a token source is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		cfg:    cfg,
		tokens: tokens,
		logger: cfg.Logger.With("component", "graph"),
		now:    time.Now,
		sleep:  sleepWithContext,
	}, nil
}

// Send validates msg and delivers it. Transient failures are retried with
// backoff up to MaxAttempts; a 401 triggers one token refresh and one extra
// attempt. The returned result is non-nil whenever at least validation passed.
func (c *Client) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	const op = "graph.send"

	if err := c.validate(msg); err != nil {
		metrics.Sends.WithLabelValues("rejected").Inc()
		return nil, err
	}

	if c.cfg.SuppressSend {
		c.logger.Info("mail send suppressed",
			"recipients", len(msg.To)+len(msg.Cc)+len(msg.Bcc),
			"subject", msg.Subject,
		)
		metrics.Sends.WithLabelValues(string(StatusSuppressed)).Inc()
		return &SendResult{Status: StatusSuppressed}, nil
	}

	start := c.now()
	defer func() {
		metrics.SendDuration.Observe(time.Since(start).Seconds())
	}()

	m := *msg
	if m.Sender == "" {
		m.Sender = c.cfg.Sender
	}
	body, err := json.Marshal(buildSendMailRequest(&m, c.cfg.SaveToSentItems))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sendMail request: %w", err)
	}

	res := &SendResult{ClientRequestID: uuid.NewString()}
	logger := c.logger.With("client_request_id", res.ClientRequestID)

	bo := c.newBackOff()
	var (
		floor     time.Duration
		refreshed bool
		last      Attempt
	)
	for n := 1; ; n++ {
		tok, err := c.tokens.Acquire(ctx)
		switch {
		case err == nil:
			last = c.attempt(ctx, n, tok, body, res.ClientRequestID)
		case retryable(err):
			// The token exchange is a network call too; it spends an attempt.
			last = Attempt{Number: n, Kind: AttemptTransient, At: c.now(), Err: err}
		default:
			metrics.Sends.WithLabelValues("error").Inc()
			return res, withAttempts(err, res.Attempts)
		}
		res.Attempts = n
		metrics.SendAttempts.WithLabelValues(string(last.Kind)).Inc()

		switch last.Kind {
		case AttemptSuccess:
			res.Status = StatusSent
			res.RequestID = last.RequestID
			res.Trace = append(res.Trace, last)
			logger.Debug("sendMail attempt", attemptAttrs(last)...)
			logger.Info("mail sent via Graph",
				"recipients", len(m.To)+len(m.Cc)+len(m.Bcc),
				"request_id", res.RequestID,
				"attempts", res.Attempts,
			)
			metrics.Sends.WithLabelValues(string(StatusSent)).Inc()
			return res, nil

		case AttemptUnauthorized:
			res.Trace = append(res.Trace, last)
			logger.Debug("sendMail attempt", attemptAttrs(last)...)
			if refreshed {
				metrics.Sends.WithLabelValues("error").Inc()
				return res, c.failure(mailerr.KindAuth, mailerr.ReasonUnauthorized, op, last, res.Attempts)
			}
			refreshed = true
			logger.Info("refreshing access token after 401")
			if _, err := c.tokens.ForceRefresh(ctx, tok); err != nil {
				metrics.Sends.WithLabelValues("error").Inc()
				return res, withAttempts(err, res.Attempts)
			}
			continue

		case AttemptPermanent:
			res.Trace = append(res.Trace, last)
			logger.Debug("sendMail attempt", attemptAttrs(last)...)
			metrics.Sends.WithLabelValues("error").Inc()
			return res, c.failure(mailerr.KindPermanent, "", op, last, res.Attempts)
		}

		// Transient. The 401 retry does not count against the budget.
		budget := c.cfg.MaxAttempts
		if refreshed {
			budget++
		}
		if n >= budget {
			res.Trace = append(res.Trace, last)
			logger.Debug("sendMail attempt", attemptAttrs(last)...)
			metrics.Sends.WithLabelValues("exhausted").Inc()
			e := c.failure(mailerr.KindTransient, mailerr.ReasonOf(last.Err), op, last, res.Attempts)
			e.Err = fmt.Errorf("%w after %d attempts: %w", mailerr.ErrRetryExhausted, res.Attempts, e.Err)
			return res, e
		}

		last.Delay, floor = c.nextDelay(bo, last.RetryAfter, floor)
		res.Trace = append(res.Trace, last)
		logger.Debug("sendMail attempt", attemptAttrs(last)...)
		logger.Warn("transient Graph error, retrying",
			"status", last.StatusCode,
			"attempt", n,
			"delay", last.Delay,
			"error", last.Err,
		)
		if err := c.sleep(ctx, last.Delay); err != nil {
			metrics.Sends.WithLabelValues("error").Inc()
			e := c.failure(mailerr.KindTransient, "", op, last, res.Attempts)
			e.Err = fmt.Errorf("abandoned while waiting to retry: %w", err)
			return res, e
		}
	}
}

// attempt performs one POST and classifies the response.
func (c *Client) attempt(ctx context.Context, n int, tok oauth.AccessToken, body []byte, clientRequestID string) Attempt {
	a := Attempt{Number: n, At: c.now()}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		a.Kind = AttemptPermanent
		a.Err = fmt.Errorf("failed to create request: %w", err)
		return a
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	req.Header.Set("client-request-id", clientRequestID)
	req.Header.Set("return-client-request-id", "true")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		// Timeouts and connection failures alike.
		a.Kind = AttemptTransient
		a.Err = fmt.Errorf("sendMail request failed: %w", err)
		return a
	}
	defer resp.Body.Close()

	a.StatusCode = resp.StatusCode
	a.RequestID = resp.Header.Get("request-id")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		a.Kind = AttemptSuccess
		return a
	}

	a.Err = readGraphError(resp)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		a.Kind = AttemptUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		a.Kind = AttemptTransient
		a.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
	default:
		a.Kind = AttemptPermanent
	}
	return a
}

// newBackOff returns the jittered exponential schedule for one Send.
func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.5
	bo.MaxInterval = c.cfg.MaxDelay
	bo.Reset()
	return bo
}

// nextDelay picks the wait before the next attempt. A Retry-After hint wins
// outright. Computed delays are capped at MaxDelay and never shrink below
// the previous computed delay; floor carries that value between calls.
func (c *Client) nextDelay(bo *backoff.ExponentialBackOff, retryAfter, floor time.Duration) (time.Duration, time.Duration) {
	computed := bo.NextBackOff()
	if computed == backoff.Stop || computed > c.cfg.MaxDelay {
		computed = c.cfg.MaxDelay
	}
	if computed < floor {
		computed = floor
	}
	if retryAfter > 0 {
		return retryAfter, computed
	}
	return computed, computed
}

func (c *Client) validate(msg *Message) error {
	const op = "graph.validate"

	if msg == nil {
		return mailerr.New(mailerr.KindPermanent, op, errors.New("nil message"))
	}
	if len(msg.To) == 0 {
		return mailerr.New(mailerr.KindPermanent, op, errors.New("message has no recipients"))
	}
	if len(msg.Attachments) > 0 {
		return mailerr.New(mailerr.KindUnsupportedFeature, op,
			fmt.Errorf("attachments are not supported (%d given)", len(msg.Attachments)))
	}

	groups := []struct {
		field string
		addrs []string
	}{
		{"to", msg.To},
		{"cc", msg.Cc},
		{"bcc", msg.Bcc},
		{"replyTo", msg.ReplyTo},
	}
	if msg.Sender != "" {
		groups = append(groups, struct {
			field string
			addrs []string
		}{"sender", []string{msg.Sender}})
	}
	for _, g := range groups {
		for _, addr := range g.addrs {
			if _, err := mail.ParseAddress(addr); err != nil {
				return mailerr.New(mailerr.KindPermanent, op, fmt.Errorf("invalid %s address %q: %w", g.field, addr, err))
			}
		}
	}

	switch strings.ToLower(msg.Body.ContentType) {
	case "", "text", "html":
	default:
		return mailerr.New(mailerr.KindPermanent, op, fmt.Errorf("unsupported body content type %q", msg.Body.ContentType))
	}
	return nil
}

func (c *Client) failure(kind mailerr.Kind, reason mailerr.Reason, op string, last Attempt, attempts int) *mailerr.Error {
	return &mailerr.Error{
		Kind:       kind,
		Reason:     reason,
		Op:         op,
		StatusCode: last.StatusCode,
		RequestID:  last.RequestID,
		Attempts:   attempts,
		Err:        last.Err,
	}
}

func retryable(err error) bool {
	var e *mailerr.Error
	return errors.As(err, &e) && e.Retryable()
}

// withAttempts records the attempt count on a classified error.
func withAttempts(err error, attempts int) error {
	var e *mailerr.Error
	if errors.As(err, &e) && e.Attempts == 0 {
		cp := *e
		cp.Attempts = attempts
		return &cp
	}
	return err
}

func readGraphError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var ge graphErrorResponse
	if err := json.Unmarshal(data, &ge); err == nil && ge.Error.Message != "" {
		return fmt.Errorf("graph error %s: %s", ge.Error.Code, ge.Error.Message)
	}
	text := strings.TrimSpace(string(data))
	if len(text) > 200 {
		text = text[:200]
	}
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("graph error: %s", text)
}

// parseRetryAfter accepts delta-seconds or an HTTP-date. Unparseable or
// past values yield zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func attemptAttrs(a Attempt) []any {
	attrs := []any{
		"attempt", a.Number,
		"kind", string(a.Kind),
		"status", a.StatusCode,
	}
	if a.RequestID != "" {
		attrs = append(attrs, "request_id", a.RequestID)
	}
	if a.RetryAfter > 0 {
		attrs = append(attrs, "retry_after", a.RetryAfter)
	}
	if a.Delay > 0 {
		attrs = append(attrs, "delay", a.Delay)
	}
	if a.Err != nil {
		attrs = append(attrs, "error", a.Err)
	}
	return attrs
}

// sleepWithContext waits for d or until ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
