// Package mailerr defines the error taxonomy shared by the token provider,
// the Graph mail client and the transport shim.
package mailerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure for retry and propagation decisions.
type Kind int

const (
	// KindUnknown is reported for errors that carry no classification.
	KindUnknown Kind = iota
	// KindConfiguration is fatal at startup (missing identifiers, bad flow).
	KindConfiguration
	// KindAuth covers token acquisition failures and a repeated 401.
	KindAuth
	// KindTransient covers 429, 5xx and network failures. Retried with backoff.
	KindTransient
	// KindPermanent covers rejected messages and other 4xx responses.
	KindPermanent
	// KindUnsupportedFeature is a pre-flight rejection, e.g. attachments.
	KindUnsupportedFeature
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindAuth:
		return "auth"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindUnsupportedFeature:
		return "unsupported_feature"
	default:
		return "unknown"
	}
}

// Reason refines KindAuth failures.
type Reason string

const (
	ReasonTenantMisconfigured   Reason = "tenant_misconfigured"
	ReasonSecretExpired         Reason = "secret_expired"
	ReasonSecretMissing         Reason = "secret_missing"
	ReasonNetworkUnavailable    Reason = "network_unavailable"
	ReasonNeedsInteractiveSetup Reason = "needs_interactive_setup"
	ReasonUnauthorized          Reason = "unauthorized"
)

var (
	// ErrRetryExhausted is wrapped by the transient error returned once the
	// attempt budget is spent.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrNeedsInteractiveSetup is wrapped when the delegated flow has no
	// usable refresh material. Run the token-setup command to fix it.
	ErrNeedsInteractiveSetup = errors.New("delegated credential missing or revoked, run token-setup")
)

// Error is a classified failure.
type Error struct {
	Kind       Kind
	Reason     Reason
	Op         string
	StatusCode int
	RequestID  string
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Reason != "" {
		b.WriteString(" (")
		b.WriteString(string(e.Reason))
		b.WriteString(")")
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " HTTP %d", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the send loop may try again after this error.
// An unreachable token endpoint is retried like any other network failure.
func (e *Error) Retryable() bool {
	if errors.Is(e.Err, ErrRetryExhausted) {
		return false
	}
	return e.Kind == KindTransient || e.Reason == ReasonNetworkUnavailable
}

// New builds a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Auth builds a KindAuth error with the given reason.
func Auth(reason Reason, op string, err error) *Error {
	return &Error{Kind: KindAuth, Reason: reason, Op: op, Err: err}
}

// Configuration builds a KindConfiguration error from a formatted message.
func Configuration(format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Op: "config", Err: fmt.Errorf(format, args...)}
}

// KindOf returns the classification of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ReasonOf returns the auth reason of err, if any.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
