// Package secret resolves secret references (env:, file:, keyring:) into
// values that refuse to be printed or logged.
package secret

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const redacted = "[REDACTED]"

// ErrEmpty is returned when a reference resolves to an empty value.
var ErrEmpty = errors.New("secret resolved to an empty value")

// Value holds a resolved secret. Its zero value is empty.
type Value struct {
	v string
}

// New wraps a raw string. Intended for tests and the token-setup command.
func New(s string) Value { return Value{v: s} }

// Reveal returns the raw secret. Call it only at the point of use.
func (s Value) Reveal() string { return s.v }

// Empty reports whether no secret is held.
func (s Value) Empty() bool { return s.v == "" }

func (s Value) String() string   { return redacted }
func (s Value) GoString() string { return redacted }

// LogValue keeps the secret out of slog output.
func (s Value) LogValue() slog.Value { return slog.StringValue(redacted) }

// MarshalText keeps the secret out of any encoded config.
func (s Value) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Resolve looks up ref, which must be one of:
//
//	env:NAME                 environment variable NAME
//	file:/path/to/secret     file content, trailing newline trimmed
//	keyring:service/account  OS keyring entry
func Resolve(ref string) (Value, error) {
	scheme, target, ok := strings.Cut(ref, ":")
	if !ok || target == "" {
		return Value{}, fmt.Errorf("invalid secret reference %q: want env:, file: or keyring:", Describe(ref))
	}

	var raw string
	switch scheme {
	case "env":
		raw = os.Getenv(target)
	case "file":
		data, err := os.ReadFile(target)
		if err != nil {
			return Value{}, fmt.Errorf("failed to read secret file: %w", err)
		}
		raw = strings.TrimRight(string(data), "\r\n")
	case "keyring":
		service, account, ok := strings.Cut(target, "/")
		if !ok || service == "" || account == "" {
			return Value{}, fmt.Errorf("invalid keyring reference %q: want keyring:service/account", ref)
		}
		v, err := keyring.Get(service, account)
		if err != nil {
			return Value{}, fmt.Errorf("keyring lookup failed: %w", err)
		}
		raw = v
	default:
		return Value{}, fmt.Errorf("unsupported secret scheme %q", scheme)
	}

	if raw == "" {
		return Value{}, ErrEmpty
	}
	return Value{v: raw}, nil
}

// Describe returns a form of ref that is safe to log. References only name
// where a secret lives, but a value pasted by mistake must not leak.
func Describe(ref string) string {
	scheme, _, ok := strings.Cut(ref, ":")
	switch {
	case ref == "":
		return ""
	case ok && (scheme == "env" || scheme == "file" || scheme == "keyring"):
		return ref
	default:
		return redacted
	}
}
