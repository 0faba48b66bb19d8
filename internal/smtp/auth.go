// Package smtp is the submission listener: a small ESMTP server that
// accepts mail from local applications and hands it to a provider.Provider.
package smtp

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

// ErrAuthFailed is returned for any credential mismatch or malformed response.
var ErrAuthFailed = errors.New("authentication failed")

// Authenticator checks AUTH PLAIN and AUTH LOGIN credentials against a
// single configured account.
type Authenticator struct {
	username []byte
	password []byte
}

// NewAuthenticator returns an Authenticator. With either value empty, AUTH
// is not offered and not required.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{username: []byte(username), password: []byte(password)}
}

// Enabled reports whether clients must authenticate before MAIL FROM.
func (a *Authenticator) Enabled() bool {
	return len(a.username) > 0 && len(a.password) > 0
}

// VerifyPlain checks a base64 "authzid\x00authcid\x00password" response.
// The authorization identity is ignored.
func (a *Authenticator) VerifyPlain(encoded string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrAuthFailed
	}
	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return "", ErrAuthFailed
	}
	return parts[1], a.check([]byte(parts[1]), []byte(parts[2]))
}

// VerifyLogin checks the two base64 responses of an AUTH LOGIN exchange.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) (string, error) {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return "", ErrAuthFailed
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return "", ErrAuthFailed
	}
	return string(user), a.check(user, pass)
}

func (a *Authenticator) check(user, pass []byte) error {
	u := subtle.ConstantTimeCompare(user, a.username)
	p := subtle.ConstantTimeCompare(pass, a.password)
	if u&p != 1 {
		return ErrAuthFailed
	}
	return nil
}
