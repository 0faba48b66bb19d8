package oauth

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/shineum/graph-mail-relay/internal/secret"
	"github.com/shineum/graph-mail-relay/internal/tokencache"
)

func signedIDToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return raw
}

// callbackBrowser simulates the user completing sign-in: it follows the
// redirect_uri with the given code and the state from the auth URL.
func callbackBrowser(t *testing.T, code string, tamperState bool, opened *atomic.Value) func(string) error {
	t.Helper()
	return func(authURL string) error {
		opened.Store(authURL)
		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		q := u.Query()
		redirect, err := url.Parse(q.Get("redirect_uri"))
		if err != nil {
			return err
		}
		state := q.Get("state")
		if tamperState {
			state = "forged"
		}
		cb := url.URL{
			Scheme:   "http",
			Host:     net.JoinHostPort("127.0.0.1", redirect.Port()),
			Path:     "/",
			RawQuery: url.Values{"code": {code}, "state": {state}}.Encode(),
		}
		go func() {
			resp, err := http.Get(cb.String())
			if err == nil {
				_ = resp.Body.Close()
			}
		}()
		return nil
	}
}

func loginConfig(t *testing.T, tokenURL string, store CredentialStore, browser func(string) error) LoginConfig {
	t.Helper()
	return LoginConfig{
		TenantID:     "consumers",
		ClientID:     "client-id",
		ClientSecret: secret.New("s3cret"),
		AuthURL:      "https://login.example.test/authorize",
		TokenURL:     tokenURL,
		ListenAddr:   "127.0.0.1:0",
		Timeout:      5 * time.Second,
		OpenBrowser:  browser,
		Out:          &bytes.Buffer{},
		Store:        store,
		Logger:       discardLogger(),
	}
}

func TestLogin_AuthorizationCodeWithPKCE(t *testing.T) {
	t.Parallel()

	idToken := signedIDToken(t, jwt.MapClaims{"preferred_username": "owner@example.org"})
	ts := newTokenServer(t, func(w http.ResponseWriter, r *http.Request, _ int32) {
		if r.PostForm.Get("grant_type") != "authorization_code" || r.PostForm.Get("code") != "auth-code" {
			writeTokenError(w, http.StatusBadRequest, "invalid_grant", "unexpected request")
			return
		}
		writeToken(w, map[string]any{
			"access_token":  "access",
			"refresh_token": "rt-login",
			"id_token":      idToken,
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})
	store := tokencache.New(filepath.Join(t.TempDir(), "token.json"), discardLogger())

	var opened atomic.Value
	res, err := Login(context.Background(), loginConfig(t, ts.URL, store, callbackBrowser(t, "auth-code", false, &opened)))
	require.NoError(t, err)
	assert.Equal(t, "owner@example.org", res.Mailbox)
	assert.False(t, res.Reused)

	authURL, err := url.Parse(opened.Load().(string))
	require.NoError(t, err)
	q := authURL.Query()
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Contains(t, q.Get("scope"), ScopeOfflineAccess)
	assert.Regexp(t, `^http://localhost:\d+$`, q.Get("redirect_uri"))

	form := ts.form()
	assert.NotEmpty(t, form.Get("code_verifier"))
	assert.Equal(t, q.Get("redirect_uri"), form.Get("redirect_uri"))

	cred, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "rt-login", cred.RefreshToken)
	assert.Equal(t, "owner@example.org", cred.Mailbox)
	assert.Equal(t, "consumers", cred.TenantID)
	assert.Equal(t, "client-id", cred.ClientID)
}

func TestLogin_ReusesRefreshableCredential(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t, func(w http.ResponseWriter, r *http.Request, _ int32) {
		if r.PostForm.Get("grant_type") != "refresh_token" {
			writeTokenError(w, http.StatusBadRequest, "invalid_request", "unexpected grant")
			return
		}
		writeToken(w, map[string]any{"access_token": "access", "token_type": "Bearer", "expires_in": 3600})
	})
	store := tokencache.New(filepath.Join(t.TempDir(), "token.json"), discardLogger())
	require.NoError(t, store.Store(&tokencache.CachedCredential{
		RefreshToken: "rt-existing",
		Mailbox:      "owner@example.org",
	}))

	var browserCalls atomic.Int32
	cfg := loginConfig(t, ts.URL, store, func(string) error {
		browserCalls.Add(1)
		return nil
	})

	res, err := Login(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, res.Reused)
	assert.Equal(t, "owner@example.org", res.Mailbox)
	assert.Zero(t, browserCalls.Load())
	assert.Contains(t, cfg.Out.(*bytes.Buffer).String(), "still valid")
}

func TestLogin_RejectsForgedState(t *testing.T) {
	t.Parallel()

	ts := newTokenServer(t, numberedToken)
	store := tokencache.New(filepath.Join(t.TempDir(), "token.json"), discardLogger())

	var opened atomic.Value
	_, err := Login(context.Background(), loginConfig(t, ts.URL, store, callbackBrowser(t, "auth-code", true, &opened)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid state")
	assert.Zero(t, ts.calls.Load(), "no code exchange after a state mismatch")

	_, err = store.Load()
	assert.ErrorIs(t, err, tokencache.ErrNotFound)
}

func TestLogin_Timeout(t *testing.T) {
	t.Parallel()

	store := tokencache.New(filepath.Join(t.TempDir(), "token.json"), discardLogger())
	cfg := loginConfig(t, "http://127.0.0.1:1/token", store, func(string) error { return nil })
	cfg.Timeout = 100 * time.Millisecond

	_, err := Login(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestLogin_RequiresSecretAndStore(t *testing.T) {
	t.Parallel()

	cfg := loginConfig(t, "http://127.0.0.1:1/token", nil, nil)
	_, err := Login(context.Background(), cfg)
	assert.Error(t, err)

	store := tokencache.New(filepath.Join(t.TempDir(), "token.json"), discardLogger())
	cfg = loginConfig(t, "http://127.0.0.1:1/token", store, nil)
	cfg.ClientSecret = secret.Value{}
	_, err = Login(context.Background(), cfg)
	assert.Error(t, err)
}

func TestMailboxFromIDToken(t *testing.T) {
	t.Parallel()

	withIDToken := func(raw string) *oauth2.Token {
		return (&oauth2.Token{AccessToken: "a"}).WithExtra(map[string]any{"id_token": raw})
	}

	withEmail := signedIDToken(t, jwt.MapClaims{"email": "fallback@example.org"})
	assert.Equal(t, "fallback@example.org", mailboxFromIDToken(withIDToken(withEmail)))
	assert.Empty(t, mailboxFromIDToken(withIDToken("not-a-jwt")))
	assert.Empty(t, mailboxFromIDToken(withIDToken("")))
}
