package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/shineum/graph-mail-relay/internal/mailerr"
	"github.com/shineum/graph-mail-relay/internal/secret"
	"github.com/shineum/graph-mail-relay/internal/tokencache"
)

const (
	// DefaultListenAddr must match a redirect URI registered on the app
	// (http://localhost:8400).
	DefaultListenAddr = "127.0.0.1:8400"

	DefaultLoginTimeout = 5 * time.Minute
)

// LoginConfig configures the interactive authorization-code bootstrap.
type LoginConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret secret.Value
	AuthURL      string
	TokenURL     string
	Scopes       []string

	ListenAddr string
	Timeout    time.Duration

	// OpenBrowser is called with the authorization URL. Defaults to the
	// platform's URL opener.
	OpenBrowser func(url string) error
	Out         io.Writer

	HTTPClient *http.Client
	Store      CredentialStore
	Logger     *slog.Logger
}

// LoginResult describes the stored credential.
type LoginResult struct {
	Mailbox string
	// Reused is set when the cached credential still refreshed and no
	// browser round trip took place.
	Reused bool
}

type callbackResult struct {
	code string
	err  error
}

// Login obtains a refresh token for the delegated flow and writes it to the
// credential store. It is an operator action and is never called on the
// send path.
func Login(ctx context.Context, cfg LoginConfig) (*LoginResult, error) {
	if cfg.AuthURL == "" || cfg.TokenURL == "" || cfg.ClientID == "" {
		return nil, mailerr.Configuration("authorization URL, token URL and client ID are required")
	}
	if cfg.Store == nil {
		return nil, mailerr.Configuration("token setup requires a token cache file")
	}
	if cfg.ClientSecret.Empty() {
		return nil, mailerr.Auth(mailerr.ReasonSecretMissing, "oauth.login", errors.New("client secret is empty"))
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{ScopeGraphMailSend, ScopeOfflineAccess, "openid", "profile"}
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultLoginTimeout
	}
	if cfg.OpenBrowser == nil {
		cfg.OpenBrowser = openBrowser
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "oauth", "op", "login")

	if res, ok := reuseCached(ctx, cfg, logger); ok {
		return res, nil
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to start callback listener on %s: %w", cfg.ListenAddr, err)
	}
	defer func() {
		_ = listener.Close()
	}()

	_, port, err := net.SplitHostPort(listener.Addr().String())
	if err != nil {
		return nil, fmt.Errorf("failed to parse callback address: %w", err)
	}

	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret.Reveal(),
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.AuthURL,
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: "http://localhost:" + port,
		Scopes:      cfg.Scopes,
	}

	state, err := randomToken(24)
	if err != nil {
		return nil, err
	}
	verifier := oauth2.GenerateVerifier()
	authURL := conf.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("prompt", "select_account"),
	)

	resultCh := make(chan callbackResult, 1)
	deliver := func(r callbackResult) {
		select {
		case resultCh <- r:
		default:
		}
	}

	server := &http.Server{
		ReadHeaderTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/" {
				http.NotFound(w, r)
				return
			}
			q := r.URL.Query()
			if e := q.Get("error"); e != "" {
				desc := q.Get("error_description")
				if desc == "" {
					desc = e
				}
				deliver(callbackResult{err: fmt.Errorf("authorization failed: %s", desc)})
				http.Error(w, "authorization failed", http.StatusBadRequest)
				return
			}
			if q.Get("state") != state {
				deliver(callbackResult{err: errors.New("invalid state in callback")})
				http.Error(w, "invalid state", http.StatusBadRequest)
				return
			}
			code := q.Get("code")
			if code == "" {
				deliver(callbackResult{err: errors.New("missing code in callback")})
				http.Error(w, "missing code", http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = io.WriteString(w, "<html><body><h2>Authentication successful</h2><p>You can close this tab.</p></body></html>")
			deliver(callbackResult{code: code})
		}),
	}
	go func() {
		_ = server.Serve(listener)
	}()
	defer func() {
		_ = server.Close()
	}()

	_, _ = fmt.Fprintf(cfg.Out, "Open the following URL in your browser to authenticate:\n\n  %s\n\n", authURL)
	if err := cfg.OpenBrowser(authURL); err != nil {
		logger.Debug("could not open browser", "error", err)
	}
	_, _ = fmt.Fprintf(cfg.Out, "Waiting for authentication (timeout: %s)...\n", cfg.Timeout)

	var res callbackResult
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errors.New("timed out waiting for authentication")
		}
		return nil, ctx.Err()
	case res = <-resultCh:
	}
	if res.err != nil {
		return nil, res.err
	}

	exCtx := context.WithValue(ctx, oauth2.HTTPClient, cfg.HTTPClient)
	tok, err := conf.Exchange(exCtx, res.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, classifyExchangeError("oauth.login", FlowDelegated, err)
	}
	if tok.RefreshToken == "" {
		return nil, mailerr.Configuration("token response has no refresh token; request the %s scope", ScopeOfflineAccess)
	}

	mailbox := mailboxFromIDToken(tok)
	if err := cfg.Store.Store(&tokencache.CachedCredential{
		RefreshToken: tok.RefreshToken,
		Mailbox:      mailbox,
		TenantID:     cfg.TenantID,
		ClientID:     cfg.ClientID,
	}); err != nil {
		return nil, err
	}

	logger.Info("delegated credential stored", "mailbox", mailbox)
	return &LoginResult{Mailbox: mailbox}, nil
}

// reuseCached reports whether the stored credential still yields an
// access token.
func reuseCached(ctx context.Context, cfg LoginConfig, logger *slog.Logger) (*LoginResult, bool) {
	cred, err := cfg.Store.Load()
	if err != nil {
		if !errors.Is(err, tokencache.ErrNotFound) {
			logger.Warn("ignoring unreadable token cache", "error", err)
		}
		return nil, false
	}

	p, err := NewProvider(Config{
		Flow:         FlowDelegated,
		TenantID:     cfg.TenantID,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		HTTPClient:   cfg.HTTPClient,
		Store:        cfg.Store,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, false
	}
	if _, err := p.Acquire(ctx); err != nil {
		logger.Info("cached credential no longer refreshes; starting browser sign-in",
			"mailbox", cred.Mailbox,
			"reason", mailerr.ReasonOf(err),
		)
		return nil, false
	}

	_, _ = fmt.Fprintf(cfg.Out, "Cached credential for %s is still valid. No action needed.\n", cred.Mailbox)
	return &LoginResult{Mailbox: cred.Mailbox, Reused: true}, true
}

// mailboxFromIDToken reads preferred_username without verifying the signature.
func mailboxFromIDToken(tok *oauth2.Token) string {
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return ""
	}
	if v, ok := claims["preferred_username"].(string); ok && v != "" {
		return v
	}
	if v, ok := claims["email"].(string); ok {
		return v
	}
	return ""
}

func randomToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}
