// Package oauth acquires and refreshes Microsoft Graph access tokens under
// the app-only (client_credentials) and delegated (refresh token) flows.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/shineum/graph-mail-relay/internal/mailerr"
	"github.com/shineum/graph-mail-relay/internal/metrics"
	"github.com/shineum/graph-mail-relay/internal/secret"
	"github.com/shineum/graph-mail-relay/internal/tokencache"
)

// Flow selects the OAuth2 grant.
type Flow string

const (
	FlowClientCredentials Flow = "client_credentials"
	FlowDelegated         Flow = "delegated"
)

// Graph scopes per flow.
const (
	ScopeGraphDefault  = "https://graph.microsoft.com/.default"
	ScopeGraphMailSend = "https://graph.microsoft.com/Mail.Send"
	ScopeOfflineAccess = "offline_access"
)

const (
	// DefaultRefreshMargin is how long before expiry a token stops being handed out.
	DefaultRefreshMargin = 5 * time.Minute

	// defaultLifetime applies when the token endpoint omits expires_in.
	defaultLifetime = time.Hour

	defaultHTTPTimeout = 30 * time.Second
)

// AccessToken is a bearer token held in memory only.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
	Scope     string
	Flow      Flow
}

// usableAt reports whether t may be handed out at now given the margin.
func (t AccessToken) usableAt(now time.Time, margin time.Duration) bool {
	return t.Value != "" && now.Add(margin).Before(t.ExpiresAt)
}

// CredentialStore is the persistence the delegated flow needs.
type CredentialStore interface {
	Load() (*tokencache.CachedCredential, error)
	Store(*tokencache.CachedCredential) error
}

// Config configures a Provider.
type Config struct {
	Flow          Flow
	TenantID      string
	ClientID      string
	ClientSecret  secret.Value
	TokenURL      string
	Scopes        []string
	RefreshMargin time.Duration
	HTTPClient    *http.Client

	// Store is required for the delegated flow and ignored otherwise.
	Store CredentialStore

	Logger *slog.Logger
}

// Provider hands out access tokens. It is safe for concurrent use: at most
// one token exchange per flow is in flight, and every caller waiting on it
// receives its result.
type Provider struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	current AccessToken

	flight singleflight.Group
}

// NewProvider validates cfg and returns a Provider.
func NewProvider(cfg Config) (*Provider, error) {
	switch cfg.Flow {
	case FlowClientCredentials:
		if len(cfg.Scopes) == 0 {
			cfg.Scopes = []string{ScopeGraphDefault}
		}
	case FlowDelegated:
		if cfg.Store == nil {
			return nil, mailerr.Configuration("delegated flow requires a token cache")
		}
		if len(cfg.Scopes) == 0 {
			cfg.Scopes = []string{ScopeGraphMailSend, ScopeOfflineAccess}
		}
	default:
		return nil, mailerr.Configuration("unsupported OAuth2 flow %q", cfg.Flow)
	}
	if cfg.TokenURL == "" || cfg.ClientID == "" {
		return nil, mailerr.Configuration("token URL and client ID are required")
	}
	if cfg.RefreshMargin < 0 {
		cfg.RefreshMargin = DefaultRefreshMargin
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Provider{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "oauth", "flow", string(cfg.Flow)),
		now:    time.Now,
	}, nil
}

// Flow returns the configured grant flow.
func (p *Provider) Flow() Flow { return p.cfg.Flow }

// Acquire returns a token that is valid for at least the refresh margin,
// exchanging a new one when needed.
func (p *Provider) Acquire(ctx context.Context) (AccessToken, error) {
	if tok, ok := p.cached(); ok {
		return tok, nil
	}

	v, err, shared := p.flight.Do(string(p.cfg.Flow), func() (any, error) {
		if tok, ok := p.cached(); ok {
			return tok, nil
		}
		// The exchange is shared by every waiting caller, so it must not
		// die with the first caller's context. The HTTP client timeout bounds it.
		tok, err := p.exchange(context.WithoutCancel(ctx))
		if err != nil {
			return AccessToken{}, err
		}
		p.mu.Lock()
		p.current = tok
		p.mu.Unlock()
		return tok, nil
	})
	if shared {
		p.logger.Debug("joined in-flight token refresh")
	}
	if err != nil {
		return AccessToken{}, err
	}
	return v.(AccessToken), nil
}

// ForceRefresh discards stale, if it is still the current token, and
// acquires a new one. Concurrent callers holding the same stale token
// share one exchange; later callers get the already-refreshed token.
func (p *Provider) ForceRefresh(ctx context.Context, stale AccessToken) (AccessToken, error) {
	p.mu.Lock()
	if p.current.Value == stale.Value {
		p.current = AccessToken{}
	}
	p.mu.Unlock()

	return p.Acquire(ctx)
}

// Warm acquires a token ahead of the first send.
func (p *Provider) Warm(ctx context.Context) error {
	tok, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	p.logger.Info("access token ready", "expires_at", tok.ExpiresAt)
	return nil
}

func (p *Provider) cached() (AccessToken, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current.usableAt(p.now(), p.cfg.RefreshMargin) {
		return p.current, true
	}
	return AccessToken{}, false
}

// exchange performs one call to the token endpoint.
func (p *Provider) exchange(ctx context.Context) (AccessToken, error) {
	const op = "oauth.acquire"

	if p.cfg.ClientSecret.Empty() {
		metrics.TokenRefreshes.WithLabelValues(string(p.cfg.Flow), "error").Inc()
		return AccessToken{}, mailerr.Auth(mailerr.ReasonSecretMissing, op, errors.New("client secret is empty"))
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.cfg.HTTPClient)

	var (
		tok *oauth2.Token
		err error
	)
	switch p.cfg.Flow {
	case FlowDelegated:
		tok, err = p.exchangeRefreshToken(ctx)
	default:
		cc := &clientcredentials.Config{
			ClientID:     p.cfg.ClientID,
			ClientSecret: p.cfg.ClientSecret.Reveal(),
			TokenURL:     p.cfg.TokenURL,
			Scopes:       p.cfg.Scopes,
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		tok, err = cc.Token(ctx)
		if err != nil {
			err = classifyExchangeError(op, p.cfg.Flow, err)
		}
	}
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues(string(p.cfg.Flow), "error").Inc()
		p.logger.Warn("token acquisition failed",
			"reason", mailerr.ReasonOf(err),
			"error", err,
		)
		return AccessToken{}, err
	}

	metrics.TokenRefreshes.WithLabelValues(string(p.cfg.Flow), "success").Inc()
	return p.toAccessToken(tok), nil
}

// exchangeRefreshToken redeems the cached refresh token and persists a
// rotated one. A missing or revoked credential needs the operator's
// token-setup; no browser flow is ever started here.
func (p *Provider) exchangeRefreshToken(ctx context.Context) (*oauth2.Token, error) {
	const op = "oauth.acquire"

	cred, err := p.cfg.Store.Load()
	if err != nil {
		if errors.Is(err, tokencache.ErrNotFound) {
			return nil, mailerr.Auth(mailerr.ReasonNeedsInteractiveSetup, op, mailerr.ErrNeedsInteractiveSetup)
		}
		return nil, mailerr.Auth(mailerr.ReasonNeedsInteractiveSetup, op,
			fmt.Errorf("%w: %w", mailerr.ErrNeedsInteractiveSetup, err))
	}

	conf := &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret.Reveal(),
		Endpoint: oauth2.Endpoint{
			TokenURL:  p.cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: p.cfg.Scopes,
	}
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		return nil, classifyExchangeError(op, p.cfg.Flow, err)
	}

	if tok.RefreshToken != "" && tok.RefreshToken != cred.RefreshToken {
		rotated := *cred
		rotated.RefreshToken = tok.RefreshToken
		rotated.UpdatedAt = p.now().UTC()
		if err := p.cfg.Store.Store(&rotated); err != nil {
			// The access token is still good; the old refresh token may
			// keep working until it is revoked.
			p.logger.Error("failed to persist rotated refresh token", "error", err)
		} else {
			p.logger.Debug("refresh token rotated", "mailbox", cred.Mailbox)
		}
	}
	return tok, nil
}

func (p *Provider) toAccessToken(tok *oauth2.Token) AccessToken {
	now := p.now()
	expires := tok.Expiry
	if expires.IsZero() {
		expires = now.Add(defaultLifetime)
	}
	if !expires.After(now.Add(p.cfg.RefreshMargin)) {
		p.logger.Warn("token lifetime is shorter than the refresh margin; every send will refresh",
			"expires_at", expires,
			"margin", p.cfg.RefreshMargin,
		)
	}
	scope, _ := tok.Extra("scope").(string)
	return AccessToken{
		Value:     tok.AccessToken,
		ExpiresAt: expires,
		Scope:     scope,
		Flow:      p.cfg.Flow,
	}
}
