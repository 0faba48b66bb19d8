package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shineum/graph-mail-relay/internal/config"
	"github.com/shineum/graph-mail-relay/internal/graph"
	"github.com/shineum/graph-mail-relay/internal/oauth"
	"github.com/shineum/graph-mail-relay/internal/provider"
	"github.com/shineum/graph-mail-relay/internal/provider/relay"
	"github.com/shineum/graph-mail-relay/internal/provider/ses"
	"github.com/shineum/graph-mail-relay/internal/provider/stdout"
	"github.com/shineum/graph-mail-relay/internal/shim"
	"github.com/shineum/graph-mail-relay/internal/tokencache"
)

// buildLegacy returns the transport used when OAuth2 delivery is disabled.
func buildLegacy(ctx context.Context, cfg *config.Config, logger *slog.Logger) (provider.Provider, error) {
	switch cfg.Mail.Transport {
	case config.TransportSMTP:
		return relay.New(relay.Config{
			Host:          cfg.Mail.Server,
			Port:          cfg.Mail.Port,
			Username:      cfg.Mail.Username,
			Password:      cfg.Mail.Password,
			UseSSL:        cfg.Mail.UseSSL,
			DefaultSender: cfg.Mail.DefaultSender,
		}, logger), nil
	case config.TransportSES:
		p, err := ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
		}, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return stdout.New(), nil
	}
}

// buildTokens constructs the token provider for the configured flow.
func buildTokens(cfg *config.Config, logger *slog.Logger) (*oauth.Provider, error) {
	oc := oauth.Config{
		Flow:          oauth.Flow(cfg.OAuth2.Flow),
		TenantID:      cfg.OAuth2.TenantID,
		ClientID:      cfg.OAuth2.ClientID,
		ClientSecret:  cfg.ClientSecret(),
		TokenURL:      cfg.TokenURL(),
		RefreshMargin: cfg.OAuth2.RefreshMargin,
		HTTPClient:    &http.Client{Timeout: cfg.OAuth2.HTTPTimeout},
		Logger:        logger,
	}
	if oc.Flow == oauth.FlowDelegated {
		oc.Store = tokencache.New(cfg.OAuth2.TokenCacheFile, logger)
	}
	return oauth.NewProvider(oc)
}

func buildGraphClient(cfg *config.Config, tokens graph.TokenSource, logger *slog.Logger) (*graph.Client, error) {
	return graph.NewClient(graph.Config{
		Endpoint:        cfg.SendMailURL(),
		Sender:          cfg.OAuth2.SenderEmail,
		SuppressSend:    cfg.Mail.SuppressSend,
		SaveToSentItems: cfg.OAuth2.SaveToSentItems,
		MaxAttempts:     cfg.OAuth2.MaxAttempts,
		BaseDelay:       cfg.OAuth2.BaseDelay,
		MaxDelay:        cfg.OAuth2.MaxDelay,
		HTTPClient:      &http.Client{Timeout: cfg.OAuth2.HTTPTimeout},
		Logger:          logger,
	}, tokens)
}

// buildTransport assembles the provider the SMTP listener hands mail to.
// The legacy transport is only built when OAuth2 delivery is disabled, and
// tokens is nil in that case.
func buildTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (provider.Provider, *oauth.Provider, error) {
	if !cfg.OAuth2.Enabled {
		legacy, err := buildLegacy(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return shim.New(shim.Config{}, legacy, nil, logger), nil, nil
	}

	tokens, err := buildTokens(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	client, err := buildGraphClient(cfg, tokens, logger)
	if err != nil {
		return nil, nil, err
	}
	return shim.New(shim.Config{Enabled: true, Sender: cfg.OAuth2.SenderEmail}, nil, client, logger), tokens, nil
}
