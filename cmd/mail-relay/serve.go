package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/graph-mail-relay/internal/admin"
	"github.com/shineum/graph-mail-relay/internal/mailerr"
	"github.com/shineum/graph-mail-relay/internal/metrics"
	"github.com/shineum/graph-mail-relay/internal/smtp"
	relaytls "github.com/shineum/graph-mail-relay/internal/tls"
)

// tokenCheckInterval bounds how often /readyz reaches the token endpoint.
const tokenCheckInterval = 30 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the SMTP listener and deliver accepted mail",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	metrics.Register()

	tlsConfig, err := relaytls.Load(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
	if err != nil {
		logger.Error("failed to set up TLS", "error", err)
		return err
	}

	prov, tokens, err := buildTransport(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build transport", "kind", mailerr.KindOf(err).String(), "error", err)
		return err
	}

	logger.Info("starting mail-relay",
		"version", version,
		"transport", prov.Name(),
		"oauth2_enabled", cfg.OAuth2.Enabled,
		"flow", cfg.OAuth2.Flow,
		"suppress_send", cfg.Mail.SuppressSend,
	)

	checks := map[string]admin.Check{}
	if tokens != nil {
		// A failed warm-up is not fatal: every send acquires again.
		if err := tokens.Warm(ctx); err != nil {
			logger.Error("token warm-up failed",
				"kind", mailerr.KindOf(err).String(),
				"reason", string(mailerr.ReasonOf(err)),
				"error", err,
			)
			if errors.Is(err, mailerr.ErrNeedsInteractiveSetup) {
				logger.Error("run `mail-relay token-setup` to authorize the sending mailbox")
			}
		}
		checks["token"] = admin.Cached(func(ctx context.Context) error {
			_, err := tokens.Acquire(ctx)
			return err
		}, tokenCheckInterval)
	}

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Provider:       prov,
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		Logger:         logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.ListenAndServe(gctx) })
	if cfg.Metrics.Listen != "" {
		adm := admin.New(cfg.Metrics.Listen, logger, checks)
		g.Go(func() error { return adm.ListenAndServe(gctx) })
	}

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		return err
	}
	logger.Info("mail-relay stopped")
	return nil
}
