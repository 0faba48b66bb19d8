package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shineum/graph-mail-relay/internal/config"
	"github.com/shineum/graph-mail-relay/internal/mailerr"
	"github.com/shineum/graph-mail-relay/internal/oauth"
	"github.com/shineum/graph-mail-relay/internal/tokencache"
)

func newTokenSetupCmd(a *app) *cobra.Command {
	var (
		listen    string
		timeout   time.Duration
		noBrowser bool
	)
	cmd := &cobra.Command{
		Use:   "token-setup",
		Short: "Authorize the sending mailbox for the delegated flow",
		Long: `token-setup runs the interactive authorization-code flow once and stores
the resulting refresh token in MAIL_OAUTH2_TOKEN_CACHE_FILE. The redirect URI
http://localhost:<port> must be registered on the app. If the cached credential
still refreshes, nothing is changed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			if cfg.OAuth2.Flow != config.FlowDelegated {
				return mailerr.Configuration("token-setup requires MAIL_OAUTH2_FLOW=%s", config.FlowDelegated)
			}
			if cfg.OAuth2.TokenCacheFile == "" {
				return mailerr.Configuration("token-setup requires MAIL_OAUTH2_TOKEN_CACHE_FILE")
			}

			lc := oauth.LoginConfig{
				TenantID:     cfg.OAuth2.TenantID,
				ClientID:     cfg.OAuth2.ClientID,
				ClientSecret: cfg.ClientSecret(),
				AuthURL:      cfg.AuthURL(),
				TokenURL:     cfg.TokenURL(),
				ListenAddr:   listen,
				Timeout:      timeout,
				Out:          cmd.OutOrStdout(),
				Store:        tokencache.New(cfg.OAuth2.TokenCacheFile, a.logger),
				Logger:       a.logger,
			}
			if noBrowser {
				lc.OpenBrowser = func(string) error { return nil }
			}

			res, err := oauth.Login(cmd.Context(), lc)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if res.Reused {
				fmt.Fprintf(out, "Cached credential for %s is still valid; nothing to do.\n", orUnknown(res.Mailbox))
				return nil
			}
			fmt.Fprintf(out, "Authorized %s. Refresh token stored in %s\n", orUnknown(res.Mailbox), cfg.OAuth2.TokenCacheFile)
			if res.Mailbox != "" && cfg.OAuth2.SenderEmail != "" && res.Mailbox != cfg.OAuth2.SenderEmail {
				fmt.Fprintf(out, "Warning: signed in as %s but MAIL_OAUTH2_SENDER_EMAIL is %s\n", res.Mailbox, cfg.OAuth2.SenderEmail)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", oauth.DefaultListenAddr, "address for the local redirect listener")
	cmd.Flags().DurationVar(&timeout, "timeout", oauth.DefaultLoginTimeout, "how long to wait for the browser sign-in")
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "print the sign-in URL without opening a browser")
	return cmd
}

func orUnknown(s string) string {
	if s == "" {
		return "(unknown mailbox)"
	}
	return s
}
