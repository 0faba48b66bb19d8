package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shineum/graph-mail-relay/internal/email"
)

func newSendTestCmd(a *app) *cobra.Command {
	var (
		to      []string
		subject string
		body    string
		dryRun  bool
	)
	cmd := &cobra.Command{
		Use:   "send-test",
		Short: "Send one message through the configured transport",
		Long: `send-test sends a single message through exactly the path the SMTP
listener uses. With --dry-run it only acquires an access token, which checks
tenant, client and secret configuration without sending anything.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			prov, tokens, err := buildTransport(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}

			if dryRun {
				if tokens == nil {
					fmt.Fprintf(out, "OAuth2 delivery is disabled; transport is %s. Nothing to check.\n", prov.Name())
					return nil
				}
				tok, err := tokens.Acquire(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Token acquired (flow %s), expires %s\n", tokens.Flow(), tok.ExpiresAt.Format(time.RFC3339))
				return nil
			}

			if len(to) == 0 {
				return errors.New("--to is required unless --dry-run is set")
			}
			msg := &email.Email{
				To:       to,
				Subject:  subject,
				TextBody: body,
				Date:     time.Now(),
			}
			if err := prov.Send(ctx, msg); err != nil {
				return fmt.Errorf("send through %s: %w", prov.Name(), err)
			}
			fmt.Fprintf(out, "Message accepted by %s\n", prov.Name())
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&to, "to", nil, "recipient address (repeatable)")
	cmd.Flags().StringVar(&subject, "subject", "mail-relay test message", "message subject")
	cmd.Flags().StringVar(&body, "body", "This is a test message sent by mail-relay send-test.", "plain text body")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "acquire a token only; send nothing")
	return cmd
}
