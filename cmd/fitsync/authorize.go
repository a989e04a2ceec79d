package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"example.com/fitsync/internal/auth"
	"example.com/fitsync/internal/config"
	"example.com/fitsync/internal/logging"
	"example.com/fitsync/internal/provider/polar"
)

func newAuthorizeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "authorize <strava|polar>",
		Short:     "Authorize fitsync against a provider and cache the token",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: auth.Providers,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			cfg := config.Load()
			logger := logging.New(root.stderr, root.verbose)

			oauthCfg, err := auth.OAuthConfig(cfg, name)
			if err != nil {
				return err
			}

			opts := []auth.AuthorizerOption{
				auth.WithPrompt(cmd.InOrStdin(), cmd.OutOrStdout()),
				auth.WithAuthorizerLogger(logger),
			}
			if name == polar.ProviderName {
				opts = append(opts, auth.WithPostExchange(auth.PolarRegistration(polar.DefaultBaseURL)))
			}

			creds, err := auth.NewAuthorizer(name, oauthCfg, auth.NewFileStore(cfg.TokenPath(name)), opts...).Authorize(cmd.Context())
			if err != nil {
				return fmt.Errorf("authorize %s: %w", name, err)
			}
			if creds.UserID != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s authorized for user %s\n", name, creds.UserID)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s authorized\n", name)
			}
			return nil
		},
	}
}
