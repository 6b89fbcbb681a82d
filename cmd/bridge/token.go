package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/sprite-bridge/internal/auth"
	"github.com/rickgao/sprite-bridge/internal/config"
	"github.com/spf13/cobra"
)

var tokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a browser token for local testing",
	Long: `Issue a signed token for a user with the configured auth secret.

Tokens are normally issued by the identity provider; this command exists for
development and for bridgectl.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadWithDefaults(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret is required")
		}

		ttl := cfg.Auth.TokenTTL
		if tokenTTL > 0 {
			ttl = tokenTTL
		}
		signer, err := auth.NewSigner([]byte(cfg.Auth.JWTSecret),
			auth.WithIssuer(cfg.Auth.Issuer),
			auth.WithTTL(ttl),
		)
		if err != nil {
			return err
		}

		token, expires, err := signer.Issue(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Format(time.RFC3339))
		return nil
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default auth.token_ttl)")
}
