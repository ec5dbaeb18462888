package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/darkden-lab/livefeed/internal/auth"
)

func newTokenCmd() *cobra.Command {
	var (
		secret string
		topics []string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint an access token for the gateway",
		Long: `Mint an HS256 access token signed with --secret (or JWT_SECRET).
--topics limits which topics the holder may subscribe and publish to; a trailing
"*" matches a prefix. Without --topics every topic is allowed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("JWT_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("a signing secret is required (--secret or JWT_SECRET)")
			}
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive")
			}

			token, err := auth.NewJWTService(secret).GenerateToken(args[0], topics, ttl)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "Signing secret (defaults to JWT_SECRET)")
	cmd.Flags().StringSliceVar(&topics, "topics", nil, "Topics the token grants (comma-separated)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
