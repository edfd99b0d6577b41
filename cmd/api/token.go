package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lumenframe/backend/internal/auth"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token [user-id]",
		Short: "Issue a bearer token for a user (a new user id when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(opts)
			if err != nil {
				return err
			}
			userID := uuid.New()
			if len(args) == 1 {
				if userID, err = uuid.Parse(args[0]); err != nil {
					return fmt.Errorf("user id: %w", err)
				}
			}
			if ttl <= 0 {
				ttl = cfg.TokenTTL
			}
			svc, err := auth.NewService(cfg.JWTSecret)
			if err != nil {
				return err
			}
			tok, err := svc.IssueToken(userID, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "user_id: %s\ntoken: %s\n", userID, tok)
			return err
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to TOKEN_TTL)")
	return cmd
}
