package main

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lumenframe/backend/internal/database"
	"github.com/lumenframe/backend/internal/ledger"
)

func newGrantCmd(opts *rootOptions) *cobra.Command {
	var requestID string
	cmd := &cobra.Command{
		Use:   "grant <user-id> <amount>",
		Short: "Add credits to a user's balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("user id: %w", err)
			}
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("amount: %w", err)
			}
			if requestID == "" {
				requestID = "grant:" + uuid.NewString()
			}

			cfg, log, err := loadConfig(opts)
			if err != nil {
				return err
			}
			pool, err := database.Connect(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := ledger.NewService(ledger.NewRepository(pool), log)
			applied, err := svc.Grant(cmd.Context(), userID, amount, requestID)
			if err != nil {
				return err
			}
			balance, err := svc.Balance(cmd.Context(), userID)
			if err != nil {
				return err
			}
			if !applied {
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "grant %s already applied; balance %d\n", requestID, balance)
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "granted %d; balance %d\n", amount, balance)
			return err
		},
	}
	cmd.Flags().StringVar(&requestID, "request-id", "", "idempotency key; a repeated grant with the same key is ignored")
	return cmd
}
