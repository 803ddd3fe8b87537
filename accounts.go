package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahosio/cloudbackup/internal/catalog"
)

func newAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage backed-up accounts and their sync roots",
	}

	cmd.AddCommand(newAccountsAddCmd())
	cmd.AddCommand(newAccountsListCmd())
	cmd.AddCommand(newAccountsAddRootCmd())
	cmd.AddCommand(newAccountsListRootsCmd())
	cmd.AddCommand(newAccountsPauseCmd())
	cmd.AddCommand(newAccountsResumeCmd())

	return cmd
}

func newAccountsPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <account-id>",
		Short: "Mark an account inactive so sync and due-scheduling skip it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setAccountActive(cmd, args[0], false)
		},
	}
}

func newAccountsResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <account-id>",
		Short: "Mark a paused account active again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setAccountActive(cmd, args[0], true)
		},
	}
}

func setAccountActive(cmd *cobra.Command, idArg string, active bool) error {
	cc := mustCLIContext(cmd.Context())

	var id int64
	if _, err := fmt.Sscanf(idArg, "%d", &id); err != nil {
		return fmt.Errorf("invalid account ID %q: %w", idArg, err)
	}

	if err := cc.Catalog.SetAccountActive(cmd.Context(), id, active, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("updating account %d: %w", id, err)
	}

	state := "paused"
	if active {
		state = "resumed"
	}

	fmt.Printf("account %d %s\n", id, state)

	return nil
}

func newAccountsAddCmd() *cobra.Command {
	var (
		provider        string
		email           string
		name            string
		intervalMinutes int
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an account (its OAuth token must already exist in the secrets file)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			now := time.Now()
			id, err := cc.Catalog.CreateAccount(cmd.Context(), &catalog.Account{
				Provider:            catalog.Provider(provider),
				Name:                name,
				Email:               email,
				IsActive:            true,
				SyncIntervalMinutes: intervalMinutes,
				CreatedAt:           now,
				UpdatedAt:           now,
			})
			if err != nil {
				return fmt.Errorf("creating account: %w", err)
			}

			fmt.Printf("account %d created (%s:%s)\n", id, provider, email)

			return nil
		},
	}

	cmd.Flags().StringVar(&provider, "provider", string(catalog.ProviderGoogleDrive), "provider identifier (google_drive, onedrive)")
	cmd.Flags().StringVar(&email, "email", "", "account email (secrets file lookup key)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().IntVar(&intervalMinutes, "interval-minutes", 60, "minutes between scheduled syncs")
	cmd.MarkFlagRequired("email")

	return cmd
}

func newAccountsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			accounts, err := cc.Catalog.ListAccounts(cmd.Context())
			if err != nil {
				return fmt.Errorf("listing accounts: %w", err)
			}

			for _, a := range accounts {
				state := "active"
				if !a.IsActive {
					state = "paused"
				}

				next := "-"
				if a.NextSyncAt != nil {
					next = formatTime(*a.NextSyncAt)
				}

				fmt.Printf("%-4d %-14s %-28s %-8s next=%s\n", a.ID, a.Provider, a.Email, state, next)
			}

			return nil
		},
	}
}

func newAccountsAddRootCmd() *cobra.Command {
	var (
		accountID      int64
		providerRootID string
		name           string
	)

	cmd := &cobra.Command{
		Use:   "add-root",
		Short: "Register a sync root (a subtree of an account's remote storage) to replicate",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			now := time.Now()
			id, err := cc.Catalog.CreateSyncRoot(cmd.Context(), &catalog.SyncRoot{
				AccountID:      accountID,
				ProviderRootID: providerRootID,
				Name:           name,
				IsEnabled:      true,
				CreatedAt:      now,
				UpdatedAt:      now,
			})
			if err != nil {
				return fmt.Errorf("creating sync root: %w", err)
			}

			fmt.Printf("sync root %d created for account %d\n", id, accountID)

			return nil
		},
	}

	cmd.Flags().Int64Var(&accountID, "account-id", 0, "owning account ID")
	cmd.Flags().StringVar(&providerRootID, "provider-root-id", "", "the provider's folder/drive ID to replicate from")
	cmd.Flags().StringVar(&name, "name", "", "display name for this sync root")
	cmd.MarkFlagRequired("account-id")
	cmd.MarkFlagRequired("provider-root-id")

	return cmd
}

func newAccountsListRootsCmd() *cobra.Command {
	var accountID int64

	cmd := &cobra.Command{
		Use:   "list-roots",
		Short: "List sync roots for an account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			roots, err := cc.Catalog.ListSyncRootsForAccount(cmd.Context(), accountID)
			if err != nil {
				return fmt.Errorf("listing sync roots: %w", err)
			}

			for _, r := range roots {
				cursor := r.SyncCursor
				if cursor == "" {
					cursor = "(never synced)"
				}

				fmt.Printf("%-4d %-24s %-20s cursor=%s\n", r.ID, r.Name, r.ProviderRootID, cursor)
			}

			return nil
		},
	}

	cmd.Flags().Int64Var(&accountID, "account-id", 0, "account ID")
	cmd.MarkFlagRequired("account-id")

	return cmd
}
