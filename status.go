package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/ahosio/cloudbackup/internal/blobstore"
	"github.com/ahosio/cloudbackup/internal/catalog"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show accounts, sync roots, and blob store usage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context())
		},
	}
}

type accountStatus struct {
	ID       int64            `json:"id"`
	Provider string           `json:"provider"`
	Email    string           `json:"email"`
	Active   bool             `json:"active"`
	Roots    []syncRootStatus `json:"sync_roots"`
	Blobs    blobstore.Stats  `json:"blobs"`
	Bytes    int64            `json:"catalog_bytes"`
}

type syncRootStatus struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Cursor  string `json:"cursor"`
}

func runStatus(ctx context.Context) error {
	cc := mustCLIContext(ctx)

	accounts, err := cc.Catalog.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("listing accounts: %w", err)
	}

	reports := make([]accountStatus, 0, len(accounts))

	for _, account := range accounts {
		report, err := buildAccountStatus(ctx, cc, account)
		if err != nil {
			return err
		}

		reports = append(reports, report)
	}

	if flagJSON {
		return printStatusJSON(reports)
	}

	printStatusText(reports)

	return nil
}

func buildAccountStatus(ctx context.Context, cc *CLIContext, account *catalog.Account) (accountStatus, error) {
	roots, err := cc.Catalog.ListSyncRootsForAccount(ctx, account.ID)
	if err != nil {
		return accountStatus{}, fmt.Errorf("listing sync roots for account %d: %w", account.ID, err)
	}

	rootStatuses := make([]syncRootStatus, 0, len(roots))

	for _, root := range roots {
		cursor := root.SyncCursor
		if cursor == "" {
			cursor = "(never synced)"
		}

		rootStatuses = append(rootStatuses, syncRootStatus{
			ID: root.ID, Name: root.Name, Enabled: root.IsEnabled, Cursor: cursor,
		})
	}

	blobs := blobstore.New(cc.Cfg.Storage.BackupRoot, string(account.Provider), account.ID, cc.Logger)

	stats, err := blobs.Stats()
	if err != nil {
		return accountStatus{}, fmt.Errorf("computing blob store stats for account %d: %w", account.ID, err)
	}

	totalBytes, err := cc.Catalog.SumBlobBytesForAccount(ctx, account.ID)
	if err != nil {
		return accountStatus{}, fmt.Errorf("summing catalog blob bytes for account %d: %w", account.ID, err)
	}

	return accountStatus{
		ID: account.ID, Provider: string(account.Provider), Email: account.Email,
		Active: account.IsActive, Roots: rootStatuses, Blobs: stats, Bytes: totalBytes,
	}, nil
}

func printStatusJSON(reports []accountStatus) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(reports); err != nil {
		return fmt.Errorf("encoding status JSON: %w", err)
	}

	return nil
}

// printStatusText prints a human-friendly report when stdout is a
// terminal, and unpadded tab-separated lines when it is piped — the
// same isatty-driven split the teacher's output layer uses.
func printStatusText(reports []accountStatus) {
	if len(reports) == 0 {
		fmt.Println("no accounts configured")
		return
	}

	interactive := isatty.IsTerminal(os.Stdout.Fd())

	for _, report := range reports {
		state := "active"
		if !report.Active {
			state = "paused"
		}

		if interactive {
			fmt.Printf("account %d  %s:%s  [%s]\n", report.ID, report.Provider, report.Email, state)
		} else {
			fmt.Printf("account\t%d\t%s\t%s\t%s\n", report.ID, report.Provider, report.Email, state)
		}

		for _, root := range report.Roots {
			enabled := "enabled"
			if !root.Enabled {
				enabled = "disabled"
			}

			if interactive {
				fmt.Printf("  root %-4d %-24s %-10s cursor=%s\n", root.ID, root.Name, enabled, root.Cursor)
			} else {
				fmt.Printf("root\t%d\t%s\t%s\t%s\n", root.ID, root.Name, enabled, root.Cursor)
			}
		}

		if interactive {
			fmt.Printf("  blobs on disk: %d (%s)   current files: %d   catalog bytes: %s\n",
				report.Blobs.BlobCount, formatSize(report.Blobs.TotalSizeBytes), report.Blobs.CurrentFileCount, formatSize(report.Bytes))
		} else {
			fmt.Printf("blobs\t%d\t%d\t%d\t%d\n",
				report.Blobs.BlobCount, report.Blobs.TotalSizeBytes, report.Blobs.CurrentFileCount, report.Bytes)
		}
	}
}
