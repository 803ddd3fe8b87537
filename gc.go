package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ahosio/cloudbackup/internal/gc"
)

func newGCCmd() *cobra.Command {
	var (
		accountID int64
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Purge expired versions, reclaim orphaned blobs, and purge expired quarantines",
		Long: `Runs the three retention phases in order (spec §4.4): prune FileVersions
beyond an account's retention window, reclaim blobs no version
references anymore, and purge items whose quarantine has expired. With
no --account-id, every account is collected.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			collector := gc.New(gc.Config{
				Catalog:          cc.Catalog,
				BackupRoot:       cc.Cfg.Storage.BackupRoot,
				Logger:           cc.Logger,
				DryRun:           dryRun || cc.Cfg.GC.DryRun,
				BatchSize:        cc.Cfg.GC.BatchSize,
				DefaultKeepLastN: cc.Cfg.Retention.KeepLastN,
				DefaultKeepDays:  cc.Cfg.Retention.KeepDays,
			})

			var id *int64
			if accountID != 0 {
				id = &accountID
			}

			result, err := collector.Run(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("garbage collection: %w", err)
			}

			fmt.Printf("versions purged:       %d\n", result.VersionsPurged)
			fmt.Printf("bytes evicted (quota):  %s\n", formatSize(result.BytesEvictedForQuota))
			fmt.Printf("blobs deleted:          %d\n", result.BlobsDeleted)
			fmt.Printf("bytes freed:            %s\n", formatSize(result.BytesFreed))
			fmt.Printf("quarantined items purged: %d\n", result.QuarantinePurged)

			if len(result.Errors) > 0 {
				fmt.Printf("errors:\n")
				for _, e := range result.Errors {
					fmt.Printf("  - %s\n", e)
				}

				return fmt.Errorf("garbage collection finished with %d error(s)", len(result.Errors))
			}

			return nil
		},
	}

	cmd.Flags().Int64Var(&accountID, "account-id", 0, "only collect this account")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be deleted without deleting")

	return cmd
}
