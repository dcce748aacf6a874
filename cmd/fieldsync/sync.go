package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldtally/go-fieldsync/fieldlite"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one forced sync cycle now",
	Long: `Sync forces a single cycle against the remote authority: push
pending events in bounded batches, upload granted media, commit accepted
ids, then pull remote events past the stored cursor.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		hooks := fieldlite.Hooks{
			OnSyncStart: func() {
				fmt.Println("Sync started")
			},
			OnEventSynced: func(ev *fieldlite.Event) {
				fmt.Printf("  synced  %s (%s)\n", ev.ClientID, ev.Type)
			},
			OnEventError: func(ev *fieldlite.Event, msg string) {
				fmt.Fprintf(os.Stderr, "  error   %s (%s): %s\n", ev.ClientID, ev.Type, msg)
			},
			OnQueueChanged: func(pending int) {
				fmt.Printf("Queue: %d pending\n", pending)
			},
		}

		client, db, err := openClient(hooks)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := client.Sync(cmd.Context()); err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		fmt.Println("Sync complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
