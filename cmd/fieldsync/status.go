package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldtally/go-fieldsync/fieldlite"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth, retained upload grants and the pull cursor",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, db, err := openClient(fieldlite.Hooks{})
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()

		pending, err := client.CountPending(ctx)
		if err != nil {
			return err
		}
		grants, err := client.ListPendingUploads(ctx)
		if err != nil {
			return err
		}
		cursor, err := client.ReadSyncCursor(ctx, "events")
		if err != nil {
			return err
		}

		fmt.Printf("Device:          %s\n", client.DeviceID)
		fmt.Printf("Pending events:  %d\n", pending)
		fmt.Printf("Upload grants:   %d\n", len(grants))
		fmt.Printf("Pull cursor:     %d\n", cursor)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
