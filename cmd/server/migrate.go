package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Upgrade local data written by older clients",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		flagUsers, _ := cmd.Flags().GetStringSlice("user")
		users, err := usersFrom(flagUsers)
		if err != nil {
			return err
		}

		a, err := newApp(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		for _, user := range users {
			report, err := a.migrator.Run(ctx, user)
			if err != nil {
				return fmt.Errorf("migrate %s: %w", user, err)
			}
			fmt.Printf("%s: versioned=%d claimed=%d tombstones=%d watermarks=%d",
				user, report.Versioned, report.Claimed, report.Tombstones, report.Watermarks)
			for table, cols := range report.ColumnsAdded {
				fmt.Printf(" %s+%v", table, cols)
			}
			if report.AlreadyApplied {
				fmt.Print(" (re-run)")
			}
			fmt.Println()
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringSliceP("user", "u", nil, "user to migrate (repeatable, defaults to sync.users)")
	rootCmd.AddCommand(migrateCmd)
}
