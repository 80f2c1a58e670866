package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"fitsync/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-table sync state from the local metadata store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		flagUsers, _ := cmd.Flags().GetStringSlice("user")
		users, err := usersFrom(flagUsers)
		if err != nil {
			return err
		}
		jsonOutput, _ := cmd.Flags().GetBool("json")

		a, err := newApp(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		all := map[string][]*store.SyncMetadata{}
		for _, user := range users {
			list, err := a.meta.ListSyncMetadata(ctx, user)
			if err != nil {
				return err
			}
			all[user] = list
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(all)
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "USER\tTABLE\tSTATUS\tLAST PULL\tLAST PUSH\tRECORDS\tCONFLICTS\tERROR")
		for _, user := range users {
			for _, m := range all[user] {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
					user, m.TableName, m.SyncStatus, formatWhen(m.LastPullAt), formatWhen(m.LastPushAt),
					m.RecordCount, m.ConflictCount, m.ErrorMessage)
			}
		}
		return tw.Flush()
	},
}

func formatWhen(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func init() {
	statusCmd.Flags().StringSliceP("user", "u", nil, "user to show (repeatable, defaults to sync.users)")
	statusCmd.Flags().Bool("json", false, "print as JSON")
	rootCmd.AddCommand(statusCmd)
}
