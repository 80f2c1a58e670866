package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"fitsync/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass and print the per-table results",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		flagUsers, _ := cmd.Flags().GetStringSlice("user")
		users, err := usersFrom(flagUsers)
		if err != nil {
			return err
		}
		rawDir, _ := cmd.Flags().GetString("direction")
		dir, err := sync.ParseDirection(rawDir)
		if err != nil {
			return err
		}
		tables, _ := cmd.Flags().GetStringSlice("tables")
		if len(tables) == 0 {
			tables = cfg.Sync.Tables
		}
		full, _ := cmd.Flags().GetBool("full")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		a, err := newApp(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.migrateUsers(ctx, users); err != nil {
			return err
		}

		all := map[string][]sync.Result{}
		var failed bool
		for _, user := range users {
			results, err := a.orch.Sync(ctx, user, sync.Options{Direction: dir, Tables: tables, ForceFullSync: full})
			if err != nil {
				return fmt.Errorf("sync %s: %w", user, err)
			}
			all[user] = results
			if sync.Errors(results) != nil {
				failed = true
			}
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(all); err != nil {
				return err
			}
		} else {
			printResults(users, all)
		}
		if failed {
			return fmt.Errorf("one or more tables failed")
		}
		return nil
	},
}

func printResults(users []string, all map[string][]sync.Result) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tTABLE\tSTATUS\tPULLED\tPUSHED\tCREATED\tUPDATED\tDELETED\tCONFLICTS\tFAILED\tMESSAGE")
	for _, user := range users {
		for _, r := range all[user] {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
				user, r.Table, r.Status, r.Pulled, r.Pushed, r.Created, r.Updated, r.Deleted, r.Conflicts, len(r.Errors), r.Message)
		}
	}
	tw.Flush()
}

func init() {
	syncCmd.Flags().StringSliceP("user", "u", nil, "user to sync (repeatable, defaults to sync.users)")
	syncCmd.Flags().StringP("direction", "d", "bidirectional", "pull, push or bidirectional")
	syncCmd.Flags().StringSliceP("tables", "t", nil, "tables to sync (defaults to all)")
	syncCmd.Flags().Bool("full", false, "ignore watermarks and compare every record")
	syncCmd.Flags().Bool("json", false, "print results as JSON")
	rootCmd.AddCommand(syncCmd)
}
