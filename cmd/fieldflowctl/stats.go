package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize rule executions in a window",
	Long:  "fieldflowctl stats --tenant acme --from 2024-03-01T00:00:00Z --to 2024-03-02T00:00:00Z\n\nThe window defaults to the last 24 hours.",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant := tenantFlag(cmd)
		if tenant == "" {
			return fmt.Errorf("--tenant is required")
		}
		fromFlag, _ := cmd.Flags().GetString("from")
		toFlag, _ := cmd.Flags().GetString("to")
		from, to, err := statsWindow(fromFlag, toFlag, time.Now().UTC())
		if err != nil {
			return err
		}

		a, closeApp, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer closeApp()

		stats, err := a.Engine.ExecutionStats(cmd.Context(), tenant, from, to)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), stats)
	},
}

func statsWindow(fromFlag, toFlag string, now time.Time) (time.Time, time.Time, error) {
	from, to := now.Add(-24*time.Hour), now
	var err error
	if fromFlag != "" {
		if from, err = time.Parse(time.RFC3339, fromFlag); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--from: %w", err)
		}
	}
	if toFlag != "" {
		if to, err = time.Parse(time.RFC3339, toFlag); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--to: %w", err)
		}
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("--from must be before --to")
	}
	return from, to, nil
}

func init() {
	statsCmd.Flags().String("from", "", "Window start (RFC3339)")
	statsCmd.Flags().String("to", "", "Window end (RFC3339)")
}
