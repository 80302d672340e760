package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"fieldflow/internal/archive"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Export audit rows to the archive",
}

var archiveRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Archive one UTC day",
	Long:  "fieldflowctl archive run [--day 2024-03-07]\n\nWithout --day the most recent day outside ARCHIVE_RETENTION is archived.",
	RunE: func(cmd *cobra.Command, args []string) error {
		dayFlag, _ := cmd.Flags().GetString("day")
		var day time.Time
		if dayFlag != "" {
			var err error
			if day, err = time.Parse("2006-01-02", dayFlag); err != nil {
				return fmt.Errorf("--day: %w", err)
			}
		}

		a, closeApp, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer closeApp()

		uploader, err := archive.NewUploader(cmd.Context(), a.Config)
		if err != nil {
			return err
		}
		arch := archive.New(a.Repo, uploader, a.Clock, a.Config.ArchiveRetention, a.Logger)
		var res archive.Result
		if day.IsZero() {
			res, err = arch.Run(cmd.Context())
		} else {
			res, err = arch.ArchiveDay(cmd.Context(), day)
		}
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	archiveRunCmd.Flags().String("day", "", "UTC day to archive (YYYY-MM-DD)")
	archiveCmd.AddCommand(archiveRunCmd)
}
