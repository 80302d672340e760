package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"fieldflow/internal/worker"
)

var sequencesCmd = &cobra.Command{
	Use:   "sequences",
	Short: "Inspect and drive follow-up sequences",
}

var sequencesProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Run one scheduler heartbeat now",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, closeApp, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer closeApp()

		hb := worker.NewHeartbeat(a.Scheduler, a.Clock, a.Logger, worker.Options{Self: a.Config.WorkerID, MemberTTL: a.Config.LeaseTTL})
		if a.Leases != nil {
			hb.SetMembership(a.Leases, a.Ring)
		}
		rep, err := hb.Beat(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rep)
	},
}

var sequencesLeadCmd = &cobra.Command{
	Use:   "lead <lead-id>",
	Short: "List the sequences of a lead, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant := tenantFlag(cmd)
		if tenant == "" {
			return fmt.Errorf("--tenant is required")
		}
		a, closeApp, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer closeApp()

		list, err := a.Scheduler.ListForLead(cmd.Context(), tenant, args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, "No sequences found.")
			return nil
		}
		fmt.Fprintf(out, "%-38s  %-10s  %-5s  %s\n", "SEQUENCE ID", "STATUS", "STEP", "NEXT STEP AT")
		fmt.Fprintln(out, strings.Repeat("-", 90))
		for _, s := range list {
			next := "-"
			if s.NextStepAt != nil {
				next = s.NextStepAt.UTC().Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(out, "%-38s  %-10s  %d/%-3d  %s\n", s.ID, s.Status, s.CurrentStep, len(s.Steps), next)
		}
		return nil
	},
}

func init() {
	sequencesCmd.AddCommand(sequencesProcessCmd)
	sequencesCmd.AddCommand(sequencesLeadCmd)
}
