package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"fieldflow/internal/lifecycle"
)

var lifecycleCmd = &cobra.Command{
	Use:   "lifecycle",
	Short: "Show the job lifecycle table",
}

var lifecycleDescribeCmd = &cobra.Command{
	Use:   "describe",
	Short: "Print every state, event and guard",
	RunE: func(cmd *cobra.Command, args []string) error {
		desc := lifecycle.NewMachine(lifecycle.JobTable).Describe()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(cmd.OutOrStdout(), desc)
		}
		out := cmd.OutOrStdout()
		for _, e := range desc.Edges {
			guard := ""
			if e.Guard != "" {
				guard = "  [" + e.Guard + "]"
			}
			fmt.Fprintf(out, "%-20s --%s--> %s%s\n", e.From, e.Event, e.To, guard)
		}
		fmt.Fprintf(out, "terminal: %v\n", desc.Terminal)
		return nil
	},
}

func init() {
	lifecycleDescribeCmd.Flags().Bool("json", false, "Print as JSON")
	lifecycleCmd.AddCommand(lifecycleDescribeCmd)
}
