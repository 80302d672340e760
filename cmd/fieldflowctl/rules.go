package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"fieldflow/internal/ruleset"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage automation rules",
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Upsert the rules of a YAML rule file",
	Long:  "fieldflowctl rules import rules.yaml\n\nRules are matched by name. Changed rules get a new version, unchanged rules are left alone.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := ruleset.Load(args[0])
		if err != nil {
			return err
		}
		a, closeApp, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer closeApp()

		rep, err := a.ImportRules(cmd.Context(), tenantFlag(cmd), f)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rep)
	},
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the current version of every rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant := tenantFlag(cmd)
		if tenant == "" {
			return fmt.Errorf("--tenant is required")
		}
		all, _ := cmd.Flags().GetBool("all")
		a, closeApp, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer closeApp()

		list, err := a.Rules.ListRules(cmd.Context(), tenant, all)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, "No rules found.")
			return nil
		}
		fmt.Fprintf(out, "%-38s  %-7s  %-6s  %-24s  %s\n", "RULE ID", "VERSION", "ACTIVE", "EVENT", "NAME")
		fmt.Fprintln(out, strings.Repeat("-", 100))
		for _, r := range list {
			fmt.Fprintf(out, "%-38s  %-7d  %-6t  %-24s  %s\n", r.ID, r.Version, r.Active, r.Trigger.Event, r.Name)
		}
		return nil
	},
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Parse a rule file without touching the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := ruleset.Load(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d rules, %d sequence templates\n", len(f.Rules), len(f.Sequences))
		return nil
	},
}

func init() {
	rulesListCmd.Flags().Bool("all", false, "Include inactive rules")
	rulesCmd.AddCommand(rulesImportCmd)
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesValidateCmd)
}
