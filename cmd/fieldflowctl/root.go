package main

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"fieldflow/internal/app"
	"fieldflow/internal/config"
	"fieldflow/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:          "fieldflowctl",
	Short:        "Operate the fieldflow job lifecycle and automation store",
	Long:         "fieldflowctl talks to the store configured through the usual fieldflow environment (STORE_DRIVER, POSTGRES_DSN, SQLITE_PATH, REDIS_ADDR).",
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	cobra.EnableCommandSorting = false
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().String("tenant", "", "Tenant to operate on")

	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(sequencesCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(lifecycleCmd)
}

func openApp(cmd *cobra.Command) (*app.App, func(), error) {
	cfg := config.Load()
	logger := logging.New(cfg.LogFormat, cfg.LogLevel)
	return app.Open(cmd.Context(), cfg, logger)
}

func tenantFlag(cmd *cobra.Command) string {
	tenant, _ := cmd.Flags().GetString("tenant")
	return tenant
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
