package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	debug      bool
	jsonLogs   bool
	silent     bool
)

var rootCmd = &cobra.Command{
	Use:   "mcpgateway",
	Short: "Registry and gateway for MCP servers and A2A agents",
	Long: `mcpgateway is a control plane for Model Context Protocol servers and
A2A agents: it stores their definitions, enforces fine-grained access on
every proxied call, federates catalogs across peer registries, and exposes
a single authenticated HTTP entry point in front of all backends.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config-path", "", "Configuration directory (default ~/.config/mcpgateway)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Emit logs as JSON")
	rootCmd.PersistentFlags().BoolVar(&silent, "silent", false, "Suppress log output")
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		os.Exit(1)
	}
}
