// Package commands implements the HiveClaw CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hiveclaw",
		Short: "HiveClaw - multi-tenant conversational assistant",
		Long: `HiveClaw is a tenant-isolated conversational assistant backend.
It receives messages through an HTTP webhook, answers them with an LLM plus
a tool surface scoped to the caller's tenant, and manages recurring triggers.

Examples:
  hiveclaw serve
  hiveclaw serve --config ./config.yaml
  hiveclaw tenant create "Acme Corp" --owner user_42
  hiveclaw triggers`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newTenantCmd(),
		newTriggersCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
