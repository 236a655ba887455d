// Package commands implements the CLI commands of the relay using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "feishu-client",
		Short: "Feishu bot and WeChat public-account LLM relay",
		Long: `feishu-client relays chat messages between IM platforms and upstream
LLM backends: Feishu bot messages stream into interactive cards, WeChat
public-account messages get blocking replies.

Examples:
  feishu-client serve
  feishu-client serve --config ./configs/config.yaml`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
