package main

import (
	"fmt"
	"os"

	"github.com/rickgao/sprite-bridge/internal/version"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "bridge",
	Short: "sprite-bridge - relay browser sessions to per-user sprites",
	Long: `sprite-bridge relays real-time messages between browser tabs and each
user's sprite. It keeps one sprite link per user, wakes or restarts the
sprite when the link drops, and buffers messages while it recovers.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "bridge", version.String())
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"bridge version %s\nCommit: %s\nBuilt: %s\n",
		version.Version, version.Commit, version.BuildTime,
	))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/bridge.yaml", "path to config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}
