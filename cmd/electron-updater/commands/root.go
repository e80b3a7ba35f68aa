package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "electron-updater",
	Short: "Over-the-air bundle updater for desktop hosts",
	Long:  `Fetches, verifies, and installs web asset bundles with atomic promotion and automatic rollback.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("user-data-dir", ".", "Host user-data directory")
	rootCmd.PersistentFlags().String("app-id", "", "Application identifier")
	rootCmd.PersistentFlags().String("update-url", "", "Update endpoint URL")
	rootCmd.PersistentFlags().String("channel-url", "", "Channel endpoint URL")
	rootCmd.PersistentFlags().String("stats-url", "", "Stats endpoint URL")
	rootCmd.PersistentFlags().String("builtin-path", "", "Path of the builtin bundle's index.html")
	rootCmd.PersistentFlags().String("version-build", "1.0.0", "Native build version")
	rootCmd.PersistentFlags().Int("response-timeout", 20, "HTTP timeout in seconds")

	viper.BindPFlag("user-data-dir", rootCmd.PersistentFlags().Lookup("user-data-dir"))
	viper.BindPFlag("app-id", rootCmd.PersistentFlags().Lookup("app-id"))
	viper.BindPFlag("update-url", rootCmd.PersistentFlags().Lookup("update-url"))
	viper.BindPFlag("channel-url", rootCmd.PersistentFlags().Lookup("channel-url"))
	viper.BindPFlag("stats-url", rootCmd.PersistentFlags().Lookup("stats-url"))
	viper.BindPFlag("builtin-path", rootCmd.PersistentFlags().Lookup("builtin-path"))
	viper.BindPFlag("version-build", rootCmd.PersistentFlags().Lookup("version-build"))
	viper.BindPFlag("response-timeout", rootCmd.PersistentFlags().Lookup("response-timeout"))
}
