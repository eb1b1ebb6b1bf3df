package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/wingbridge/internal/config"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "wb",
		Short: "wingbridge — run Claude on this machine from anywhere",
		Long: "Relays end-to-end encrypted prompts from your browser to the claude CLI on this machine.\n" +
			"The mailbox in between only ever sees ciphertext.",
		SilenceUsage: true,
	}

	root.AddCommand(
		loginCmd(),
		registerCmd(),
		logoutCmd(),
		configCmd(),
		detectCmd(),
		notifyCmd(),
		startCmd(),
		statusCmd(),
		updateCmd(),
		versionCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// loadConfig reads the configuration from the application directory,
// creating the directory on first use.
func loadConfig() (*config.Config, error) {
	dir, err := config.Dir()
	if err != nil {
		return nil, fmt.Errorf("find config dir: %w", err)
	}
	if err := config.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	return config.Load(dir)
}
