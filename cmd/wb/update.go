package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/wingbridge/internal/update"
)

func updateCmd() *cobra.Command {
	var checkOnly bool
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update wb to the latest release",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.UpdateURL == "" {
				return errors.New("update_url is not set in " + cfg.Path())
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "current version: %s\n", version)

			rel, err := update.Check(cmd.Context(), nil, cfg.UpdateURL, version)
			if err != nil {
				return err
			}
			if rel == nil {
				fmt.Fprintln(out, "already up to date")
				return nil
			}
			fmt.Fprintf(out, "latest version:  %s\n", rel.Version)
			if rel.Notes != "" {
				fmt.Fprintf(out, "\n%s\n\n", rel.Notes)
			}
			if checkOnly {
				return nil
			}

			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("find executable: %w", err)
			}
			fmt.Fprintf(out, "downloading %s...\n", rel.Version)
			if err := update.Install(cmd.Context(), nil, rel, exe); err != nil {
				return err
			}
			fmt.Fprintf(out, "updated to %s\n", rel.Version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&checkOnly, "check", false, "only report whether an update is available")
	return cmd
}
