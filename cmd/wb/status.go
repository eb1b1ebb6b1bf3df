package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/wingbridge/internal/auth"
	"github.com/ehrlich-b/wingbridge/internal/store"
)

func statusCmd() *cobra.Command {
	var recent int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show login, configuration and recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			saved, err := auth.NewSessionStore(cfg.Dir).Load()
			switch {
			case err != nil:
				fmt.Fprintf(out, "account:      unreadable session (%v)\n", err)
			case saved == nil:
				fmt.Fprintln(out, "account:      not logged in")
			default:
				fmt.Fprintf(out, "account:      %s (%s)\n", saved.Email, saved.UID)
			}
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(out, "config:       invalid: %v\n", err)
			} else {
				fmt.Fprintf(out, "config:       ok (%s)\n", cfg.Path())
			}
			fmt.Fprintf(out, "working_dir:  %s\n", cfg.WorkingDir)
			fmt.Fprintf(out, "claude_path:  %s\n", orNone(cfg.ClaudePath))

			if _, err := os.Stat(cfg.DBPath()); err != nil {
				fmt.Fprintln(out, "jobs:         none yet")
				return nil
			}
			ledger, err := store.Open(cfg.DBPath())
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer ledger.Close()

			done, failed, err := ledger.Counts()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "jobs:         %d done, %d failed\n", done, failed)
			entries, err := ledger.RecentLog(recent)
			if err != nil {
				return err
			}
			for _, e := range entries {
				line := fmt.Sprintf("  %s  %-10s %s/%s", e.Timestamp.Format("2006-01-02 15:04:05"), e.Event, e.SessionID, e.MessageID)
				if e.Detail != nil {
					line += "  " + *e.Detail
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&recent, "recent", "n", 10, "number of recent job events to show")
	return cmd
}
