package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/wingbridge/internal/agent"
	"github.com/ehrlich-b/wingbridge/internal/logger"
	"github.com/ehrlich-b/wingbridge/internal/ntfy"
)

func configCmd() *cobra.Command {
	var workingDir, claudePath string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the working directory and claude binary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			changed := false
			if cmd.Flags().Changed("working-dir") {
				abs, err := filepath.Abs(workingDir)
				if err != nil {
					return err
				}
				if info, err := os.Stat(abs); err != nil || !info.IsDir() {
					return fmt.Errorf("working dir %s is not a directory", abs)
				}
				cfg.WorkingDir = abs
				changed = true
			}
			if cmd.Flags().Changed("claude-path") {
				cfg.ClaudePath = claudePath
				changed = true
			}
			if changed {
				if err := cfg.Save(); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config:       %s\n", cfg.Path())
			fmt.Fprintf(out, "working_dir:  %s\n", cfg.WorkingDir)
			fmt.Fprintf(out, "claude_path:  %s\n", orNone(cfg.ClaudePath))
			fmt.Fprintf(out, "store_url:    %s\n", orNone(cfg.StoreURL))
			fmt.Fprintf(out, "transport:    %s\n", cfg.Transport)
			return nil
		},
	}
	cmd.Flags().StringVar(&workingDir, "working-dir", "", "directory claude runs in")
	cmd.Flags().StringVar(&claudePath, "claude-path", "", "path to the claude binary")
	return cmd
}

func detectCmd() *cobra.Command {
	var save bool
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Find the claude binary",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, _ := os.UserHomeDir()
			path, err := agent.Detect(home)
			if errors.Is(err, agent.ErrNotConfigured) {
				return errors.New("claude not found; install it or set claude_path with `wb config --claude-path`")
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			if !save {
				return nil
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.ClaudePath = path
			return cfg.Save()
		},
	}
	cmd.Flags().BoolVar(&save, "save", true, "store the path as claude_path")
	return cmd
}

func notifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notify",
		Short: "Send a test push notification to ntfy_topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.NtfyTopic == "" {
				return errors.New("ntfy_topic is not set in " + cfg.Path())
			}
			if err := ntfy.New(cfg.NtfyTopic, cfg.NtfyToken, logger.Log).SendTest(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sent")
			return nil
		},
	}
}

func orNone(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}
