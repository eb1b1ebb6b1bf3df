package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/wingbridge/internal/agent"
	"github.com/ehrlich-b/wingbridge/internal/auth"
	"github.com/ehrlich-b/wingbridge/internal/config"
	"github.com/ehrlich-b/wingbridge/internal/daemon"
	"github.com/ehrlich-b/wingbridge/internal/logger"
	"github.com/ehrlich-b/wingbridge/internal/mailbox"
	"github.com/ehrlich-b/wingbridge/internal/ntfy"
	"github.com/ehrlich-b/wingbridge/internal/presence"
	"github.com/ehrlich-b/wingbridge/internal/store"
	"github.com/ehrlich-b/wingbridge/internal/update"
)

const (
	updateFirstCheck = time.Minute
	updateInterval   = time.Hour
)

func startCmd() *cobra.Command {
	var autostart bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the relay daemon in the foreground",
		Long: "Restores the saved session and relays requests until interrupted.\n" +
			"With --autostart, a missing login or configuration exits quietly instead of failing.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = runDaemon(ctx, cfg)
			switch {
			case err == nil, errors.Is(err, context.Canceled):
				logger.Log.Info("stopped")
				return nil
			case autostart && (errors.Is(err, auth.ErrNotLoggedIn) || errors.Is(err, errNotConfigured)):
				logger.Log.Info("not starting", "reason", err)
				return nil
			case auth.IsFatal(err):
				return fmt.Errorf("%w\nsign in again with `wb login`", err)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&autostart, "autostart", false, "exit quietly when not logged in or not configured (for login scripts)")
	return cmd
}

var errNotConfigured = errors.New("not configured")

func runDaemon(ctx context.Context, cfg *config.Config) error {
	log := logger.Log
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errNotConfigured, err)
	}
	if cfg.ClaudePath == "" {
		home, _ := os.UserHomeDir()
		if p, err := agent.Detect(home); err == nil {
			log.Info("using detected claude", "path", p)
			cfg.ClaudePath = p
		} else {
			log.Warn("claude not found; requests will fail until claude_path is set")
		}
	}

	mgr, err := newAuthManager(cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", errNotConfigured, err)
	}
	principal, err := mgr.AwaitRestore(ctx)
	if err != nil {
		return err
	}
	if principal == nil {
		return fmt.Errorf("%w: run `wb login`", auth.ErrNotLoggedIn)
	}
	log.Info("signed in", "email", principal.Email, "uid", principal.UID)

	ledger, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer ledger.Close()

	mb := mailbox.New(cfg.StoreURL, mgr, mailbox.Options{
		Logger:       log,
		Transport:    cfg.Transport,
		StreamURL:    cfg.StreamURL,
		PollInterval: cfg.Poll(),
	})

	runner := agent.NewRunner(agentConfig(cfg))
	runner.Logger = log

	var notifier daemon.Notifier
	if cfg.NtfyTopic != "" {
		n := ntfy.New(cfg.NtfyTopic, cfg.NtfyToken, log)
		defer n.Wait()
		notifier = n
	}

	d, err := daemon.New(daemon.Options{
		UID:                principal.UID,
		Mailbox:            mb,
		Runner:             runner,
		Ledger:             ledger,
		Notifier:           notifier,
		Logger:             log,
		WorkDir:            cfg.WorkingDir,
		StreamOutput:       cfg.StreamOutput,
		MaxDecryptAttempts: cfg.MaxDecryptAttempts,
		MaxConcurrentJobs:  cfg.MaxConcurrentJobs,
		IdleTTL:            cfg.IdleTTL(),
	})
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	reporter := &presence.Reporter{
		UID:      principal.UID,
		Version:  version,
		Hostname: hostname,
		Mailbox:  mb,
		Status:   d.Status,
		Logger:   log,
		Interval: cfg.Heartbeat(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(gctx) })
	g.Go(func() error {
		reporter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		update.Loop(gctx, cfg.UpdateURL, version, updateFirstCheck, updateInterval, log)
		return nil
	})
	g.Go(func() error {
		err := config.Watch(gctx, cfg.Dir, func(nc *config.Config) {
			if err := nc.Validate(); err != nil {
				log.Warn("ignoring invalid config change", "err", err)
				return
			}
			if nc.ClaudePath == "" {
				nc.ClaudePath = cfg.ClaudePath
			}
			d.SetRunnerConfig(daemon.RunnerConfig{
				WorkDir:      nc.WorkingDir,
				StreamOutput: nc.StreamOutput,
				Agent:        agentConfig(nc),
			})
			log.Info("config reloaded", "working_dir", nc.WorkingDir, "claude_path", nc.ClaudePath)
		})
		if err != nil && gctx.Err() == nil {
			log.Warn("config watch stopped", "err", err)
		}
		return nil
	})

	log.Info("wingbridge running", "version", version, "working_dir", cfg.WorkingDir, "transport", cfg.Transport)
	return g.Wait()
}

func agentConfig(cfg *config.Config) agent.Config {
	return agent.Config{
		BinaryPath: cfg.ClaudePath,
		Continue:   !cfg.NoContinue,
		StreamJSON: cfg.StreamOutput,
	}
}
