package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ehrlich-b/wingbridge/internal/auth"
	"github.com/ehrlich-b/wingbridge/internal/config"
	"github.com/ehrlich-b/wingbridge/internal/logger"
)

func newAuthManager(cfg *config.Config) (*auth.Manager, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("api_key is not set; add it to " + cfg.Path() + " or set WB_API_KEY")
	}
	provider := &auth.IdentityToolkit{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL, APIKey: cfg.APIKey}
	return auth.NewManager(provider, auth.NewSessionStore(cfg.Dir), logger.Log), nil
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login [email]",
		Short: "Sign in and remember the session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return signIn(cmd, args, false)
		},
	}
}

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register [email]",
		Short: "Create an account and sign in",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return signIn(cmd, args, true)
		},
	}
}

func signIn(cmd *cobra.Command, args []string, register bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mgr, err := newAuthManager(cfg)
	if err != nil {
		return err
	}

	in := bufio.NewReader(cmd.InOrStdin())
	email := ""
	if len(args) > 0 {
		email = args[0]
	} else {
		fmt.Fprint(cmd.OutOrStdout(), "email: ")
		email, err = readLine(in)
		if err != nil {
			return err
		}
	}
	if email == "" {
		return errors.New("email is required")
	}
	password, err := readPassword(cmd, in)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	var p *auth.Principal
	if register {
		p, err = mgr.Register(ctx, email, password)
	} else {
		p, err = mgr.Login(ctx, email, password)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s (%s)\n", p.Email, p.UID)
	return nil
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := auth.NewSessionStore(cfg.Dir).Delete(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return nil
		},
	}
}

// readPassword prompts without echo on a terminal and reads a plain line
// otherwise, so scripts can pipe it in.
func readPassword(cmd *cobra.Command, in *bufio.Reader) (string, error) {
	fmt.Fprint(cmd.OutOrStdout(), "password: ")
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		pw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.OutOrStdout())
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(pw), nil
	}
	return readLine(in)
}

func readLine(in *bufio.Reader) (string, error) {
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
