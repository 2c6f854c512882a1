package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/tasksync/internal/config"
	"github.com/basket/tasksync/internal/remote"
)

func loginCmd() *cobra.Command {
	var (
		server, username, password, totp string
		token                             string
		provider, code, redirect          string
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session",
		Long: `Sign in with a username and password, an OpenID Connect authorization
code, or a long-lived API token. A long-lived token is kept as the fallback
credential used when the session can no longer be renewed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if server != "" {
					server = strings.TrimRight(strings.TrimSpace(server), "/")
					a.client.Endpoint().Set(server)
				}
				if !a.client.Endpoint().Configured() {
					return errors.New("--server is required for the first login")
				}

				info, err := a.api.Info(ctx)
				if err != nil {
					return fmt.Errorf("contact server: %s", describe(err))
				}

				var session string
				switch {
				case code != "":
					session, err = a.api.OIDCCallback(ctx, provider, code, redirect)
				case username != "":
					if !info.Auth.Local.Enabled {
						return errors.New("server does not accept password logins")
					}
					session, err = a.api.Login(ctx, remote.LoginRequest{Username: username, Password: password, TOTPPasscode: totp})
				case token == "":
					return errors.New("one of --username, --code or --token is required")
				}
				if err != nil {
					return fmt.Errorf("login failed: %s", describe(err))
				}

				if err := a.creds.Login(ctx, session, token); err != nil {
					return err
				}
				if server != "" {
					if err := config.SetServerURL(a.cfg.HomeDir, server); err != nil {
						return fmt.Errorf("save server url: %w", err)
					}
				}
				a.coord.LoggedIn()
				a.logger.Info("logged in", "server", a.client.Endpoint().Base(), "server_version", info.Version)
				fmt.Fprintf(cmd.OutOrStdout(), "logged in to %s (server %s)\n", a.client.Endpoint().Base(), info.Version)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "server base URL")
	cmd.Flags().StringVarP(&username, "username", "u", "", "username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password")
	cmd.Flags().StringVar(&totp, "totp", "", "TOTP passcode")
	cmd.Flags().StringVar(&token, "token", "", "long-lived API token")
	cmd.Flags().StringVar(&provider, "provider", "", "OpenID Connect provider key")
	cmd.Flags().StringVar(&code, "code", "", "OpenID Connect authorization code")
	cmd.Flags().StringVar(&redirect, "redirect-url", "", "redirect URL used for the authorization code")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.creds.Logout(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "logged out")
				return nil
			})
		},
	}
}
