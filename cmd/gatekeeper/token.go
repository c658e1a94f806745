// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/gatekeeper/internal/auth"
	"github.com/holomush/gatekeeper/internal/config"
)

func newTokenCmd(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue, verify and revoke session tokens",
	}

	var checkPassword bool
	issue := &cobra.Command{
		Use:   "issue <username>",
		Short: "Issue a session token",
		Long: `Issue a session token for username and print it. With --password-stdin the
password is read from standard input and checked as a login would be;
otherwise the token is issued without a password check.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if checkPassword {
				var err error
				if password, err = readPassword(cmd.InOrStdin()); err != nil {
					return err
				}
			}
			return withApp(cmd, deps, func(ctx context.Context, a *app) error {
				var (
					tok *auth.SessionToken
					err error
				)
				if checkPassword {
					tok, err = a.service.Login(ctx, args[0], password)
				} else {
					tok, err = issueWithoutPassword(ctx, a, args[0])
				}
				if err != nil {
					return err
				}
				cmd.Println(tok.Encoded)
				return nil
			})
		},
	}
	issue.Flags().BoolVar(&checkPassword, "password-stdin", false, "read and check the password from standard input")

	verify := &cobra.Command{
		Use:   "verify <token>",
		Short: "Verify a session token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, deps, func(ctx context.Context, a *app) error {
				id, err := a.service.Authenticate(ctx, args[0])
				if err != nil {
					return err
				}
				cmd.Printf("User:    %s\n", id.UserID)
				cmd.Printf("Token:   %s\n", id.TokenID)
				cmd.Printf("Expires: %s\n", id.ExpiresAt.Format(time.RFC3339))
				return nil
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <token>",
		Short: "Revoke a session token",
		Long:  `Revoke a session token. Requires the postgres revocation backend.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, deps, func(ctx context.Context, a *app) error {
				if a.cfg.Revocation.Backend != config.RevocationPostgres {
					return oops.Code("CONFIG_INVALID").
						With("section", "revocation").
						Errorf("revoking from the command line requires revocation.backend %q", config.RevocationPostgres)
				}
				if err := a.service.Logout(ctx, args[0]); err != nil {
					return err
				}
				cmd.Println("Token revoked")
				return nil
			})
		},
	}

	cmd.AddCommand(issue, verify, revoke)
	return cmd
}

func issueWithoutPassword(ctx context.Context, a *app, username string) (*auth.SessionToken, error) {
	cred, err := a.credentials.FindByUsername(ctx, auth.NormalizeUsername(username))
	if err != nil {
		return nil, err
	}
	tok, err := a.tokens.Issue(cred.ID)
	if err != nil {
		return nil, err
	}
	a.logger.Info("issued token without password check", "token", tok)
	return tok, nil
}
