// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
)

func newUserCmd(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage credentials",
	}

	create := &cobra.Command{
		Use:   "create <username>",
		Short: "Create a credential",
		Long:  `Create a credential for username. The password is read from the first line of standard input.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(cmd.InOrStdin())
			if err != nil {
				return err
			}
			return withApp(cmd, deps, func(ctx context.Context, a *app) error {
				cred, err := a.service.Register(ctx, args[0], password)
				if err != nil {
					return err
				}
				cmd.Printf("Created user %s (%s)\n", cred.Username, cred.ID)
				return nil
			})
		},
	}

	passwd := &cobra.Command{
		Use:   "passwd <username>",
		Short: "Reset a password",
		Long:  `Replace the password of username. The new password is read from the first line of standard input.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(cmd.InOrStdin())
			if err != nil {
				return err
			}
			return withApp(cmd, deps, func(ctx context.Context, a *app) error {
				if err := a.service.SetPassword(ctx, args[0], password); err != nil {
					return err
				}
				cmd.Println("Password updated")
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <username>",
		Short: "Delete a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, deps, func(ctx context.Context, a *app) error {
				if err := a.service.DeleteAccount(ctx, args[0]); err != nil {
					return err
				}
				cmd.Println("User deleted")
				return nil
			})
		},
	}

	cmd.AddCommand(create, passwd, del)
	return cmd
}

// withApp loads the configuration, builds the app, runs fn and closes it.
func withApp(cmd *cobra.Command, deps *Deps, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, deps)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, a)
}

// readPassword returns the first line of r without its line ending.
func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", oops.Code("PASSWORD_READ_FAILED").Wrap(err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", oops.Code("PASSWORD_REQUIRED").Errorf("password is required on standard input")
	}
	return password, nil
}
