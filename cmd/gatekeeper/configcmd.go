// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"os"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/gatekeeper/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration file format",
	}

	schema := &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON Schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := config.Schema()
			if err != nil {
				return err
			}
			cmd.Println(string(data))
			return nil
		},
	}

	validate := &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a configuration file",
		Long: `Validate a configuration file against the schema, then check the
resulting configuration including environment overrides. Defaults to --config
or the XDG default file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return oops.Code("CONFIG_INVALID").Errorf("no configuration file given")
			}

			data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
			if err != nil {
				return oops.Code("CONFIG_READ_FAILED").With("path", path).Wrap(err)
			}
			if err := config.ValidateYAML(data); err != nil {
				return err
			}
			cfg, err := config.Load(path, nil)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			cmd.Printf("%s is valid\n", path)
			return nil
		},
	}

	cmd.AddCommand(schema, validate)
	return cmd
}
