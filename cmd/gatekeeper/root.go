// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/holomush/gatekeeper/internal/config"
	"github.com/holomush/gatekeeper/internal/xdg"
)

// serviceName tags every log record.
const serviceName = "gatekeeper"

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the gatekeeper CLI.
func NewRootCmd() *cobra.Command {
	return newRootCmd(nil)
}

func newRootCmd(deps *Deps) *cobra.Command {
	deps = deps.withDefaults()

	cmd := &cobra.Command{
		Use:   "gatekeeper",
		Short: "Gatekeeper - password authentication and session tokens",
		Long: `Gatekeeper verifies passwords against argon2id hashes stored in
PostgreSQL and issues signed, revocable session tokens.`,
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file path (default: $XDG_CONFIG_HOME/gatekeeper/"+xdg.ConfigFileName+" if present)")
	flags.String("database-url", "", "PostgreSQL connection URL (default: $"+config.EnvDatabaseURL+")")
	flags.String("log-format", "", "log format (json or text)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	config.BindFlag(flags, "database-url", "database.url")
	config.BindFlag(flags, "log-format", "log.format")
	config.BindFlag(flags, "log-level", "log.level")

	cmd.AddCommand(newServeCmd(deps))
	cmd.AddCommand(newMigrateCmd(deps))
	cmd.AddCommand(newUserCmd(deps))
	cmd.AddCommand(newTokenCmd(deps))
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadConfig reads the configuration for cmd, honoring --config and any
// bound flags set on the command line.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(configPath(), cmd.Flags())
}

// configPath returns --config, or the XDG default file when it exists.
func configPath() string {
	if configFile != "" {
		return configFile
	}
	return xdg.DefaultConfigFile()
}
