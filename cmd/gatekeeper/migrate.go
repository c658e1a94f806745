// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"strconv"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/gatekeeper/internal/store"
)

// newMigrateCmd creates the migrate subcommand.
func newMigrateCmd(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database schema migrations",
		Long:  `Apply, roll back or inspect the credentials and revoked_tokens schema.`,
	}

	var steps int
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, deps, func(m Migrator) error {
				cmd.Println("Running migrations...")
				if err := m.Up(); err != nil {
					return err
				}
				cmd.Println("Migrations completed successfully")
				return nil
			})
		},
	}

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Long:  `Roll back the given number of migrations, or all of them when --steps is 0.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if steps < 0 {
				return oops.Code("INVALID_STEPS").With("steps", steps).Errorf("steps must not be negative")
			}
			return withMigrator(cmd, deps, func(m Migrator) error {
				var err error
				if steps == 0 {
					err = m.Down()
				} else {
					err = m.Steps(-steps)
				}
				if err != nil {
					return err
				}
				cmd.Println("Rollback completed successfully")
				return nil
			})
		},
	}
	down.Flags().IntVar(&steps, "steps", 0, "number of migrations to roll back (0 = all)")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, deps, func(m Migrator) error {
				st, err := m.Status()
				if err != nil {
					return err
				}
				printStatus(cmd, st)
				return nil
			})
		},
	}

	force := &cobra.Command{
		Use:   "force <version>",
		Short: "Set the schema version without running migrations",
		Long: `Set the recorded schema version and clear the dirty flag. Use after
fixing a failed migration by hand.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := parseForceVersion(args[0])
			if err != nil {
				return err
			}
			return withMigrator(cmd, deps, func(m Migrator) error {
				if err := m.Force(version); err != nil {
					return err
				}
				cmd.Printf("Schema version forced to %d\n", version)
				return nil
			})
		},
	}

	cmd.AddCommand(up, down, status, force)
	return cmd
}

// withMigrator loads the database URL, runs fn with a migrator and closes it.
func withMigrator(cmd *cobra.Command, deps *Deps, fn func(m Migrator) error) (err error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	databaseURL, err := requireDatabaseURL(cfg)
	if err != nil {
		return err
	}

	m, err := deps.MigratorFactory(databaseURL)
	if err != nil {
		return oops.Code("DB_CONNECT_FAILED").With("operation", "create migrator").Wrap(err)
	}
	defer func() {
		if closeErr := m.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	return fn(m)
}

func printStatus(cmd *cobra.Command, st *store.Status) {
	state := "clean"
	if st.Dirty {
		state = "dirty"
	}
	cmd.Printf("Version: %d (%s)\n", st.Version, state)
	cmd.Printf("Applied: %s\n", migrationList(st.Applied))
	cmd.Printf("Pending: %s\n", migrationList(st.Pending))
}

func migrationList(versions []uint) string {
	if len(versions) == 0 {
		return "none"
	}
	names := make([]string, 0, len(versions))
	for _, v := range versions {
		name, err := store.MigrationName(v)
		if err != nil || name == "" {
			name = strconv.FormatUint(uint64(v), 10)
		}
		names = append(names, name)
	}
	return strings.Join(names, ", ")
}

// parseForceVersion parses the version argument of migrate force. -1 is
// accepted and means no migration applied.
func parseForceVersion(s string) (int, error) {
	version, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, oops.Code("INVALID_VERSION").With("input", s).Errorf("version must be an integer")
	}
	if version < -1 {
		return 0, oops.Code("INVALID_VERSION").With("input", s).Errorf("version must be -1 or greater")
	}
	return version, nil
}
