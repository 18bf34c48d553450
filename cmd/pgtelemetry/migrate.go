package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/pgtelemetry/internal/migrate"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the ClickHouse schema used by the clickhouse protocol",
	}

	newMigrator := func() (migrate.Migrator, error) {
		log, cfg, err := setup()
		if err != nil {
			return nil, err
		}

		return migrate.New(log, cfg.ClickHouseDSN()), nil
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := newMigrator()
				if err != nil {
					return err
				}

				return m.Up(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := newMigrator()
				if err != nil {
					return err
				}

				return m.Down(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the current migration version",
			RunE: func(cmd *cobra.Command, args []string) error {
				m, err := newMigrator()
				if err != nil {
					return err
				}

				v, dirty, err := m.Status(cmd.Context())
				if err != nil {
					return err
				}

				fmt.Printf("version: %d, dirty: %t\n", v, dirty)

				return nil
			},
		},
	)

	return cmd
}
