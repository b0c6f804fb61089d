// flowdeploy-migrate применяет и откатывает схему БД.
//
//	flowdeploy-migrate up
//	flowdeploy-migrate down [--steps N]
//	flowdeploy-migrate version
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/shaiso/flowdeploy/internal/config"
	"github.com/shaiso/flowdeploy/migrations"
)

func main() {
	var dbURL string

	rootCmd := &cobra.Command{
		Use:           "flowdeploy-migrate",
		Short:         "Manage the flowdeploy database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if dbURL != "" {
				return nil
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			dbURL = cfg.DBURL
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", "", "Database URL (default: DB_URL)")

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := migrations.Up(dbURL); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "migrations applied")
			return nil
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := migrations.New(dbURL)
			if err != nil {
				return err
			}
			defer m.Close()

			if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return fmt.Errorf("roll back: %w", err)
			}
			fmt.Fprintf(os.Stderr, "rolled back %d migration(s)\n", steps)
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := migrations.New(dbURL)
			if err != nil {
				return err
			}
			defer m.Close()

			v, dirty, err := m.Version()
			if errors.Is(err, migrate.ErrNilVersion) {
				fmt.Println("no migrations applied")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("%d (dirty: %t)\n", v, dirty)
			return nil
		},
	}

	rootCmd.AddCommand(up, down, version)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
