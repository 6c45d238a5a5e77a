package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dreamforge-labs/follower/adapters/postgres"
	"github.com/dreamforge-labs/follower/config"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect the PostgreSQL schema",
	}

	cmd.AddCommand(newMigrateUpCommand())
	cmd.AddCommand(newMigrateStatusCommand())

	return cmd
}

func newMigrateUpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Create the events, snapshots, and transaction_log tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			adapter, err := openAdapter()
			if err != nil {
				return err
			}
			defer adapter.Close()

			ctx := context.Background()
			if err := adapter.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}

			fmt.Printf("schema %q is up to date\n", adapter.Schema())
			return nil
		},
	}
}

func newMigrateStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the schema has been created",
		RunE: func(cmd *cobra.Command, args []string) error {
			adapter, err := openAdapter()
			if err != nil {
				return err
			}
			defer adapter.Close()

			ctx := context.Background()
			version, err := adapter.MigrationVersion(ctx)
			if err != nil {
				return fmt.Errorf("migrate status: %w", err)
			}

			if version == 0 {
				fmt.Println("schema not migrated; run `followerctl migrate up`")
				return nil
			}

			fmt.Printf("schema %q is migrated (version %d)\n", adapter.Schema(), version)
			return nil
		},
	}
}

func openAdapter() (*postgres.PostgresAdapter, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	_, cfg, err := config.FindConfig(cwd)
	if err != nil {
		return nil, fmt.Errorf("no %s found: %w", config.ConfigFileName, err)
	}

	if cfg.Database.Driver != "postgres" {
		return nil, fmt.Errorf("database.driver %q does not use migrations", cfg.Database.Driver)
	}

	dbURL := os.ExpandEnv(cfg.Database.URL)
	if dbURL == "" || dbURL == "${DATABASE_URL}" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is not set")
	}

	return postgres.NewAdapter(dbURL,
		postgres.WithSchema(cfg.Database.Schema),
		postgres.WithMaxConnections(cfg.Database.MaxConnections),
		postgres.WithMaxIdleConnections(cfg.Database.MaxIdleConnections),
	)
}
