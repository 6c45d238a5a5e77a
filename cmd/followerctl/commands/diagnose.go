package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamforge-labs/follower/config"
)

// NewDiagnoseCommand creates the diagnose command.
func NewDiagnoseCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "diagnose",
		Short:   "Run connectivity and configuration checks",
		Aliases: []string{"diag", "doctor"},
		RunE:    runDiagnose,
	}
}

type diagnosticCheck struct {
	name string
	run  func() error
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	checks := []diagnosticCheck{
		{name: "configuration", run: checkConfiguration},
		{name: "database connection", run: checkDatabaseConnection},
		{name: "schema", run: checkSchema},
	}

	failed := 0
	for _, c := range checks {
		fmt.Printf("  checking %s... ", c.name)
		if err := c.run(); err != nil {
			fmt.Printf("FAILED: %v\n", err)
			failed++
			continue
		}
		fmt.Println("ok")
	}

	fmt.Println()
	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	fmt.Println("all checks passed")
	return nil
}

func checkConfiguration() error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	_, cfg, err := config.FindConfig(cwd)
	if err != nil {
		return fmt.Errorf("no %s found: %w", config.ConfigFileName, err)
	}

	if problems := cfg.Validate(); len(problems) > 0 {
		return fmt.Errorf("%d problem(s): %v", len(problems), problems)
	}
	return nil
}

func checkDatabaseConnection() error {
	adapter, err := openAdapter()
	if err != nil {
		return err
	}
	defer adapter.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return adapter.Ping(ctx)
}

func checkSchema() error {
	adapter, err := openAdapter()
	if err != nil {
		return err
	}
	defer adapter.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	version, err := adapter.MigrationVersion(ctx)
	if err != nil {
		return err
	}
	if version == 0 {
		return fmt.Errorf("schema not migrated; run `followerctl migrate up`")
	}
	return nil
}
