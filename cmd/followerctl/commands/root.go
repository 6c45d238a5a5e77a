// Package commands implements the followerctl subcommands.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Version, Commit and BuildDate are set by main via ldflags.
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// NewRootCommand creates the root followerctl command.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "followerctl",
		Short:         "Operate a follower event-sourced actor runtime",
		Long: `followerctl is the operator CLI for the follower runtime.

It manages the PostgreSQL schema backing followers and the append
coalescer, and reports on configuration, database connectivity and schema
state.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(NewInitCommand())
	rootCmd.AddCommand(NewMigrateCommand())
	rootCmd.AddCommand(NewDiagnoseCommand())
	rootCmd.AddCommand(NewVersionCommand())

	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Println("error:", err)
		return err
	}
	return nil
}
