// followerctl is the command-line companion to the follower runtime.
//
// Usage:
//
//	followerctl <command> [flags]
//
// Commands:
//
//	init       Write a starter followerctl.yaml
//	migrate    Apply or inspect the PostgreSQL schema
//	diagnose   Run connectivity and configuration checks
//	version    Show version information
package main

import (
	"os"

	// Register the PostgreSQL driver used by adapters/postgres.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/dreamforge-labs/follower/cmd/followerctl/commands"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.BuildDate = buildDate

	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
