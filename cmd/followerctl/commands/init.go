package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dreamforge-labs/follower/config"
)

// NewInitCommand creates the init command.
func NewInitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [project-name]",
		Short: "Write a starter followerctl.yaml",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}

			if config.Exists(cwd) {
				return fmt.Errorf("%s already exists in %s", config.ConfigFileName, cwd)
			}

			cfg := config.DefaultConfig()
			if len(args) == 1 {
				cfg.Project.Name = args[0]
				cfg.Project.Module = "github.com/user/" + args[0]
			}

			if err := os.WriteFile(filepath.Join(cwd, config.ConfigFileName), []byte(config.GenerateYAML(cfg)), 0644); err != nil {
				return err
			}

			fmt.Printf("wrote %s\n", filepath.Join(cwd, config.ConfigFileName))
			return nil
		},
	}

	return cmd
}
