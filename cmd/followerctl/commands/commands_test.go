package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamforge-labs/follower/config"
)

func TestNewRootCommand_HasSubcommands(t *testing.T) {
	root := NewRootCommand()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}

	assert.Contains(t, names, "init")
	assert.Contains(t, names, "migrate")
	assert.Contains(t, names, "diagnose")
	assert.Contains(t, names, "version")
}

func TestInitCommand_WritesConfig(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer func() { _ = os.Chdir(cwd) }()

	cmd := NewInitCommand()
	cmd.SetArgs([]string{"orders"})
	require.NoError(t, cmd.Execute())

	path := filepath.Join(dir, config.ConfigFileName)
	require.FileExists(t, path)

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "orders", cfg.Project.Name)
}

func TestInitCommand_RefusesToOverwrite(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer func() { _ = os.Chdir(cwd) }()

	require.NoError(t, config.DefaultConfig().Save(dir))

	cmd := NewInitCommand()
	assert.Error(t, cmd.Execute())
}

func TestVersionCommand(t *testing.T) {
	cmd := NewVersionCommand()
	assert.NoError(t, cmd.Execute())
}
