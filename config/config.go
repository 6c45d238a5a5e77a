// Package config provides configuration management for the followerctl CLI.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/dreamforge-labs/follower"
	"github.com/dreamforge-labs/follower/appendcoalescer"
)

// Config represents the followerctl CLI configuration.
type Config struct {
	// Version of the config file format.
	Version string `yaml:"version"`

	// Project configuration.
	Project ProjectConfig `yaml:"project"`

	// Database configuration.
	Database DatabaseConfig `yaml:"database"`

	// Follower configuration.
	Follower FollowerConfig `yaml:"follower"`

	// Coalescer configuration.
	Coalescer CoalescerConfig `yaml:"coalescer"`
}

// ProjectConfig contains project-level settings.
type ProjectConfig struct {
	// Name of the project.
	Name string `yaml:"name"`

	// Module is the Go module path.
	Module string `yaml:"module"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	// Driver is the database driver (postgres, memory).
	Driver string `yaml:"driver"`

	// URL is the database connection string.
	URL string `yaml:"url,omitempty"`

	// Schema is the database schema to use.
	Schema string `yaml:"schema"`

	// MaxConnections bounds the connection pool.
	MaxConnections int `yaml:"max_connections"`

	// MaxIdleConnections bounds idle pool connections.
	MaxIdleConnections int `yaml:"max_idle_connections"`
}

// FollowerConfig contains follower actor lifecycle settings. Every field
// here has a corresponding follower.Option applied by FollowerOptions;
// there is no field in this struct that doesn't bind to real Follower
// construction behavior.
type FollowerConfig struct {
	// SnapshotEvery is the number of applied events between automatic
	// snapshots. Zero persists a snapshot after every applied event.
	// Binds to follower.WithSnapshotVersionInterval.
	SnapshotEvery uint64 `yaml:"snapshot_every"`

	// SnapshotMinVersionInterval is the separate threshold Deactivate uses
	// to decide whether a final snapshot is worth writing.
	// Binds to follower.WithSnapshotMinVersionInterval.
	SnapshotMinVersionInterval uint64 `yaml:"snapshot_min_version_interval"`

	// SaveSnapshot controls whether a follower ever writes snapshots at
	// all. When false, state is rebuilt from the full event log on every
	// activation. Binds to follower.WithSaveSnapshot.
	SaveSnapshot bool `yaml:"save_snapshot"`

	// EventsPerRead is the page size full_active uses when scanning the
	// event log during replay. Binds to follower.WithEventsPerRead.
	EventsPerRead int `yaml:"events_per_read"`

	// FullyActive controls whether Activate replays the event log before
	// returning, or defers replay until the first Tell.
	// Binds to follower.WithFullyActive.
	FullyActive bool `yaml:"fully_active"`

	// ConcurrentEvents enables applying each replay page's events in
	// parallel instead of strictly in order. Only safe when the reducer's
	// effect is commutative across a page. Binds to
	// follower.WithConcurrentEvents.
	ConcurrentEvents bool `yaml:"concurrent_events"`
}

// CoalescerConfig contains append coalescer tuning settings. Every field
// here has a corresponding appendcoalescer.Option applied by
// CoalescerOptions.
type CoalescerConfig struct {
	// QueueCapacity bounds the number of pending append requests buffered
	// before Append blocks. Binds to appendcoalescer.WithCapacity.
	QueueCapacity int `yaml:"queue_capacity"`
}

// FollowerOptions binds cfg's fields to the follower.Option values that
// reproduce them on a Follower[K, E, S] constructed with follower.NewFollower.
// Callers supply K, E, S at the call site since this package has no
// knowledge of an application's key, event, or state types.
func FollowerOptions[K follower.Key, E any, S any](cfg FollowerConfig) []follower.Option[K, E, S] {
	return []follower.Option[K, E, S]{
		follower.WithSnapshotVersionInterval[K, E, S](cfg.SnapshotEvery),
		follower.WithSnapshotMinVersionInterval[K, E, S](cfg.SnapshotMinVersionInterval),
		follower.WithSaveSnapshot[K, E, S](cfg.SaveSnapshot),
		follower.WithEventsPerRead[K, E, S](cfg.EventsPerRead),
		follower.WithFullyActive[K, E, S](cfg.FullyActive),
		follower.WithConcurrentEvents[K, E, S](cfg.ConcurrentEvents),
	}
}

// CoalescerOptions binds cfg's fields to the appendcoalescer.Option values
// that reproduce them on a Coalescer constructed with appendcoalescer.New.
func CoalescerOptions(cfg CoalescerConfig) []appendcoalescer.Option {
	return []appendcoalescer.Option{
		appendcoalescer.WithCapacity(cfg.QueueCapacity),
	}
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Version: "1",
		Project: ProjectConfig{
			Name:   "my-follower-app",
			Module: "github.com/user/my-follower-app",
		},
		Database: DatabaseConfig{
			Driver:             "postgres",
			Schema:             "follower",
			MaxConnections:     10,
			MaxIdleConnections: 5,
		},
		Follower: FollowerConfig{
			SnapshotEvery:              100,
			SnapshotMinVersionInterval: 1,
			SaveSnapshot:               true,
			EventsPerRead:              256,
			FullyActive:                true,
			ConcurrentEvents:           false,
		},
		Coalescer: CoalescerConfig{
			QueueCapacity: 1024,
		},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "followerctl.yaml"

// Load loads configuration from the specified directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, ConfigFileName)
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save saves the configuration to the specified directory.
func (c *Config) Save(dir string) error {
	path := filepath.Join(dir, ConfigFileName)
	return c.SaveFile(path)
}

// SaveFile saves the configuration to a specific file path.
func (c *Config) SaveFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Exists checks if a config file exists in the directory.
func Exists(dir string) bool {
	path := filepath.Join(dir, ConfigFileName)
	_, err := os.Stat(path)
	return err == nil
}

// FindConfig searches for a config file starting from dir and going up.
func FindConfig(dir string) (string, *Config, error) {
	current := dir
	for {
		configPath := filepath.Join(current, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			cfg, err := LoadFile(configPath)
			if err != nil {
				return "", nil, err
			}
			return current, cfg, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", nil, os.ErrNotExist
		}
		current = parent
	}
}

// Validate validates the configuration.
func (c *Config) Validate() []string {
	var errs []string

	if c.Project.Name == "" {
		errs = append(errs, "project.name is required")
	}

	if c.Project.Module == "" {
		errs = append(errs, "project.module is required")
	}

	if c.Database.Driver == "" {
		errs = append(errs, "database.driver is required")
	}

	if c.Database.Driver != "postgres" && c.Database.Driver != "memory" {
		errs = append(errs, "database.driver must be 'postgres' or 'memory'")
	}

	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		errs = append(errs, "database.url is required for postgres driver")
	}

	if c.Coalescer.QueueCapacity <= 0 {
		errs = append(errs, "coalescer.queue_capacity must be positive")
	}

	if c.Follower.EventsPerRead <= 0 {
		errs = append(errs, "follower.events_per_read must be positive")
	}

	return errs
}

// GenerateYAML generates YAML content with comments, for use by `init`.
func GenerateYAML(cfg *Config) string {
	return `# followerctl configuration file

version: "1"

project:
  name: "` + cfg.Project.Name + `"
  module: "` + cfg.Project.Module + `"

database:
  # Driver: postgres or memory
  driver: "` + cfg.Database.Driver + `"
  url: "${DATABASE_URL}"
  schema: "` + cfg.Database.Schema + `"
  max_connections: ` + itoa(cfg.Database.MaxConnections) + `
  max_idle_connections: ` + itoa(cfg.Database.MaxIdleConnections) + `

follower:
  snapshot_every: ` + itoa64(cfg.Follower.SnapshotEvery) + `
  snapshot_min_version_interval: ` + itoa64(cfg.Follower.SnapshotMinVersionInterval) + `
  save_snapshot: ` + btoa(cfg.Follower.SaveSnapshot) + `
  events_per_read: ` + itoa(cfg.Follower.EventsPerRead) + `
  fully_active: ` + btoa(cfg.Follower.FullyActive) + `
  concurrent_events: ` + btoa(cfg.Follower.ConcurrentEvents) + `

coalescer:
  queue_capacity: ` + itoa(cfg.Coalescer.QueueCapacity) + `
`
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func itoa64(n uint64) string {
	return strconv.FormatUint(n, 10)
}

func btoa(b bool) string {
	return strconv.FormatBool(b)
}
