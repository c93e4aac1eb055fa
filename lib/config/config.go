// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the velo configuration shared by the daemon and the CLI.
type Config struct {
	// Store configures the content store.
	Store StoreConfig `yaml:"store"`

	// Daemon configures the coordinator daemon.
	Daemon DaemonConfig `yaml:"daemon"`

	// Registry configures the durable root registry.
	Registry RegistryConfig `yaml:"registry"`

	// Interception configures how targets are launched and how the
	// interception layer reaches the daemon.
	Interception InterceptionConfig `yaml:"interception"`

	// Logging configures the daemon's log output.
	Logging LoggingConfig `yaml:"logging"`

	// Roots are materialized at daemon startup from manifest files.
	Roots []RootConfig `yaml:"roots" validate:"dive"`
}

// StoreConfig configures the content store.
type StoreConfig struct {
	// Root is the store directory. Objects live under Root/objects.
	// Default: ${HOME}/.cache/velo/store
	Root string `yaml:"root" validate:"required"`

	// Verify rehashes objects when they are opened by the daemon.
	Verify bool `yaml:"verify"`
}

// DaemonConfig configures the coordinator daemon.
type DaemonConfig struct {
	// Socket is the Unix socket the daemon listens on.
	// Default: /tmp/velo.sock
	Socket string `yaml:"socket" validate:"required"`

	// MetricsAddress, when set, serves Prometheus metrics over HTTP.
	MetricsAddress string `yaml:"metrics_address" validate:"omitempty,hostname_port"`

	// IdleTimeout closes client connections idle for this long.
	IdleTimeout time.Duration `yaml:"idle_timeout" validate:"gte=0"`

	// GCInterval runs garbage collection periodically. Zero disables.
	GCInterval time.Duration `yaml:"gc_interval" validate:"gte=0"`

	// WatchManifests re-materializes roots whose manifest file
	// changes.
	WatchManifests bool `yaml:"watch_manifests"`
}

// RegistryConfig configures the durable root registry.
type RegistryConfig struct {
	// Directory holds the registry database. Empty means
	// <store.root>/registry.
	Directory string `yaml:"directory"`

	// Compression applies to stored records: none, lz4, or zstd.
	Compression string `yaml:"compression" validate:"omitempty,oneof=none lz4 zstd"`
}

// InterceptionConfig configures target launching.
type InterceptionConfig struct {
	// Prefix is the virtual-root path prefix.
	// Default: /velo
	Prefix string `yaml:"prefix" validate:"required,startswith=/"`

	// Root is the root_id targets bind to. Empty means the last path
	// element of Prefix.
	Root string `yaml:"root"`

	// Timeout bounds one daemon round trip from inside a target.
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`

	// Preload is the interception shim library added to LD_PRELOAD
	// when launching a target. Empty launches without preloading.
	Preload string `yaml:"preload"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" validate:"oneof=debug info warn error"`

	// Format is json or text.
	Format string `yaml:"format" validate:"oneof=json text"`
}

// RootConfig names a root loaded from a manifest file at startup.
type RootConfig struct {
	ID       string `yaml:"id" validate:"required"`
	Manifest string `yaml:"manifest" validate:"required"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = os.TempDir()
	}
	return &Config{
		Store: StoreConfig{
			Root: filepath.Join(homeDir, ".cache", "velo", "store"),
		},
		Daemon: DaemonConfig{
			Socket:         "/tmp/velo.sock",
			IdleTimeout:    5 * time.Minute,
			WatchManifests: true,
		},
		Registry: RegistryConfig{
			Compression: "zstd",
		},
		Interception: InterceptionConfig{
			Prefix:  "/velo",
			Timeout: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads the file named by VELO_CONFIG, or the defaults when it
// is unset, then applies the process environment.
func Load() (*Config, error) {
	if path := os.Getenv(EnvConfig); path != "" {
		return LoadFile(path)
	}
	cfg := Default()
	if err := cfg.finish(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads configuration from a specific file path, then
// applies the process environment.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	if err := cfg.finish(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse loads configuration from YAML bytes, using lookup in place of
// the process environment. Relative manifest paths are resolved
// against baseDir.
func Parse(data []byte, baseDir string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.resolveRootManifests(baseDir)
	if err := cfg.finish(lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile merges a YAML file into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	c.resolveRootManifests(filepath.Dir(path))
	return nil
}

func (c *Config) resolveRootManifests(baseDir string) {
	for i := range c.Roots {
		manifest := c.Roots[i].Manifest
		if manifest != "" && !filepath.IsAbs(manifest) && !hasVariable(manifest) {
			c.Roots[i].Manifest = filepath.Join(baseDir, manifest)
		}
	}
}

func (c *Config) finish(lookup func(string) (string, bool)) error {
	if err := c.applyEnvironment(lookup); err != nil {
		return err
	}
	c.expandVariables(lookup)
	return Validate(c)
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// path fields. VELO_CAS_ROOT refers to the configured store root.
func (c *Config) expandVariables(lookup func(string) (string, bool)) {
	vars := map[string]string{}
	if home, ok := lookup("HOME"); ok {
		vars["HOME"] = home
	}

	c.Store.Root = expandVars(c.Store.Root, vars, lookup)
	vars[EnvStoreRoot] = c.Store.Root

	c.Daemon.Socket = expandVars(c.Daemon.Socket, vars, lookup)
	c.Registry.Directory = expandVars(c.Registry.Directory, vars, lookup)
	c.Interception.Preload = expandVars(c.Interception.Preload, vars, lookup)
	for i := range c.Roots {
		c.Roots[i].Manifest = expandVars(c.Roots[i].Manifest, vars, lookup)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func hasVariable(s string) bool {
	return varPattern.MatchString(s)
}

// expandVars expands ${VAR} and ${VAR:-default}, checking vars before
// the environment.
func expandVars(s string, vars map[string]string, lookup func(string) (string, bool)) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name := parts[1]
		defaultValue := parts[2]

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value, ok := lookup(name); ok && value != "" {
			return value
		}
		return defaultValue
	})
}

// RegistryDirectory returns the registry location, defaulting to a
// directory beside the objects inside the store root.
func (c *Config) RegistryDirectory() string {
	if c.Registry.Directory == "" {
		return filepath.Join(c.Store.Root, "registry")
	}
	return c.Registry.Directory
}

// InterceptionRoot returns the root_id targets bind to.
func (c *Config) InterceptionRoot() string {
	if c.Interception.Root != "" {
		return c.Interception.Root
	}
	return filepath.Base(c.Interception.Prefix)
}
