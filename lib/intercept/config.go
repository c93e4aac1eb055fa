// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package intercept

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/bureau-foundation/velo/lib/config"
)

// Defaults applied by [ConfigFromEnvironment] and [New].
const (
	DefaultSocket   = "/tmp/velo.sock"
	DefaultPrefix   = "/velo"
	DefaultTimeout  = 2 * time.Second
	DefaultCooldown = 5 * time.Second
	DefaultCacheTTL = time.Second
)

// Config is what a target process knows about virtualization. It
// comes from the environment the launcher set up, never from a
// configuration file.
type Config struct {
	// Enabled turns interception on. A disabled interceptor passes
	// every call through.
	Enabled bool

	SocketPath string

	// Prefix is the absolute, clean host path where the root appears.
	Prefix string

	// Root is the root_id the process is bound to.
	Root string

	// Timeout bounds one daemon round trip.
	Timeout time.Duration

	// Cooldown is how long the interceptor stays in passthrough after
	// a round trip fails.
	Cooldown time.Duration

	// CacheTTL bounds how long a cached lookup is trusted without
	// hearing from the daemon.
	CacheTTL time.Duration

	// Debug logs each virtualized call to stderr.
	Debug bool
}

// ConfigFromEnvironment builds a Config from the core environment variables.
// lookup is typically os.LookupEnv.
func ConfigFromEnvironment(lookup func(string) (string, bool)) (Config, error) {
	cfg := Config{
		SocketPath: DefaultSocket,
		Prefix:     DefaultPrefix,
		Timeout:    DefaultTimeout,
		Cooldown:   DefaultCooldown,
		CacheTTL:   DefaultCacheTTL,
	}
	if value, ok := lookup(config.EnvShim); ok {
		cfg.Enabled = config.Truthy(value)
	}
	if value, ok := lookup(config.EnvSocket); ok && value != "" {
		cfg.SocketPath = value
	}
	if value, ok := lookup(config.EnvPrefix); ok && value != "" {
		cfg.Prefix = value
	}
	if value, ok := lookup(config.EnvRoot); ok && value != "" {
		cfg.Root = value
	}
	if value, ok := lookup(config.EnvTimeout); ok && value != "" {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", config.EnvTimeout, err)
		}
		cfg.Timeout = timeout
	}
	if value, ok := lookup(config.EnvDebug); ok {
		cfg.Debug = config.Truthy(value)
	}
	return cfg, cfg.normalize()
}

// normalize fills defaults and checks the prefix.
func (c *Config) normalize() error {
	if !filepath.IsAbs(c.Prefix) {
		return fmt.Errorf("virtual root prefix %q is not absolute", c.Prefix)
	}
	c.Prefix = filepath.Clean(c.Prefix)
	if c.Prefix == "/" {
		return fmt.Errorf("virtual root prefix cannot be /")
	}
	if c.Root == "" {
		c.Root = filepath.Base(c.Prefix)
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	return nil
}
