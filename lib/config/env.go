// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"
	"time"
)

// Environment variables read by velo.
const (
	EnvConfig    = "VELO_CONFIG"
	EnvStoreRoot = "VELO_CAS_ROOT"
	EnvSocket    = "VELO_SOCKET"
	EnvPrefix    = "VELO_VFS_PREFIX"
	EnvRoot      = "VELO_ROOT"
	EnvTimeout   = "VELO_TIMEOUT"
	EnvShim      = "VELO_SHIM"
	EnvDebug     = "VELO_DEBUG"
)

// applyEnvironment overrides file values with the core environment
// variables.
func (c *Config) applyEnvironment(lookup func(string) (string, bool)) error {
	if value, ok := lookup(EnvStoreRoot); ok && value != "" {
		c.Store.Root = value
	}
	if value, ok := lookup(EnvSocket); ok && value != "" {
		c.Daemon.Socket = value
	}
	if value, ok := lookup(EnvPrefix); ok && value != "" {
		c.Interception.Prefix = value
	}
	if value, ok := lookup(EnvRoot); ok && value != "" {
		c.Interception.Root = value
	}
	if value, ok := lookup(EnvTimeout); ok && value != "" {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTimeout, err)
		}
		c.Interception.Timeout = timeout
	}
	return nil
}

// TargetEnvironment returns the variables a launched target process
// needs, appended to base (typically os.Environ()). Existing entries
// for the same names are replaced.
func (c *Config) TargetEnvironment(base []string) []string {
	settings := []struct{ name, value string }{
		{EnvShim, "1"},
		{EnvStoreRoot, c.Store.Root},
		{EnvSocket, c.Daemon.Socket},
		{EnvPrefix, c.Interception.Prefix},
		{EnvRoot, c.InterceptionRoot()},
		{EnvTimeout, c.Interception.Timeout.String()},
	}

	replaced := make(map[string]bool, len(settings)+1)
	for _, setting := range settings {
		replaced[setting.name] = true
	}

	preload := c.Interception.Preload
	if preload != "" {
		replaced["LD_PRELOAD"] = true
	}

	result := make([]string, 0, len(base)+len(settings)+1)
	for _, entry := range base {
		name, value, _ := strings.Cut(entry, "=")
		if name == "LD_PRELOAD" && preload != "" && value != "" {
			// Keep whatever the caller already preloads, after ours.
			preload = preload + ":" + value
		}
		if replaced[name] {
			continue
		}
		result = append(result, entry)
	}
	for _, setting := range settings {
		result = append(result, setting.name+"="+setting.value)
	}
	if preload != "" {
		result = append(result, "LD_PRELOAD="+preload)
	}
	return result
}

// Truthy reports whether an environment value enables a flag: 1,
// true, yes, or on, in any case.
func Truthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
