// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

// SocketDir creates a short-named temporary directory in /tmp,
// removed when the test completes.
func SocketDir(t *testing.T) string {
	t.Helper()
	directory, err := os.MkdirTemp("/tmp", "velo-test-*")
	if err != nil {
		t.Fatalf("creating socket directory: %v", err)
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(directory)
	})
	return directory
}

// SocketPath returns a fresh socket path inside a SocketDir.
func SocketPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(SocketDir(t), "velo.sock")
}

// WriteFile writes content to name under directory, creating parent
// directories, and returns the absolute path.
func WriteFile(t *testing.T, directory, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(directory, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("creating parent of %s: %v", path, err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var rootCounter atomic.Uint64

// UniqueRoot returns a root_id that no other call in this process
// returns.
func UniqueRoot(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, rootCounter.Add(1))
}
