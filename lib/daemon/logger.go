// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// NewLogger creates the daemon logger: JSON (or text) on w at the
// given level. It also becomes the slog default so libraries logging
// through slog share the handler.
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	options := &slog.HandlerOptions{Level: slogLevel}

	var handler slog.Handler
	switch format {
	case "", "json":
		handler = slog.NewJSONHandler(w, options)
	case "text":
		handler = slog.NewTextHandler(w, options)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}
