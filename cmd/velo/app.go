// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/velo/lib/client"
	"github.com/bureau-foundation/velo/lib/config"
)

// app holds what every command shares: output streams and the
// connection settings.
type app struct {
	stdout io.Writer
	stderr io.Writer

	socket     string
	timeout    time.Duration
	outputJSON bool

	// loadConfig is swapped out by tests.
	loadConfig func() (*config.Config, error)
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout:     stdout,
		stderr:     stderr,
		timeout:    30 * time.Second,
		loadConfig: config.Load,
	}
}

// flagSet returns a flag set carrying the connection flags. withJSON
// adds --json.
func (a *app) flagSet(name string, withJSON bool) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flagSet.StringVar(&a.socket, "socket", "", "daemon socket (default from configuration or $"+config.EnvSocket+")")
	flagSet.DurationVar(&a.timeout, "timeout", 30*time.Second, "timeout for each daemon request")
	if withJSON {
		flagSet.BoolVar(&a.outputJSON, "json", false, "output as JSON")
	}
	return flagSet
}

// config loads the configuration, applying --socket.
func (a *app) config() (*config.Config, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if a.socket != "" {
		cfg.Daemon.Socket = a.socket
	}
	return cfg, nil
}

// connect returns a client for the configured daemon.
func (a *app) connect() (*client.Client, error) {
	socket := a.socket
	if socket == "" {
		cfg, err := a.config()
		if err != nil {
			return nil, err
		}
		socket = cfg.Daemon.Socket
	}
	return client.New(socket, client.Options{Timeout: a.timeout}), nil
}

// call runs fn with a connected client and a context bounded by
// --timeout.
func (a *app) call(fn func(ctx context.Context, c *client.Client) error) error {
	c, err := a.connect()
	if err != nil {
		return err
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	return fn(ctx, c)
}

// emit writes result as JSON when --json is set and reports whether
// it did.
func (a *app) emit(result any) (bool, error) {
	if !a.outputJSON {
		return false, nil
	}
	return true, a.writeJSON(result)
}

func (a *app) writeJSON(result any) error {
	encoder := json.NewEncoder(a.stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.stdout, format, args...)
}

func requireArgs(args []string, count int, usage string) error {
	if len(args) != count {
		return fmt.Errorf("usage: %s", usage)
	}
	return nil
}
