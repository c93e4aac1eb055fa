// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/velo/lib/client"
	"github.com/bureau-foundation/velo/lib/process"
)

func (a *app) runCommand() *Command {
	var (
		root    string
		prefix  string
		preload string
	)
	return &Command{
		Name:    "run",
		Summary: "Run a command with interception configured for a root",
		Usage:   "velo run [--root ID] [--prefix PATH] -- <command> [args...]",
		Flags: func() *pflag.FlagSet {
			flagSet := a.flagSet("run", false)
			flagSet.SetInterspersed(false)
			flagSet.StringVar(&root, "root", "", "root id the command is bound to")
			flagSet.StringVar(&prefix, "prefix", "", "host path where the root appears")
			flagSet.StringVar(&preload, "preload", "", "interception library to add to LD_PRELOAD")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("usage: velo run [--root ID] [--prefix PATH] -- <command> [args...]")
			}
			cfg, err := a.config()
			if err != nil {
				return err
			}
			if root != "" {
				cfg.Interception.Root = root
			}
			if prefix != "" {
				cfg.Interception.Prefix = prefix
			}
			if preload != "" {
				cfg.Interception.Preload = preload
			}

			// A missing daemon is not fatal: the target sees the real
			// filesystem. Say so, since that is rarely what was meant.
			err = a.call(func(ctx context.Context, c *client.Client) error {
				_, err := c.Ping(ctx)
				return err
			})
			if err != nil {
				fmt.Fprintf(a.stderr, "velo: daemon not reachable (%v); %s will see the real filesystem at %s\n",
					err, joinArgs(args), cfg.Interception.Prefix)
			}

			return runTarget(args, cfg.TargetEnvironment(os.Environ()))
		},
	}
}

// runTarget runs argv with env, forwarding interrupt and terminate to
// it. A non-zero exit becomes a process.ExitError with the child's
// code.
func runTarget(argv, env []string) error {
	command := exec.Command(argv[0], argv[1:]...)
	command.Env = env
	command.Stdin = os.Stdin
	command.Stdout = os.Stdout
	command.Stderr = os.Stderr
	if err := command.Start(); err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case sig := <-signals:
				_ = command.Process.Signal(sig)
			case <-done:
				return
			}
		}
	}()

	err := command.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			code = 128 + int(status.Signal())
		}
		return &process.ExitError{Code: code}
	}
	return err
}
