// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"
)

// Command is a CLI command or subcommand.
type Command struct {
	Name    string
	Summary string

	// Usage is the usage line. Synthesized when empty.
	Usage string

	// Flags returns the command's flag set. Called lazily; nil means
	// the command takes no flags.
	Flags func() *pflag.FlagSet

	Subcommands []*Command

	// Run executes the command with the positional arguments left
	// after flag parsing.
	Run func(args []string) error

	help   io.Writer
	parent *Command
}

// Execute parses args and dispatches to a subcommand or Run.
func (c *Command) Execute(args []string) error {
	if len(args) > 0 && isHelpFlag(args[0]) {
		c.PrintHelp(c.helpWriter())
		return nil
	}

	if len(c.Subcommands) > 0 {
		if len(args) == 0 || strings.HasPrefix(args[0], "-") {
			c.PrintHelp(c.helpWriter())
			return errors.New("command required")
		}
		for _, sub := range c.Subcommands {
			if sub.Name == args[0] {
				sub.parent = c
				return sub.Execute(args[1:])
			}
		}
		return fmt.Errorf("unknown command %q\n\nRun '%s --help' for usage.", args[0], c.fullName())
	}

	if c.Flags != nil {
		flagSet := c.Flags()
		flagSet.SetOutput(io.Discard)
		if err := flagSet.Parse(args); err != nil {
			return fmt.Errorf("%s\n\nRun '%s --help' for usage.", err, c.fullName())
		}
		args = flagSet.Args()
	}
	return c.Run(args)
}

// PrintHelp writes usage, subcommands, and flags to w.
func (c *Command) PrintHelp(w io.Writer) {
	if c.Summary != "" {
		fmt.Fprintf(w, "%s\n\n", c.Summary)
	}
	switch {
	case c.Usage != "":
		fmt.Fprintf(w, "Usage:\n  %s\n", c.Usage)
	case len(c.Subcommands) > 0:
		fmt.Fprintf(w, "Usage:\n  %s <command> [flags]\n", c.fullName())
	default:
		fmt.Fprintf(w, "Usage:\n  %s [flags]\n", c.fullName())
	}

	if len(c.Subcommands) > 0 {
		fmt.Fprintf(w, "\nCommands:\n")
		tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		for _, sub := range c.Subcommands {
			fmt.Fprintf(tw, "  %s\t%s\n", sub.Name, sub.Summary)
		}
		tw.Flush()
		fmt.Fprintf(w, "\nRun '%s <command> --help' for more information on a command.\n", c.fullName())
	}

	if c.Flags != nil {
		var flagHelp strings.Builder
		flagSet := c.Flags()
		flagSet.SetOutput(&flagHelp)
		flagSet.PrintDefaults()
		if flagHelp.Len() > 0 {
			fmt.Fprintf(w, "\nFlags:\n%s", flagHelp.String())
		}
	}
}

func (c *Command) helpWriter() io.Writer {
	for command := c; command != nil; command = command.parent {
		if command.help != nil {
			return command.help
		}
	}
	return io.Discard
}

func (c *Command) fullName() string {
	if c.parent == nil {
		return c.Name
	}
	return c.parent.fullName() + " " + c.Name
}

func isHelpFlag(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "help"
}
