// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/velo/lib/client"
	"github.com/bureau-foundation/velo/lib/manifest"
	"github.com/bureau-foundation/velo/lib/protocol"
	"github.com/bureau-foundation/velo/lib/version"
)

func (a *app) root() *Command {
	return &Command{
		Name:    "velo",
		Summary: "Content-addressed virtual roots for build tools and package managers",
		help:    a.stderr,
		Subcommands: []*Command{
			a.pingCommand(),
			a.materializeCommand(),
			a.resolveCommand(),
			a.listCommand(),
			a.catCommand(),
			a.statCommand(),
			a.gcCommand(),
			a.statusCommand(),
			a.unmountCommand(),
			a.stopCommand(),
			a.runCommand(),
			a.versionCommand(),
		},
	}
}

func (a *app) pingCommand() *Command {
	return &Command{
		Name:    "ping",
		Summary: "Check that the daemon is answering",
		Flags:   func() *pflag.FlagSet { return a.flagSet("ping", false) },
		Run: func(args []string) error {
			if err := requireArgs(args, 0, "velo ping"); err != nil {
				return err
			}
			return a.call(func(ctx context.Context, c *client.Client) error {
				started := time.Now()
				daemonVersion, err := c.Ping(ctx)
				if err != nil {
					return err
				}
				a.printf("velod %s at %s (%s)\n", daemonVersion, c.SocketPath(), time.Since(started).Round(time.Microsecond))
				return nil
			})
		},
	}
}

func (a *app) materializeCommand() *Command {
	var root string
	var watch bool
	return &Command{
		Name:    "materialize",
		Summary: "Publish a new generation of a root from a manifest file",
		Usage:   "velo materialize [--root ID] [--watch] <manifest.jsonc>",
		Flags: func() *pflag.FlagSet {
			flagSet := a.flagSet("materialize", true)
			flagSet.StringVar(&root, "root", "", "root id (default: the manifest's \"root\", else the file's directory name)")
			flagSet.BoolVar(&watch, "watch", false, "re-materialize when the manifest file changes")
			return flagSet
		},
		Run: func(args []string) error {
			if err := requireArgs(args, 1, "velo materialize [--root ID] <manifest.jsonc>"); err != nil {
				return err
			}
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			m, declared, err := manifest.ReadFile(path)
			if err != nil {
				return err
			}
			rootID := root
			if rootID == "" {
				rootID = declared
			}
			if rootID == "" {
				rootID = filepath.Base(filepath.Dir(path))
			}
			source := ""
			if watch {
				source = path
			}

			return a.call(func(ctx context.Context, c *client.Client) error {
				result, err := c.MaterializeSource(ctx, rootID, m, source)
				if err != nil {
					return err
				}
				if done, err := a.emit(result); done {
					return err
				}
				a.printf("%s: generation %d (%d files, %d directories, %s in %d objects)\n",
					result.Root, result.Generation, result.Files, result.Directories,
					formatBytes(result.TotalBytes), result.Objects)
				return nil
			})
		},
	}
}

func (a *app) resolveCommand() *Command {
	return &Command{
		Name:    "resolve",
		Summary: "Print the entry a logical path resolves to, as JSON",
		Usage:   "velo resolve <root> <path>",
		Flags:   func() *pflag.FlagSet { return a.flagSet("resolve", false) },
		Run: func(args []string) error {
			if err := requireArgs(args, 2, "velo resolve <root> <path>"); err != nil {
				return err
			}
			return a.call(func(ctx context.Context, c *client.Client) error {
				entry, generation, err := c.Resolve(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return a.writeJSON(struct {
					Generation uint64 `json:"generation"`
					*protocol.Entry
				}{generation, entry})
			})
		},
	}
}

func (a *app) listCommand() *Command {
	return &Command{
		Name:    "ls",
		Summary: "List a directory of a root",
		Usage:   "velo ls <root> [path]",
		Flags:   func() *pflag.FlagSet { return a.flagSet("ls", true) },
		Run: func(args []string) error {
			if len(args) == 1 {
				args = append(args, "/")
			}
			if err := requireArgs(args, 2, "velo ls <root> [path]"); err != nil {
				return err
			}
			return a.call(func(ctx context.Context, c *client.Client) error {
				entries, _, err := c.List(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if done, err := a.emit(entries); done {
					return err
				}
				for _, entry := range entries {
					if entry.Kind == protocol.KindDir {
						a.printf("%s/\n", entry.Name)
					} else {
						a.printf("%s\n", entry.Name)
					}
				}
				return nil
			})
		},
	}
}

func (a *app) catCommand() *Command {
	return &Command{
		Name:    "cat",
		Summary: "Write a file of a root to standard output",
		Usage:   "velo cat <root> <path>",
		Flags:   func() *pflag.FlagSet { return a.flagSet("cat", false) },
		Run: func(args []string) error {
			if err := requireArgs(args, 2, "velo cat <root> <path>"); err != nil {
				return err
			}
			return a.call(func(ctx context.Context, c *client.Client) error {
				opened, _, err := c.Open(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				file, err := os.Open(opened.BackingPath)
				if err != nil {
					return fmt.Errorf("opening object %s: %w", opened.Digest.Short(), err)
				}
				defer file.Close()
				_, err = io.Copy(a.stdout, file)
				return err
			})
		},
	}
}

func (a *app) statCommand() *Command {
	return &Command{
		Name:    "stat",
		Summary: "Describe a path of a root",
		Usage:   "velo stat <root> <path>",
		Flags:   func() *pflag.FlagSet { return a.flagSet("stat", true) },
		Run: func(args []string) error {
			if err := requireArgs(args, 2, "velo stat <root> <path>"); err != nil {
				return err
			}
			return a.call(func(ctx context.Context, c *client.Client) error {
				entry, generation, err := c.Resolve(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if done, err := a.emit(entry); done {
					return err
				}
				tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintf(tw, "path:\t%s\n", entry.Path)
				fmt.Fprintf(tw, "kind:\t%s\n", entry.Kind)
				fmt.Fprintf(tw, "mode:\t%04o\n", entry.Mode)
				fmt.Fprintf(tw, "modified:\t%s\n", time.Unix(0, entry.ModTimeNanos).UTC().Format(time.RFC3339Nano))
				if entry.IsDir() {
					fmt.Fprintf(tw, "entries:\t%d\n", len(entry.Entries))
				} else {
					fmt.Fprintf(tw, "size:\t%s\n", formatBytes(entry.Size))
					fmt.Fprintf(tw, "digest:\t%s\n", entry.Digest)
				}
				fmt.Fprintf(tw, "generation:\t%d\n", generation)
				return tw.Flush()
			})
		},
	}
}

func (a *app) gcCommand() *Command {
	var dryRun bool
	return &Command{
		Name:    "gc",
		Summary: "Remove store objects no live root references",
		Flags: func() *pflag.FlagSet {
			flagSet := a.flagSet("gc", true)
			flagSet.BoolVar(&dryRun, "dry-run", false, "report what would be removed without removing it")
			return flagSet
		},
		Run: func(args []string) error {
			if err := requireArgs(args, 0, "velo gc [--dry-run]"); err != nil {
				return err
			}
			return a.call(func(ctx context.Context, c *client.Client) error {
				result, err := c.GC(ctx, dryRun)
				if err != nil {
					return err
				}
				if done, err := a.emit(result); done {
					return err
				}
				verb := "removed"
				if result.DryRun {
					verb = "would remove"
				}
				a.printf("scanned %d objects: %d live, %s %d (%s), kept %d, in %s\n",
					result.Scanned, result.Live, verb, result.Removed, formatBytes(result.RemovedBytes),
					result.Kept, time.Duration(result.DurationNanos).Round(time.Millisecond))
				return nil
			})
		},
	}
}

func (a *app) statusCommand() *Command {
	return &Command{
		Name:    "status",
		Summary: "Show the daemon's store and roots",
		Flags:   func() *pflag.FlagSet { return a.flagSet("status", true) },
		Run: func(args []string) error {
			if err := requireArgs(args, 0, "velo status"); err != nil {
				return err
			}
			return a.call(func(ctx context.Context, c *client.Client) error {
				status, err := c.Status(ctx)
				if err != nil {
					return err
				}
				if done, err := a.emit(status); done {
					return err
				}
				a.printf("velod %s, up %s\n", status.Version, time.Duration(status.UptimeNanos).Round(time.Second))
				a.printf("store %s: %d objects, %s, %d referenced\n",
					status.StoreRoot, status.Objects, formatBytes(status.TotalBytes), status.Referenced)
				if len(status.Roots) == 0 {
					a.printf("no roots\n")
					return nil
				}
				tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintf(tw, "\nROOT\tGENERATION\tLOADED\tFILES\tSIZE\tSOURCE\n")
				for _, root := range status.Roots {
					files, size := "-", "-"
					if root.Loaded {
						files = fmt.Sprint(root.Files)
						size = formatBytes(root.TotalBytes)
					}
					fmt.Fprintf(tw, "%s\t%d\t%v\t%s\t%s\t%s\n", root.Root, root.Generation, root.Loaded, files, size, root.Source)
				}
				return tw.Flush()
			})
		},
	}
}

func (a *app) unmountCommand() *Command {
	return &Command{
		Name:    "unmount",
		Summary: "Drop a root so gc can reclaim its objects",
		Usage:   "velo unmount <root>",
		Flags:   func() *pflag.FlagSet { return a.flagSet("unmount", false) },
		Run: func(args []string) error {
			if err := requireArgs(args, 1, "velo unmount <root>"); err != nil {
				return err
			}
			return a.call(func(ctx context.Context, c *client.Client) error {
				result, err := c.Unmount(ctx, args[0])
				if err != nil {
					return err
				}
				a.printf("%s: retired generation %d\n", result.Root, result.Generation)
				return nil
			})
		},
	}
}

func (a *app) stopCommand() *Command {
	return &Command{
		Name:    "stop",
		Summary: "Stop the daemon",
		Flags:   func() *pflag.FlagSet { return a.flagSet("stop", false) },
		Run: func(args []string) error {
			if err := requireArgs(args, 0, "velo stop"); err != nil {
				return err
			}
			return a.call(func(ctx context.Context, c *client.Client) error {
				return c.Shutdown(ctx)
			})
		},
	}
}

func (a *app) versionCommand() *Command {
	return &Command{
		Name:    "version",
		Summary: "Print version information",
		Run: func(args []string) error {
			a.printf("velo %s\n", version.Full())
			return nil
		},
	}
}

// formatBytes renders a byte count with a binary unit.
func formatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

// joinArgs quotes arguments for log lines.
func joinArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		if strings.ContainsAny(arg, " \t\"'") {
			arg = fmt.Sprintf("%q", arg)
		}
		quoted[i] = arg
	}
	return strings.Join(quoted, " ")
}
