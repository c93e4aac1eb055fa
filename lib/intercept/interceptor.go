// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package intercept

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/bureau-foundation/velo/lib/client"
	"github.com/bureau-foundation/velo/lib/clock"
	"github.com/bureau-foundation/velo/lib/protocol"
	"github.com/bureau-foundation/velo/lib/service"
	"github.com/bureau-foundation/velo/lib/vpath"
)

// Backend answers lookups for the bound root. *client.Client
// implements it.
type Backend interface {
	Resolve(ctx context.Context, root, path string) (*protocol.Entry, uint64, error)
	List(ctx context.Context, root, path string) ([]protocol.DirEntry, uint64, error)
	Open(ctx context.Context, root, path string) (*protocol.OpenResult, uint64, error)
}

var _ Backend = (*client.Client)(nil)

// Options are the collaborators of an Interceptor. Zero values select
// the real implementations.
type Options struct {
	// Backend defaults to a client on Config.SocketPath.
	Backend Backend

	FS     FS
	Clock  clock.Clock
	Logger *slog.Logger

	// Getwd resolves relative paths. Defaults to os.Getwd.
	Getwd func() (string, error)
}

// Interceptor routes filesystem operations between the virtual root
// and the real filesystem. It is safe for concurrent use.
type Interceptor struct {
	config  Config
	backend Backend
	fs      FS
	clock   clock.Clock
	logger  *slog.Logger
	getwd   func() (string, error)
	session *Session
	fds     *fdTable
	uid     uint32
	gid     uint32

	// unreachableUntil is the Unix-nanosecond time before which the
	// daemon is not asked.
	unreachableUntil atomic.Int64

	owned *client.Client
}

// New creates an Interceptor. A disabled config yields an interceptor
// that only passes through.
func New(config Config, options Options) (*Interceptor, error) {
	if config.Enabled {
		if err := config.normalize(); err != nil {
			return nil, err
		}
	}

	i := &Interceptor{
		config:  config,
		backend: options.Backend,
		fs:      options.FS,
		clock:   options.Clock,
		logger:  options.Logger,
		getwd:   options.Getwd,
		session: newSession(config.Root, config.CacheTTL),
		fds:     newFDTable(),
		uid:     uint32(os.Getuid()),
		gid:     uint32(os.Getgid()),
	}
	if i.fs == nil {
		i.fs = RealFS{}
	}
	if i.clock == nil {
		i.clock = clock.Real()
	}
	if i.logger == nil {
		i.logger = newLogger(config.Debug)
	}
	if i.getwd == nil {
		i.getwd = os.Getwd
	}
	if i.backend == nil && config.Enabled {
		i.owned = client.New(config.SocketPath, client.Options{Timeout: config.Timeout})
		i.backend = i.owned
	}
	return i, nil
}

// FromEnvironment creates an Interceptor configured by the process
// environment. A preloaded library passes the FS that reaches the
// calls it interposes on.
func FromEnvironment(options Options) (*Interceptor, error) {
	config, err := ConfigFromEnvironment(os.LookupEnv)
	if err != nil {
		return nil, err
	}
	return New(config, options)
}

// Prefix returns the host path the root appears at, or "" when
// interception is disabled.
func (i *Interceptor) Prefix() string {
	if !i.config.Enabled {
		return ""
	}
	return i.config.Prefix
}

// Release drops the daemon connection the interceptor opened itself.
// Descriptors it handed out stay valid.
func (i *Interceptor) Release() error {
	if i.owned != nil {
		return i.owned.Close()
	}
	return nil
}

// Config returns the effective configuration.
func (i *Interceptor) Config() Config { return i.config }

// Session returns the interceptor's session cache.
func (i *Interceptor) Session() *Session { return i.session }

func newLogger(debug bool) *slog.Logger {
	if !debug {
		return slog.New(slog.DiscardHandler)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})).
		With("component", "velo-intercept", "pid", os.Getpid())
}

// Classify reports whether a host path lies under the virtual-root
// prefix and returns its logical path. Relative paths are taken
// against the working directory. An absolute path that is already
// clean is matched without allocating.
func (i *Interceptor) Classify(path string) (string, bool) {
	if !i.config.Enabled || path == "" {
		return "", false
	}
	if path[0] == '/' {
		if vpath.IsClean(path) {
			return vpath.Within(path, i.config.Prefix)
		}
		return vpath.Within(filepath.Clean(path), i.config.Prefix)
	}
	cwd, err := i.getwd()
	if err != nil {
		return "", false
	}
	return vpath.Within(filepath.Join(cwd, path), i.config.Prefix)
}

// hostPath returns the host path of name inside the virtual directory
// logical. name may be relative and unclean; Classify sorts it out.
func (i *Interceptor) hostPath(logical, name string) string {
	return i.config.Prefix + vpath.Join(logical, name)
}

// reachable reports whether the daemon may be asked now.
func (i *Interceptor) reachable() bool {
	return i.clock.Now().UnixNano() >= i.unreachableUntil.Load()
}

// Reachable reports whether the interceptor is currently willing to
// ask the daemon, i.e. it is not cooling down after a failure.
func (i *Interceptor) Reachable() bool { return i.reachable() }

func (i *Interceptor) markUnreachable(err error) {
	until := i.clock.Now().Add(i.config.Cooldown)
	i.unreachableUntil.Store(until.UnixNano())
	i.logger.Debug("daemon unreachable, passing through", "error", err, "until", until)
}

// failed handles a backend error for logical. It reports whether the
// answer is a definite not_found worth caching.
func (i *Interceptor) failed(action, logical string, err error) bool {
	switch {
	case errors.Is(err, protocol.ErrNotFound):
		return true
	case errors.Is(err, service.ErrUnreachable),
		errors.Is(err, context.DeadlineExceeded):
		i.markUnreachable(err)
	default:
		i.logger.Debug("lookup failed, passing through", "action", action, "path", logical, "error", err)
	}
	return false
}

// resolve returns the entry for logical, or nil when the call should
// pass through.
func (i *Interceptor) resolve(logical string) *protocol.Entry {
	now := i.clock.Now()
	if cached, hit := i.session.get(logical, now); hit {
		return cached.entry
	}
	if !i.reachable() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), i.config.Timeout)
	defer cancel()
	entry, generation, err := i.backend.Resolve(ctx, i.config.Root, logical)
	if err != nil {
		if i.failed(protocol.ActionResolve, logical, err) {
			i.session.store(logical, 0, lookup{}, now)
		}
		return nil
	}
	i.session.store(logical, generation, lookup{entry: entry}, now)
	return entry
}

// open returns the backing object for logical, or nil when the call
// should pass through.
func (i *Interceptor) open(logical string) *protocol.OpenResult {
	now := i.clock.Now()
	cached, hit := i.session.get(logical, now)
	if hit && (cached.opened != nil || cached.entry == nil || cached.entry.IsDir()) {
		return cached.opened
	}
	if !i.reachable() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), i.config.Timeout)
	defer cancel()
	opened, generation, err := i.backend.Open(ctx, i.config.Root, logical)
	if err != nil {
		if i.failed(protocol.ActionOpen, logical, err) {
			i.session.store(logical, 0, lookup{}, now)
		}
		return nil
	}
	entry := &protocol.Entry{
		Path:         logical,
		Kind:         protocol.KindFile,
		Digest:       &opened.Digest,
		Size:         opened.Size,
		Mode:         opened.Mode,
		ModTimeNanos: opened.ModTimeNanos,
	}
	i.session.store(logical, generation, lookup{entry: entry, opened: opened}, now)
	return opened
}

// list returns the listing of logical, or ok false when the call
// should pass through.
func (i *Interceptor) list(logical string) ([]protocol.DirEntry, bool) {
	now := i.clock.Now()
	if cached, hit := i.session.get(logical, now); hit {
		if cached.entry == nil || !cached.entry.IsDir() {
			return nil, false
		}
		return cached.entry.Entries, true
	}
	if !i.reachable() {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), i.config.Timeout)
	defer cancel()
	entries, generation, err := i.backend.List(ctx, i.config.Root, logical)
	if err != nil {
		i.failed(protocol.ActionList, logical, err)
		return nil, false
	}
	i.session.observe(generation)
	return entries, true
}
