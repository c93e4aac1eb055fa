// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/velo/lib/cas"
	"github.com/bureau-foundation/velo/lib/clock"
	"github.com/bureau-foundation/velo/lib/config"
	"github.com/bureau-foundation/velo/lib/digest"
	"github.com/bureau-foundation/velo/lib/manifest"
	"github.com/bureau-foundation/velo/lib/metrics"
	"github.com/bureau-foundation/velo/lib/namespace"
	"github.com/bureau-foundation/velo/lib/protocol"
	"github.com/bureau-foundation/velo/lib/rootstore"
	"github.com/bureau-foundation/velo/lib/service"
)

// StartupRoot is a root materialized from a manifest file when the
// daemon starts.
type StartupRoot struct {
	ID       string
	Manifest string
}

// Options configures a Daemon.
type Options struct {
	// StoreRoot is the content store directory.
	StoreRoot string

	// Verify rehashes objects on open.
	Verify bool

	// SocketPath is where the daemon listens.
	SocketPath string

	// RegistryDirectory holds the root registry. Ignored when
	// InMemoryRegistry is set.
	RegistryDirectory string
	InMemoryRegistry  bool
	Compression       rootstore.CompressionTag

	// IdleTimeout closes idle client connections.
	IdleTimeout time.Duration

	// GCInterval runs gc periodically when positive.
	GCInterval time.Duration

	// WatchManifests re-materializes roots whose source manifest file
	// changes.
	WatchManifests bool

	// Roots are loaded from their manifest files by Run.
	Roots []StartupRoot

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   clock.Clock
}

// OptionsFromConfig translates a loaded configuration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	compression, err := rootstore.ParseCompressionTag(cfg.Registry.Compression)
	if err != nil {
		return Options{}, err
	}
	roots := make([]StartupRoot, len(cfg.Roots))
	for i, root := range cfg.Roots {
		roots[i] = StartupRoot{ID: root.ID, Manifest: root.Manifest}
	}
	return Options{
		StoreRoot:         cfg.Store.Root,
		Verify:            cfg.Store.Verify,
		SocketPath:        cfg.Daemon.Socket,
		RegistryDirectory: cfg.RegistryDirectory(),
		Compression:       compression,
		IdleTimeout:       cfg.Daemon.IdleTimeout,
		GCInterval:        cfg.Daemon.GCInterval,
		WatchManifests:    cfg.Daemon.WatchManifests,
		Roots:             roots,
	}, nil
}

// Daemon is the coordinator. Create with New, serve with Run, and
// Close after Run returns.
type Daemon struct {
	store    *cas.Store
	resolver *namespace.Resolver
	registry *rootstore.Registry
	server   *service.SocketServer
	watcher  *manifestWatcher

	verify      bool
	gcInterval  time.Duration
	startupRoot []StartupRoot

	logger    *slog.Logger
	metrics   *metrics.Metrics
	clock     clock.Clock
	startedAt time.Time

	// loadMu serializes loading roots from the registry, so two
	// requests for the same unloaded root materialize it once.
	loadMu sync.Mutex

	stopMu sync.Mutex
	stop   context.CancelFunc
}

// New opens the store and the registry and prepares the socket
// server. Nothing listens until Run.
func New(options Options) (*Daemon, error) {
	if options.SocketPath == "" {
		return nil, errors.New("daemon: socket path is required")
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}

	store, err := cas.Open(options.StoreRoot, cas.Options{
		Verify:  options.Verify,
		Logger:  logger.With("component", "cas"),
		Metrics: options.Metrics,
	})
	if err != nil {
		return nil, err
	}

	registry, err := rootstore.Open(rootstore.Options{
		Directory:   options.RegistryDirectory,
		InMemory:    options.InMemoryRegistry,
		Compression: options.Compression,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	lastGeneration, err := registry.LastGeneration()
	if err != nil {
		registry.Close()
		return nil, err
	}

	d := &Daemon{
		store:    store,
		registry: registry,
		resolver: namespace.NewResolver(store, namespace.Options{
			Logger:            logger.With("component", "namespace"),
			Metrics:           options.Metrics,
			Clock:             clk,
			InitialGeneration: lastGeneration,
		}),
		verify:      options.Verify,
		gcInterval:  options.GCInterval,
		startupRoot: options.Roots,
		logger:      logger,
		metrics:     options.Metrics,
		clock:       clk,
		startedAt:   clk.Now(),
	}

	if options.WatchManifests {
		d.watcher, err = newManifestWatcher(clk, logger.With("component", "watcher"), d.reloadSource)
		if err != nil {
			registry.Close()
			return nil, err
		}
	}

	d.server = service.NewSocketServer(service.SocketServerConfig{
		SocketPath:  options.SocketPath,
		Logger:      logger.With("component", "server"),
		Metrics:     options.Metrics,
		Classify:    StatusFor,
		IdleTimeout: options.IdleTimeout,
	})
	d.registerHandlers()
	return d, nil
}

// Store returns the content store.
func (d *Daemon) Store() *cas.Store { return d.store }

// Resolver returns the namespace resolver.
func (d *Daemon) Resolver() *namespace.Resolver { return d.resolver }

// Ready is closed once the socket is accepting connections.
func (d *Daemon) Ready() <-chan struct{} { return d.server.Ready() }

// Run loads the startup roots and serves until ctx is cancelled or a
// shutdown request arrives.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.stopMu.Lock()
	d.stop = cancel
	d.stopMu.Unlock()

	for _, root := range d.startupRoot {
		if err := d.loadSource(ctx, root.ID, root.Manifest); err != nil {
			d.logger.Error("loading startup root failed", "root", root.ID, "manifest", root.Manifest, "error", err)
		}
	}

	var background sync.WaitGroup
	if d.watcher != nil {
		background.Add(1)
		go func() {
			defer background.Done()
			d.watcher.run(ctx)
		}()
	}
	if d.gcInterval > 0 {
		background.Add(1)
		go func() {
			defer background.Done()
			d.collectPeriodically(ctx)
		}()
	}

	err := d.server.Serve(ctx)
	cancel()
	background.Wait()
	d.logger.Info("daemon stopped")
	return err
}

// requestStop cancels Run's context.
func (d *Daemon) requestStop() {
	d.stopMu.Lock()
	defer d.stopMu.Unlock()
	if d.stop != nil {
		d.stop()
	}
}

// Close releases the registry and the watcher. Call after Run has
// returned.
func (d *Daemon) Close() error {
	var errs []error
	if d.watcher != nil {
		errs = append(errs, d.watcher.close())
	}
	errs = append(errs, d.registry.Close())
	return errors.Join(errs...)
}

func (d *Daemon) collectPeriodically(ctx context.Context) {
	ticker := d.clock.NewTicker(d.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.collect(ctx, false); err != nil && ctx.Err() == nil {
				d.logger.Error("scheduled gc failed", "error", err)
			}
		}
	}
}

// acquire pins the current generation of rootID, loading the root
// from the registry when it is registered but not in memory.
func (d *Daemon) acquire(ctx context.Context, rootID string) (*namespace.Generation, error) {
	if err := namespace.ValidateRootID(rootID); err != nil {
		return nil, err
	}
	generation, err := d.resolver.Acquire(rootID)
	if err == nil || !errors.Is(err, namespace.ErrUnknownRoot) {
		return generation, err
	}
	if err := d.loadRegistered(ctx, rootID); err != nil {
		return nil, err
	}
	return d.resolver.Acquire(rootID)
}

// loadRegistered materializes rootID from its registry record.
func (d *Daemon) loadRegistered(ctx context.Context, rootID string) error {
	d.loadMu.Lock()
	defer d.loadMu.Unlock()
	if d.resolver.Has(rootID) {
		return nil
	}

	record, err := d.registry.Get(rootID)
	if err != nil {
		if errors.Is(err, rootstore.ErrNotFound) {
			return fmt.Errorf("%w: %s", namespace.ErrUnknownRoot, rootID)
		}
		return err
	}
	if _, err := d.resolver.Materialize(ctx, rootID, &record.Manifest); err != nil {
		return fmt.Errorf("restoring %s from registry: %w", rootID, err)
	}
	if err := d.persist(rootID, record.Source); err != nil {
		return err
	}
	if record.Source != "" && d.watcher != nil {
		d.watcher.watch(rootID, record.Source)
	}
	d.logger.Info("restored root from registry", "root", rootID, "generation", record.Generation)
	return nil
}

// materialize publishes m as rootID's next generation and records it.
//
// Publishing happens first. If recording then fails the new generation
// stays live and serves lookups, but a restarted daemon will not know
// it; the error wraps ErrNotRecorded and names the generation.
func (d *Daemon) materialize(ctx context.Context, rootID string, m *manifest.Manifest, source string) (namespace.MaterializeResult, error) {
	result, err := d.resolver.Materialize(ctx, rootID, m)
	if err != nil {
		return result, err
	}
	if err := d.persist(rootID, source); err != nil {
		d.logger.Warn("generation published but not recorded",
			"root", rootID, "generation", result.Generation, "error", err)
		return result, fmt.Errorf("%w: %s generation %d is live: %w", ErrNotRecorded, rootID, result.Generation, err)
	}
	if d.watcher != nil {
		if source != "" {
			d.watcher.watch(rootID, source)
		} else {
			d.watcher.unwatch(rootID)
		}
	}
	return result, nil
}

// persist writes the current generation of rootID to the registry.
func (d *Daemon) persist(rootID, source string) error {
	generation, err := d.resolver.Acquire(rootID)
	if err != nil {
		return err
	}
	defer generation.Release()

	record := rootstore.Record{
		Root:         rootID,
		Generation:   generation.ID(),
		UpdatedNanos: generation.Created().UnixNano(),
		Source:       source,
		Manifest:     *generation.Manifest(),
	}
	if err := d.registry.Put(record); err != nil {
		return fmt.Errorf("recording %s: %w", rootID, err)
	}
	return nil
}

// loadSource materializes rootID from a manifest file.
func (d *Daemon) loadSource(ctx context.Context, rootID, path string) error {
	m, _, err := manifest.ReadFile(path)
	if err != nil {
		return err
	}
	result, err := d.materialize(ctx, rootID, m, path)
	if err != nil {
		return err
	}
	d.logger.Info("loaded root from manifest file", "root", rootID, "manifest", path, "generation", result.Generation)
	return nil
}

// reloadSource is the watcher callback.
func (d *Daemon) reloadSource(ctx context.Context, rootID, path string) {
	if err := d.loadSource(ctx, rootID, path); err != nil {
		d.logger.Warn("reloading changed manifest failed", "root", rootID, "manifest", path, "error", err)
	}
}

// collect runs one garbage collection over the store.
func (d *Daemon) collect(ctx context.Context, dryRun bool) (cas.GCResult, error) {
	live := func() (digest.Set, error) {
		set := d.resolver.LiveDigests()
		registered, err := d.registry.Digests()
		if err != nil {
			return nil, err
		}
		set.Union(registered)
		return set, nil
	}
	return d.store.GC(ctx, live, cas.GCOptions{
		DryRun:  dryRun,
		Recheck: d.resolver.Referenced,
	})
}

// protocolError builds a bad-request error with a message.
func protocolError(action, format string, args ...any) error {
	return &protocol.Error{
		Action:  action,
		Status:  protocol.StatusProtocolError,
		Message: fmt.Sprintf(format, args...),
	}
}
