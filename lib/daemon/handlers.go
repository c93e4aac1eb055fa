// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/velo/lib/namespace"
	"github.com/bureau-foundation/velo/lib/protocol"
	"github.com/bureau-foundation/velo/lib/rootstore"
	"github.com/bureau-foundation/velo/lib/service"
)

func (d *Daemon) registerHandlers() {
	d.server.Handle(protocol.ActionPing, d.handlePing)
	d.server.Handle(protocol.ActionResolve, d.handleResolve)
	d.server.Handle(protocol.ActionList, d.handleList)
	d.server.Handle(protocol.ActionOpen, d.handleOpen)
	d.server.Handle(protocol.ActionMaterialize, d.handleMaterialize)
	d.server.Handle(protocol.ActionGC, d.handleGC)
	d.server.Handle(protocol.ActionStatus, d.handleStatus)
	d.server.Handle(protocol.ActionUnmount, d.handleUnmount)
	d.server.Handle(protocol.ActionShutdown, d.handleShutdown)
}

func (d *Daemon) handlePing(ctx context.Context, request *protocol.Request) (service.Result, error) {
	return service.Result{Data: protocol.PingResult{Version: protocol.Version}}, nil
}

func (d *Daemon) handleResolve(ctx context.Context, request *protocol.Request) (service.Result, error) {
	generation, err := d.acquire(ctx, request.Root)
	if err != nil {
		return service.Result{}, err
	}
	defer generation.Release()

	resolution, err := generation.Resolve(request.Path)
	if err != nil {
		return service.Result{}, err
	}
	return service.Result{Generation: generation.ID(), Data: entryFor(resolution)}, nil
}

func (d *Daemon) handleList(ctx context.Context, request *protocol.Request) (service.Result, error) {
	generation, err := d.acquire(ctx, request.Root)
	if err != nil {
		return service.Result{}, err
	}
	defer generation.Release()

	entries, err := generation.List(request.Path)
	if err != nil {
		return service.Result{}, err
	}
	return service.Result{
		Generation: generation.ID(),
		Data:       protocol.ListResult{Entries: dirEntriesFor(entries)},
	}, nil
}

// handleOpen resolves a file and reports its backing object. The
// object is checked to exist (and, with verification on, rehashed)
// so a client never maps a missing or corrupt object.
func (d *Daemon) handleOpen(ctx context.Context, request *protocol.Request) (service.Result, error) {
	generation, err := d.acquire(ctx, request.Root)
	if err != nil {
		return service.Result{}, err
	}
	defer generation.Release()

	resolution, err := generation.Resolve(request.Path)
	if err != nil {
		return service.Result{}, err
	}
	if resolution.Kind == namespace.KindDir {
		return service.Result{}, fmt.Errorf("%w: open %s: is a directory", errBadRequest, resolution.Path)
	}

	info, err := d.store.Stat(resolution.Digest)
	if err != nil {
		// A referenced object missing from the store is data loss,
		// not an absent path.
		return service.Result{}, fmt.Errorf("object %s for %s: %s", resolution.Digest.Short(), resolution.Path, err)
	}
	if d.verify {
		if err := d.store.Verify(resolution.Digest); err != nil {
			d.metrics.ObserveCorrupt()
			return service.Result{}, err
		}
	}

	return service.Result{
		Generation: generation.ID(),
		Data: protocol.OpenResult{
			Digest:       resolution.Digest,
			Size:         info.Size,
			BackingPath:  info.Path,
			Mode:         uint32(resolution.Mode.Perm()),
			ModTimeNanos: resolution.ModTime.UnixNano(),
		},
	}, nil
}

func (d *Daemon) handleMaterialize(ctx context.Context, request *protocol.Request) (service.Result, error) {
	if request.Manifest == nil {
		return service.Result{}, protocolError(request.Action, "missing required field: manifest")
	}
	result, err := d.materialize(ctx, request.Root, request.Manifest, request.Source)
	if err != nil {
		return service.Result{}, err
	}
	return service.Result{
		Generation: result.Generation,
		Data: protocol.MaterializeResult{
			Root:        result.Root,
			Generation:  result.Generation,
			Previous:    result.Previous,
			Files:       result.Files,
			Directories: result.Directories,
			TotalBytes:  result.TotalBytes,
			Objects:     result.Objects,
		},
	}, nil
}

func (d *Daemon) handleGC(ctx context.Context, request *protocol.Request) (service.Result, error) {
	result, err := d.collect(ctx, request.DryRun)
	if err != nil {
		return service.Result{}, err
	}
	return service.Result{Data: protocol.GCResult{
		Scanned:       result.Scanned,
		Live:          result.Live,
		Removed:       result.Removed,
		RemovedBytes:  result.RemovedBytes,
		Kept:          result.Kept,
		DryRun:        result.DryRun,
		DurationNanos: result.Duration.Nanoseconds(),
	}}, nil
}

func (d *Daemon) handleStatus(ctx context.Context, request *protocol.Request) (service.Result, error) {
	stats, err := d.store.Stats()
	if err != nil {
		return service.Result{}, err
	}
	records, err := d.registry.List()
	if err != nil {
		return service.Result{}, err
	}

	sources := make(map[string]string, len(records))
	for _, record := range records {
		sources[record.Root] = record.Source
	}

	loaded := d.resolver.Roots()
	roots := make([]protocol.RootStatus, 0, len(records)+len(loaded))
	seen := make(map[string]bool, len(loaded))
	for _, info := range loaded {
		seen[info.Root] = true
		roots = append(roots, protocol.RootStatus{
			Root:         info.Root,
			Loaded:       true,
			Generation:   info.Generation,
			Files:        info.Files,
			Directories:  info.Directories,
			TotalBytes:   info.TotalBytes,
			Source:       sources[info.Root],
			CreatedNanos: info.Created.UnixNano(),
		})
	}
	for _, record := range records {
		if seen[record.Root] {
			continue
		}
		roots = append(roots, protocol.RootStatus{
			Root:         record.Root,
			Generation:   record.Generation,
			Source:       record.Source,
			CreatedNanos: record.UpdatedNanos,
		})
	}

	return service.Result{Data: protocol.StatusResult{
		Version:        protocol.Version,
		UptimeNanos:    d.clock.Now().Sub(d.startedAt).Nanoseconds(),
		StoreRoot:      d.store.Root(),
		Objects:        stats.Objects,
		TotalBytes:     stats.TotalBytes,
		Referenced:     len(d.resolver.LiveDigests()),
		LastGeneration: d.resolver.LastGeneration(),
		Roots:          roots,
	}}, nil
}

// handleUnmount drops a root from memory and from the registry. A
// root that is only registered is still removed.
func (d *Daemon) handleUnmount(ctx context.Context, request *protocol.Request) (service.Result, error) {
	if err := namespace.ValidateRootID(request.Root); err != nil {
		return service.Result{}, err
	}

	retired, unmountErr := d.resolver.Unmount(request.Root)
	if unmountErr != nil && !errors.Is(unmountErr, namespace.ErrUnknownRoot) {
		return service.Result{}, unmountErr
	}

	record, getErr := d.registry.Get(request.Root)
	switch {
	case getErr == nil:
		if retired == 0 {
			retired = record.Generation
		}
		if err := d.registry.Delete(request.Root); err != nil {
			return service.Result{}, err
		}
	case errors.Is(getErr, rootstore.ErrNotFound):
		if unmountErr != nil {
			return service.Result{}, unmountErr
		}
	default:
		return service.Result{}, getErr
	}

	if d.watcher != nil {
		d.watcher.unwatch(request.Root)
	}
	return service.Result{
		Generation: retired,
		Data:       protocol.UnmountResult{Root: request.Root, Generation: retired},
	}, nil
}

func (d *Daemon) handleShutdown(ctx context.Context, request *protocol.Request) (service.Result, error) {
	d.logger.Info("shutdown requested")
	// The response is written before the server notices the
	// cancellation and closes connections.
	go d.requestStop()
	return service.Result{}, nil
}

func entryFor(resolution namespace.Resolution) protocol.Entry {
	entry := protocol.Entry{
		Path:         resolution.Path,
		Kind:         resolution.Kind.String(),
		Size:         resolution.Size,
		Mode:         uint32(resolution.Mode.Perm()),
		ModTimeNanos: resolution.ModTime.UnixNano(),
	}
	if resolution.Kind == namespace.KindDir {
		entry.Entries = dirEntriesFor(resolution.Entries)
	} else {
		d := resolution.Digest
		entry.Digest = &d
	}
	return entry
}

func dirEntriesFor(entries []namespace.DirEntry) []protocol.DirEntry {
	result := make([]protocol.DirEntry, len(entries))
	for i, entry := range entries {
		result[i] = protocol.DirEntry{Name: entry.Name, Kind: entry.Kind}
	}
	return result
}
