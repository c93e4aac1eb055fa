// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package client is the typed API for talking to a velo daemon. It is
// what the velo CLI and the interception layer use; both only ever
// see protocol types, never the daemon's internals.
//
// Errors for non-ok responses are *protocol.Error values, so callers
// test them with errors.Is(err, protocol.ErrNotFound) and friends.
// Transport failures wrap service.ErrUnreachable.
package client

import (
	"context"
	"time"

	"github.com/bureau-foundation/velo/lib/manifest"
	"github.com/bureau-foundation/velo/lib/protocol"
	"github.com/bureau-foundation/velo/lib/service"
)

// Options configures a Client.
type Options struct {
	// Timeout bounds each round trip. Zero means 30 seconds.
	Timeout time.Duration
}

// Client sends typed requests to the daemon at a socket path over a
// persistent connection. Safe for concurrent use.
type Client struct {
	transport *service.Client
}

// New returns a client for the daemon socket at socketPath.
func New(socketPath string, options Options) *Client {
	return &Client{
		transport: service.NewClient(socketPath, service.ClientOptions{
			Timeout: options.Timeout,
		}),
	}
}

// SocketPath returns the daemon socket this client talks to.
func (c *Client) SocketPath() string {
	return c.transport.SocketPath()
}

// Close drops the connection. The client redials on the next call.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Ping checks the daemon is alive and returns its version.
func (c *Client) Ping(ctx context.Context) (string, error) {
	var result protocol.PingResult
	if _, err := c.transport.Call(ctx, &protocol.Request{Action: protocol.ActionPing}, &result); err != nil {
		return "", err
	}
	return result.Version, nil
}

// Resolve looks up path in root. It returns the entry and the
// generation it was read from.
func (c *Client) Resolve(ctx context.Context, root, path string) (*protocol.Entry, uint64, error) {
	var entry protocol.Entry
	response, err := c.transport.Call(ctx, &protocol.Request{
		Action: protocol.ActionResolve,
		Root:   root,
		Path:   path,
	}, &entry)
	if err != nil {
		return nil, 0, err
	}
	return &entry, response.Generation, nil
}

// List returns the entries of directory path in root, sorted by name.
func (c *Client) List(ctx context.Context, root, path string) ([]protocol.DirEntry, uint64, error) {
	var result protocol.ListResult
	response, err := c.transport.Call(ctx, &protocol.Request{
		Action: protocol.ActionList,
		Root:   root,
		Path:   path,
	}, &result)
	if err != nil {
		return nil, 0, err
	}
	return result.Entries, response.Generation, nil
}

// Open returns where the bytes of file path in root live. The caller
// opens BackingPath itself.
func (c *Client) Open(ctx context.Context, root, path string) (*protocol.OpenResult, uint64, error) {
	var result protocol.OpenResult
	response, err := c.transport.Call(ctx, &protocol.Request{
		Action: protocol.ActionOpen,
		Root:   root,
		Path:   path,
	}, &result)
	if err != nil {
		return nil, 0, err
	}
	return &result, response.Generation, nil
}

// Materialize publishes m as the new generation of root.
func (c *Client) Materialize(ctx context.Context, root string, m *manifest.Manifest) (*protocol.MaterializeResult, error) {
	return c.MaterializeSource(ctx, root, m, "")
}

// MaterializeSource is Materialize for a manifest read from the file
// at source. The daemon re-materializes root when that file changes.
func (c *Client) MaterializeSource(ctx context.Context, root string, m *manifest.Manifest, source string) (*protocol.MaterializeResult, error) {
	var result protocol.MaterializeResult
	if _, err := c.transport.Call(ctx, &protocol.Request{
		Action:   protocol.ActionMaterialize,
		Root:     root,
		Manifest: m,
		Source:   source,
	}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GC removes unreferenced objects from the store, or with dryRun only
// reports what would be removed.
func (c *Client) GC(ctx context.Context, dryRun bool) (*protocol.GCResult, error) {
	var result protocol.GCResult
	if _, err := c.transport.Call(ctx, &protocol.Request{Action: protocol.ActionGC, DryRun: dryRun}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Status returns daemon and store statistics.
func (c *Client) Status(ctx context.Context) (*protocol.StatusResult, error) {
	var result protocol.StatusResult
	if _, err := c.transport.Call(ctx, &protocol.Request{Action: protocol.ActionStatus}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Unmount drops root from the daemon and forgets its registry record.
func (c *Client) Unmount(ctx context.Context, root string) (*protocol.UnmountResult, error) {
	var result protocol.UnmountResult
	if _, err := c.transport.Call(ctx, &protocol.Request{Action: protocol.ActionUnmount, Root: root}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Shutdown asks the daemon to stop. It returns once the daemon has
// acknowledged; the socket disappears shortly after.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.transport.Call(ctx, &protocol.Request{Action: protocol.ActionShutdown}, nil)
	return err
}
