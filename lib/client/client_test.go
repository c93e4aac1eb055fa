// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/velo/lib/digest"
	"github.com/bureau-foundation/velo/lib/manifest"
	"github.com/bureau-foundation/velo/lib/protocol"
	"github.com/bureau-foundation/velo/lib/service"
	"github.com/bureau-foundation/velo/lib/testutil"
)

// recorder keeps the last request each action received.
type recorder struct {
	mu       sync.Mutex
	requests map[string]protocol.Request
}

func (r *recorder) record(request *protocol.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[request.Action] = *request
}

func (r *recorder) last(t *testing.T, action string) protocol.Request {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	request, ok := r.requests[action]
	if !ok {
		t.Fatalf("no %s request received", action)
	}
	return request
}

// startStub serves canned answers for every action and returns a
// client connected to it.
func startStub(t *testing.T) (*Client, *recorder) {
	t.Helper()
	socketPath := testutil.SocketPath(t)
	server := service.NewSocketServer(service.SocketServerConfig{
		SocketPath: socketPath,
		Logger:     testutil.Logger(),
	})
	recorded := &recorder{requests: make(map[string]protocol.Request)}
	data := digest.Sum([]byte("hello"))

	answer := func(result service.Result, err error) service.ActionFunc {
		return func(ctx context.Context, request *protocol.Request) (service.Result, error) {
			recorded.record(request)
			return result, err
		}
	}
	server.Handle(protocol.ActionPing, answer(service.Result{Data: protocol.PingResult{Version: "test"}}, nil))
	server.Handle(protocol.ActionResolve, answer(service.Result{Generation: 7, Data: protocol.Entry{
		Path: "/a.txt", Kind: protocol.KindFile, Digest: &data, Size: 5, Mode: 0o644,
	}}, nil))
	server.Handle(protocol.ActionList, answer(service.Result{Generation: 7, Data: protocol.ListResult{
		Entries: []protocol.DirEntry{{Name: "a.txt", Kind: protocol.KindFile}, {Name: "sub", Kind: protocol.KindDir}},
	}}, nil))
	server.Handle(protocol.ActionOpen, answer(service.Result{}, &protocol.Error{
		Action: protocol.ActionOpen, Status: protocol.StatusNotFound, Message: "/missing",
	}))
	server.Handle(protocol.ActionMaterialize, answer(service.Result{Generation: 8, Data: protocol.MaterializeResult{
		Root: "proj", Generation: 8, Previous: 7, Files: 1,
	}}, nil))
	server.Handle(protocol.ActionGC, answer(service.Result{Data: protocol.GCResult{Scanned: 3, Removed: 1, DryRun: true}}, nil))
	server.Handle(protocol.ActionUnmount, answer(service.Result{}, &protocol.Error{
		Action: protocol.ActionUnmount, Status: protocol.StatusConflict, Message: "busy",
	}))
	server.Handle(protocol.ActionShutdown, answer(service.Result{}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "stub server did not start")

	c := New(socketPath, Options{Timeout: 5 * time.Second})
	t.Cleanup(func() {
		c.Close()
		cancel()
		testutil.RequireReceive(t, done, 5*time.Second, "stub server did not stop")
	})
	return c, recorded
}

func TestClientQueries(t *testing.T) {
	c, recorded := startStub(t)
	ctx := context.Background()

	version, err := c.Ping(ctx)
	if err != nil || version != "test" {
		t.Fatalf("Ping = %q, %v", version, err)
	}

	entry, generation, err := c.Resolve(ctx, "proj", "/a.txt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if generation != 7 || entry.Size != 5 || entry.IsDir() || entry.Digest == nil {
		t.Errorf("Resolve = %+v at generation %d", entry, generation)
	}
	if request := recorded.last(t, protocol.ActionResolve); request.Root != "proj" || request.Path != "/a.txt" {
		t.Errorf("resolve request = %+v", request)
	}

	entries, generation, err := c.List(ctx, "proj", "/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if generation != 7 || len(entries) != 2 || entries[1].Name != "sub" || entries[1].Kind != protocol.KindDir {
		t.Errorf("List = %+v at generation %d", entries, generation)
	}
}

func TestClientMutations(t *testing.T) {
	c, recorded := startStub(t)
	ctx := context.Background()

	m := &manifest.Manifest{Entries: []manifest.Entry{{Path: "/a.txt", Content: []byte("hello")}}}
	result, err := c.MaterializeSource(ctx, "proj", m, "/src/velo.jsonc")
	if err != nil {
		t.Fatalf("MaterializeSource: %v", err)
	}
	if result.Generation != 8 || result.Previous != 7 {
		t.Errorf("MaterializeSource = %+v", result)
	}
	request := recorded.last(t, protocol.ActionMaterialize)
	if request.Source != "/src/velo.jsonc" || request.Manifest == nil || len(request.Manifest.Entries) != 1 {
		t.Errorf("materialize request = %+v", request)
	}
	if string(request.Manifest.Entries[0].Content) != "hello" {
		t.Errorf("manifest content = %q", request.Manifest.Entries[0].Content)
	}

	gc, err := c.GC(ctx, true)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if !gc.DryRun || gc.Removed != 1 {
		t.Errorf("GC = %+v", gc)
	}
	if !recorded.last(t, protocol.ActionGC).DryRun {
		t.Error("gc request lost dry_run")
	}

	if err := c.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestClientErrorStatuses(t *testing.T) {
	c, _ := startStub(t)
	ctx := context.Background()

	_, _, err := c.Open(ctx, "proj", "/missing")
	if !errors.Is(err, protocol.ErrNotFound) {
		t.Errorf("Open error = %v, want not_found", err)
	}
	_, err = c.Unmount(ctx, "proj")
	if !errors.Is(err, protocol.ErrConflict) {
		t.Errorf("Unmount error = %v, want conflict", err)
	}
	var protocolError *protocol.Error
	if !errors.As(err, &protocolError) || protocolError.Message != "unmount: conflict: busy" {
		t.Errorf("Unmount error = %#v", err)
	}

	// Unregistered actions come back as protocol errors.
	_, err = c.Status(ctx)
	if !errors.Is(err, protocol.ErrProtocol) {
		t.Errorf("Status error = %v, want protocol_error", err)
	}
}

func TestClientUnreachable(t *testing.T) {
	c := New(testutil.SocketPath(t), Options{Timeout: time.Second})
	defer c.Close()

	if _, err := c.Ping(context.Background()); !errors.Is(err, service.ErrUnreachable) {
		t.Errorf("Ping error = %v, want ErrUnreachable", err)
	}
	if c.SocketPath() == "" {
		t.Error("SocketPath is empty")
	}
}
