// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package namespace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/velo/lib/cas"
	"github.com/bureau-foundation/velo/lib/clock"
	"github.com/bureau-foundation/velo/lib/digest"
	"github.com/bureau-foundation/velo/lib/manifest"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestResolver(t *testing.T) (*Resolver, *cas.Store) {
	t.Helper()
	store, err := cas.Open(t.TempDir(), cas.Options{})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	return NewResolver(store, Options{Clock: clock.Fake(testEpoch)}), store
}

// inline builds a manifest of inline entries from path/content pairs.
func inline(pairs ...string) *manifest.Manifest {
	m := &manifest.Manifest{}
	for i := 0; i+1 < len(pairs); i += 2 {
		m.Entries = append(m.Entries, manifest.Entry{Path: pairs[i], Content: []byte(pairs[i+1])})
	}
	return m
}

func materialize(t *testing.T, resolver *Resolver, rootID string, m *manifest.Manifest) MaterializeResult {
	t.Helper()
	result, err := resolver.Materialize(context.Background(), rootID, m)
	if err != nil {
		t.Fatalf("Materialize(%s): %v", rootID, err)
	}
	return result
}

func collect(t *testing.T, store *cas.Store, resolver *Resolver) cas.GCResult {
	t.Helper()
	result, err := store.GC(context.Background(),
		func() (digest.Set, error) { return resolver.LiveDigests(), nil },
		cas.GCOptions{Recheck: resolver.Referenced})
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	return result
}

func TestResolutionCorrectness(t *testing.T) {
	resolver, store := newTestResolver(t)
	result := materialize(t, resolver, "demo", inline("/a/b.txt", "hello", "/a/c.txt", "hello"))

	if result.Files != 2 || result.Objects != 1 || result.TotalBytes != 10 {
		t.Errorf("result = %+v, want 2 files, 1 object, 10 bytes", result)
	}

	b, err := resolver.Resolve("demo", "/a/b.txt")
	if err != nil {
		t.Fatalf("Resolve b: %v", err)
	}
	c, err := resolver.Resolve("demo", "/a/c.txt")
	if err != nil {
		t.Fatalf("Resolve c: %v", err)
	}
	if b.Digest != c.Digest {
		t.Errorf("digests differ: %s vs %s", b.Digest, c.Digest)
	}
	if b.Kind != KindFile || b.Size != 5 {
		t.Errorf("b = %+v, want 5-byte file", b)
	}

	stats, err := store.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Objects != 1 || stats.TotalBytes != 5 {
		t.Errorf("store stats = %+v, want one 5-byte object", stats)
	}
	if got := resolver.RefCount(b.Digest); got != 2 {
		t.Errorf("RefCount = %d, want 2", got)
	}

	entries, generation, err := resolver.List("demo", "/a")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []DirEntry{{Name: "b.txt", Kind: "file"}, {Name: "c.txt", Kind: "file"}}
	if !slices.Equal(entries, want) {
		t.Errorf("List = %v, want %v", entries, want)
	}
	if generation != result.Generation {
		t.Errorf("List generation = %d, want %d", generation, result.Generation)
	}
}

func TestListOrderedAndStable(t *testing.T) {
	resolver, _ := newTestResolver(t)
	materialize(t, resolver, "demo", inline(
		"/z.txt", "z", "/m/inner.txt", "m", "/a.txt", "a", "/B.txt", "b",
	))

	first, _, err := resolver.List("demo", "/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []DirEntry{
		{Name: "B.txt", Kind: "file"},
		{Name: "a.txt", Kind: "file"},
		{Name: "m", Kind: "dir"},
		{Name: "z.txt", Kind: "file"},
	}
	if !slices.Equal(first, want) {
		t.Errorf("List = %v, want %v", first, want)
	}
	for range 10 {
		again, _, err := resolver.List("demo", "/")
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if !slices.Equal(again, first) {
			t.Fatalf("listing changed within a generation: %v vs %v", again, first)
		}
	}
}

func TestConflictDetection(t *testing.T) {
	resolver, store := newTestResolver(t)

	_, err := resolver.Materialize(context.Background(), "demo", inline("/x", "foo", "/x", "bar"))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Materialize error = %v, want ErrConflict", err)
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.Path != "/x" {
		t.Errorf("conflict = %+v, want path /x", conflict)
	}

	if resolver.Has("demo") {
		t.Error("conflicting manifest created a root")
	}
	if _, err := resolver.Resolve("demo", "/x"); !errors.Is(err, ErrUnknownRoot) {
		t.Errorf("Resolve error = %v, want ErrUnknownRoot", err)
	}
	if n := resolver.refs.Len(); n != 0 {
		t.Errorf("%d digests referenced after failed materialize", n)
	}
	stats, err := store.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Objects != 0 {
		t.Errorf("store holds %d objects after failed materialize", stats.Objects)
	}
}

func TestConflictKeepsPreviousGeneration(t *testing.T) {
	resolver, _ := newTestResolver(t)
	first := materialize(t, resolver, "demo", inline("/x", "original"))

	if _, err := resolver.Materialize(context.Background(), "demo", inline("/x", "foo", "/x", "bar")); !errors.Is(err, ErrConflict) {
		t.Fatalf("error = %v, want ErrConflict", err)
	}
	resolution, err := resolver.Resolve("demo", "/x")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolution.Generation != first.Generation || resolution.Digest != digest.Sum([]byte("original")) {
		t.Errorf("resolution = %+v, want generation %d with original content", resolution, first.Generation)
	}
}

func TestConflictVariants(t *testing.T) {
	tests := []struct {
		name     string
		manifest *manifest.Manifest
		path     string
	}{
		{
			name:     "file then directory",
			manifest: inline("/x", "file", "/x/y", "nested"),
			path:     "/x",
		},
		{
			name:     "directory then file",
			manifest: inline("/x/y", "nested", "/x", "file"),
			path:     "/x",
		},
		{
			name: "explicit directory over file",
			manifest: &manifest.Manifest{Entries: []manifest.Entry{
				{Path: "/x", Content: []byte("file")},
				{Path: "/x", Kind: manifest.KindDir},
			}},
			path: "/x",
		},
		{
			name: "same content different mode",
			manifest: &manifest.Manifest{Entries: []manifest.Entry{
				{Path: "/x", Content: []byte("same"), Mode: 0o644},
				{Path: "/x", Content: []byte("same"), Mode: 0o755},
			}},
			path: "/x",
		},
		{
			name:     "normalized paths collide",
			manifest: inline("/a/b", "one", "a//./b", "two"),
			path:     "/a/b",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			resolver, _ := newTestResolver(t)
			_, err := resolver.Materialize(context.Background(), "demo", test.manifest)
			var conflict *ConflictError
			if !errors.As(err, &conflict) {
				t.Fatalf("error = %v, want *ConflictError", err)
			}
			if conflict.Path != test.path {
				t.Errorf("conflict path = %q, want %q", conflict.Path, test.path)
			}
		})
	}
}

func TestIdenticalDuplicatesAccepted(t *testing.T) {
	resolver, _ := newTestResolver(t)
	m := &manifest.Manifest{Entries: []manifest.Entry{
		{Path: "/x", Content: []byte("same")},
		{Path: "x", Content: []byte("same")},
		{Path: "/d", Kind: manifest.KindDir},
		{Path: "/d/f", Content: []byte("f")},
		{Path: "/d", Kind: manifest.KindDir},
	}}
	result := materialize(t, resolver, "demo", m)
	if result.Files != 2 {
		t.Errorf("Files = %d, want 2", result.Files)
	}
}

func TestResolveErrors(t *testing.T) {
	resolver, _ := newTestResolver(t)
	materialize(t, resolver, "demo", inline("/a/b.txt", "hello"))

	if _, err := resolver.Resolve("demo", "/missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing path error = %v, want ErrNotFound", err)
	}
	if _, err := resolver.Resolve("demo", "/a/b.txt/below"); !errors.Is(err, ErrNotFound) {
		t.Errorf("path below file error = %v, want ErrNotFound", err)
	}
	if _, _, err := resolver.List("demo", "/a/b.txt"); !errors.Is(err, ErrNotDirectory) {
		t.Errorf("List file error = %v, want ErrNotDirectory", err)
	}
	if _, err := resolver.Resolve("other", "/a"); !errors.Is(err, ErrUnknownRoot) {
		t.Errorf("unknown root error = %v, want ErrUnknownRoot", err)
	}
	if _, err := resolver.Resolve("demo", "/a\x00"); !errors.Is(err, ErrNotFound) {
		t.Errorf("NUL path error = %v, want ErrNotFound", err)
	}
}

func TestPathNormalization(t *testing.T) {
	resolver, _ := newTestResolver(t)
	materialize(t, resolver, "demo", inline("a/b.txt", "hello"))

	for _, path := range []string{"/a/b.txt", "a/b.txt", "//a///b.txt", "/a/./b.txt", "/a/x/../b.txt", "/../a/b.txt"} {
		resolution, err := resolver.Resolve("demo", path)
		if err != nil {
			t.Errorf("Resolve(%q): %v", path, err)
			continue
		}
		if resolution.Path != "/a/b.txt" {
			t.Errorf("Resolve(%q).Path = %q", path, resolution.Path)
		}
	}

	root, err := resolver.Resolve("demo", "/")
	if err != nil {
		t.Fatalf("Resolve root: %v", err)
	}
	if root.Kind != KindDir || len(root.Entries) != 1 || root.Entries[0].Name != "a" {
		t.Errorf("root resolution = %+v", root)
	}
}

func TestMetadata(t *testing.T) {
	resolver, _ := newTestResolver(t)
	mtime := time.Date(2020, 5, 6, 7, 8, 9, 10, time.UTC)
	materialize(t, resolver, "demo", &manifest.Manifest{Entries: []manifest.Entry{
		{Path: "/default", Content: []byte("d")},
		{Path: "/bin/tool", Content: []byte("#!/bin/sh"), Mode: 0o755, ModTime: mtime.UnixNano()},
		{Path: "/empty", Kind: manifest.KindDir},
	}})

	defaults, err := resolver.Resolve("demo", "/default")
	if err != nil {
		t.Fatal(err)
	}
	if defaults.Mode != manifest.DefaultFileMode || !defaults.ModTime.Equal(testEpoch) {
		t.Errorf("defaults = mode %o, mtime %v; want %o, %v", defaults.Mode, defaults.ModTime, manifest.DefaultFileMode, testEpoch)
	}

	tool, err := resolver.Resolve("demo", "/bin/tool")
	if err != nil {
		t.Fatal(err)
	}
	if tool.Mode != 0o755 || !tool.ModTime.Equal(mtime) {
		t.Errorf("tool = mode %o, mtime %v", tool.Mode, tool.ModTime)
	}

	empty, err := resolver.Resolve("demo", "/empty")
	if err != nil {
		t.Fatal(err)
	}
	if empty.Kind != KindDir || empty.Mode != DirMode || len(empty.Entries) != 0 || !empty.ModTime.Equal(testEpoch) {
		t.Errorf("empty dir = %+v", empty)
	}
}

func TestDigestSource(t *testing.T) {
	resolver, store := newTestResolver(t)
	stored, err := store.Put([]byte("pre-ingested"))
	if err != nil {
		t.Fatal(err)
	}

	materialize(t, resolver, "demo", &manifest.Manifest{Entries: []manifest.Entry{
		{Path: "/pre", Digest: &stored},
	}})
	resolution, err := resolver.Resolve("demo", "/pre")
	if err != nil {
		t.Fatal(err)
	}
	if resolution.Digest != stored || resolution.Size != int64(len("pre-ingested")) {
		t.Errorf("resolution = %+v", resolution)
	}

	missing := digest.Sum([]byte("absent"))
	_, err = resolver.Materialize(context.Background(), "other", &manifest.Manifest{Entries: []manifest.Entry{
		{Path: "/gone", Digest: &missing},
	}})
	if !errors.Is(err, cas.ErrNotFound) {
		t.Errorf("missing digest error = %v, want cas.ErrNotFound", err)
	}
}

func TestFileSource(t *testing.T) {
	resolver, store := newTestResolver(t)
	source := filepath.Join(t.TempDir(), "source.txt")
	if err := os.WriteFile(source, []byte("from disk"), 0o644); err != nil {
		t.Fatal(err)
	}

	materialize(t, resolver, "demo", &manifest.Manifest{Entries: []manifest.Entry{
		{Path: "/copied", File: source},
	}})
	resolution, err := resolver.Resolve("demo", "/copied")
	if err != nil {
		t.Fatal(err)
	}
	data, err := store.ReadAll(resolution.Digest)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "from disk" {
		t.Errorf("content = %q", data)
	}
}

func TestGenerationIsolation(t *testing.T) {
	resolver, store := newTestResolver(t)
	first := materialize(t, resolver, "demo", inline("/lib/a.txt", "version one"))

	reader, err := resolver.Acquire("demo")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	second := materialize(t, resolver, "demo", inline("/lib/a.txt", "version two", "/lib/new.txt", "added"))
	if second.Generation <= first.Generation || second.Previous != first.Generation {
		t.Errorf("second = %+v, want generation after %d", second, first.Generation)
	}

	// A collection after the swap must keep the old generation's
	// objects while the reader holds it.
	collect(t, store, resolver)

	old, err := reader.Resolve("/lib/a.txt")
	if err != nil {
		t.Fatalf("pinned Resolve: %v", err)
	}
	if old.Generation != first.Generation || old.Digest != digest.Sum([]byte("version one")) {
		t.Errorf("pinned resolution = %+v, want first generation content", old)
	}
	if !store.Has(old.Digest) {
		t.Fatal("object of pinned generation was collected")
	}
	if _, err := reader.Resolve("/lib/new.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("pinned generation sees a later entry: %v", err)
	}
	listing, err := reader.List("/lib")
	if err != nil || len(listing) != 1 {
		t.Errorf("pinned List = %v, %v; want one entry", listing, err)
	}

	current, err := resolver.Resolve("demo", "/lib/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if current.Generation != second.Generation {
		t.Errorf("new reader sees generation %d, want %d", current.Generation, second.Generation)
	}

	reader.Release()
	if got := resolver.RefCount(old.Digest); got != 0 {
		t.Errorf("RefCount after release = %d, want 0", got)
	}
	result := collect(t, store, resolver)
	if result.Removed != 1 || store.Has(old.Digest) {
		t.Errorf("released generation's object not collected: %+v", result)
	}
	if !store.Has(current.Digest) {
		t.Error("current generation's object collected")
	}
}

func TestGarbageCollectionSoundness(t *testing.T) {
	resolver, store := newTestResolver(t)
	materialize(t, resolver, "keep", inline("/shared", "shared", "/only-keep", "keep"))
	materialize(t, resolver, "drop", inline("/shared", "shared", "/only-drop", "drop"))

	if _, err := resolver.Unmount("drop"); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	collect(t, store, resolver)

	for _, content := range []string{"shared", "keep"} {
		if !store.Has(digest.Sum([]byte(content))) {
			t.Errorf("live object %q removed", content)
		}
	}
	if store.Has(digest.Sum([]byte("drop"))) {
		t.Error("unreferenced object survived")
	}
	if got := resolver.RefCount(digest.Sum([]byte("shared"))); got != 1 {
		t.Errorf("shared RefCount = %d, want 1", got)
	}
}

func TestUnmount(t *testing.T) {
	resolver, _ := newTestResolver(t)
	result := materialize(t, resolver, "demo", inline("/a", "a"))

	retired, err := resolver.Unmount("demo")
	if err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	if retired != result.Generation {
		t.Errorf("retired = %d, want %d", retired, result.Generation)
	}
	if resolver.Has("demo") {
		t.Error("root still loaded after unmount")
	}
	if _, err := resolver.Unmount("demo"); !errors.Is(err, ErrUnknownRoot) {
		t.Errorf("second Unmount = %v, want ErrUnknownRoot", err)
	}
}

func TestRootsAndInitialGeneration(t *testing.T) {
	store, err := cas.Open(t.TempDir(), cas.Options{})
	if err != nil {
		t.Fatal(err)
	}
	resolver := NewResolver(store, Options{InitialGeneration: 41})
	materialize(t, resolver, "beta", inline("/b", "b"))
	materialize(t, resolver, "alpha", inline("/a", "a", "/c/d", "d"))

	roots := resolver.Roots()
	if len(roots) != 2 || roots[0].Root != "alpha" || roots[1].Root != "beta" {
		t.Fatalf("Roots = %+v", roots)
	}
	if roots[1].Generation != 42 || roots[0].Generation != 43 {
		t.Errorf("generations = %d, %d; want 43, 42", roots[0].Generation, roots[1].Generation)
	}
	if roots[0].Files != 2 || roots[0].Directories != 2 {
		t.Errorf("alpha = %+v, want 2 files, 2 directories", roots[0])
	}
	if resolver.LastGeneration() != 43 {
		t.Errorf("LastGeneration = %d", resolver.LastGeneration())
	}
}

func TestValidateRootID(t *testing.T) {
	for _, valid := range []string{"demo", "node_modules", "proj-1.2"} {
		if err := ValidateRootID(valid); err != nil {
			t.Errorf("ValidateRootID(%q) = %v", valid, err)
		}
	}
	for _, invalid := range []string{"", ".", "..", "a/b", "spaced name"} {
		if err := ValidateRootID(invalid); !errors.Is(err, ErrInvalidRootID) {
			t.Errorf("ValidateRootID(%q) = %v, want ErrInvalidRootID", invalid, err)
		}
	}
}

func TestMaterializeCancelled(t *testing.T) {
	resolver, _ := newTestResolver(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := resolver.Materialize(ctx, "demo", inline("/a", "a")); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if resolver.Has("demo") || resolver.refs.Len() != 0 {
		t.Error("cancelled materialize left state behind")
	}
}

func TestConcurrentReadersAcrossGenerations(t *testing.T) {
	resolver, _ := newTestResolver(t)
	version := func(n int) *manifest.Manifest {
		return inline("/v/a", fmt.Sprintf("a%d", n), "/v/b", fmt.Sprintf("b%d", n))
	}
	materialize(t, resolver, "demo", version(0))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				generation, err := resolver.Acquire("demo")
				if err != nil {
					t.Errorf("Acquire: %v", err)
					return
				}
				a, errA := generation.Resolve("/v/a")
				b, errB := generation.Resolve("/v/b")
				generation.Release()
				if errA != nil || errB != nil {
					t.Errorf("Resolve: %v, %v", errA, errB)
					return
				}
				if a.Generation != b.Generation {
					t.Errorf("mixed generations %d and %d", a.Generation, b.Generation)
					return
				}
			}
		}()
	}

	for n := 1; n <= 20; n++ {
		materialize(t, resolver, "demo", version(n))
	}
	close(stop)
	wg.Wait()

	// Only the last generation's two digests stay referenced.
	if got := resolver.refs.Len(); got != 2 {
		t.Errorf("referenced digests = %d, want 2", got)
	}
}

func TestGenerationManifestReproducesTree(t *testing.T) {
	resolver, _ := newTestResolver(t)
	mtime := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	materialize(t, resolver, "demo", &manifest.Manifest{Entries: []manifest.Entry{
		{Path: "/a/b.txt", Content: []byte("b"), Mode: 0o600, ModTime: mtime.UnixNano()},
		{Path: "/a/c.txt", Content: []byte("c")},
		{Path: "/empty", Kind: manifest.KindDir},
	}})

	generation, err := resolver.Acquire("demo")
	if err != nil {
		t.Fatal(err)
	}
	exported := generation.Manifest()
	generation.Release()

	if len(exported.Entries) != 3 {
		t.Fatalf("exported %d entries, want 3: %+v", len(exported.Entries), exported.Entries)
	}
	for _, entry := range exported.Entries {
		if entry.Content != nil {
			t.Errorf("exported entry %s carries inline content", entry.Path)
		}
	}

	materialize(t, resolver, "copy", exported)
	for _, path := range []string{"/a/b.txt", "/a/c.txt", "/empty"} {
		original, err := resolver.Resolve("demo", path)
		if err != nil {
			t.Fatal(err)
		}
		copied, err := resolver.Resolve("copy", path)
		if err != nil {
			t.Fatalf("Resolve copy %s: %v", path, err)
		}
		if original.Kind != copied.Kind || original.Digest != copied.Digest || original.Mode != copied.Mode {
			t.Errorf("%s: original %+v, copy %+v", path, original, copied)
		}
		if original.Kind == KindFile && !original.ModTime.Equal(copied.ModTime) {
			t.Errorf("%s: mtime %v became %v", path, original.ModTime, copied.ModTime)
		}
	}
}
