// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package intercept

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

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/velo/lib/clock"
	"github.com/bureau-foundation/velo/lib/digest"
	"github.com/bureau-foundation/velo/lib/protocol"
	"github.com/bureau-foundation/velo/lib/service"
	"github.com/bureau-foundation/velo/lib/testutil"
)

var testModTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC).UnixNano()

// fakeBackend serves a fixed tree. Files map logical paths to host
// files that stand in for store objects.
type fakeBackend struct {
	mu         sync.Mutex
	generation uint64
	files      map[string]string
	modes      map[string]uint32
	err        error
	calls      int
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *fakeBackend) set(generation uint64, files map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.generation = generation
	b.files = files
}

func (b *fakeBackend) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

func (b *fakeBackend) lookup(action, logical string) (*protocol.Entry, string, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return nil, "", 0, b.err
	}
	notFound := &protocol.Error{Action: action, Status: protocol.StatusNotFound, Message: logical}

	if backing, exists := b.files[logical]; exists {
		info, err := os.Stat(backing)
		if err != nil {
			return nil, "", 0, err
		}
		mode := b.modes[logical]
		if mode == 0 {
			mode = 0o644
		}
		d := digest.Sum([]byte(logical))
		return &protocol.Entry{
			Path:         logical,
			Kind:         protocol.KindFile,
			Digest:       &d,
			Size:         info.Size(),
			Mode:         mode,
			ModTimeNanos: testModTime,
		}, backing, b.generation, nil
	}

	// Directories are implied by file paths.
	prefix := logical + "/"
	if logical == "/" {
		prefix = "/"
	}
	children := map[string]string{}
	for path := range b.files {
		rest, found := cutPrefix(path, prefix)
		if !found {
			continue
		}
		name, _, nested := cutSlash(rest)
		if nested {
			children[name] = protocol.KindDir
		} else {
			children[name] = protocol.KindFile
		}
	}
	if len(children) == 0 {
		return nil, "", 0, notFound
	}
	entry := &protocol.Entry{Path: logical, Kind: protocol.KindDir, Mode: 0o755, ModTimeNanos: testModTime}
	for name, kind := range children {
		entry.Entries = append(entry.Entries, protocol.DirEntry{Name: name, Kind: kind})
	}
	slices.SortFunc(entry.Entries, func(a, b protocol.DirEntry) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return entry, "", b.generation, nil
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix {
		return "", false
	}
	return s[len(prefix):], true
}

func cutSlash(s string) (string, string, bool) {
	for i := range len(s) {
		if s[i] == '/' {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

func (b *fakeBackend) Resolve(ctx context.Context, root, path string) (*protocol.Entry, uint64, error) {
	entry, _, generation, err := b.lookup(protocol.ActionResolve, path)
	return entry, generation, err
}

func (b *fakeBackend) List(ctx context.Context, root, path string) ([]protocol.DirEntry, uint64, error) {
	entry, _, generation, err := b.lookup(protocol.ActionList, path)
	if err != nil {
		return nil, 0, err
	}
	if !entry.IsDir() {
		return nil, 0, &protocol.Error{Action: protocol.ActionList, Status: protocol.StatusNotFound}
	}
	return entry.Entries, generation, nil
}

func (b *fakeBackend) Open(ctx context.Context, root, path string) (*protocol.OpenResult, uint64, error) {
	entry, backing, generation, err := b.lookup(protocol.ActionOpen, path)
	if err != nil {
		return nil, 0, err
	}
	if entry.IsDir() {
		return nil, 0, &protocol.Error{Action: protocol.ActionOpen, Status: protocol.StatusProtocolError}
	}
	return &protocol.OpenResult{
		Digest:       *entry.Digest,
		Size:         entry.Size,
		BackingPath:  backing,
		Mode:         entry.Mode,
		ModTimeNanos: entry.ModTimeNanos,
	}, generation, nil
}

type fixture struct {
	interceptor *Interceptor
	backend     *fakeBackend
	clock       *clock.FakeClock
	prefix      string
	objects     string
}

// newFixture serves /pkg/index.js ("hello") and /pkg/bin/tool under
// a prefix that does not exist on the host.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	objects := t.TempDir()
	index := testutil.WriteFile(t, objects, "index", []byte("hello"))
	tool := testutil.WriteFile(t, objects, "tool", []byte("#!/bin/sh\n"))

	backend := &fakeBackend{
		generation: 1,
		files:      map[string]string{"/pkg/index.js": index, "/pkg/bin/tool": tool},
		modes:      map[string]uint32{"/pkg/bin/tool": 0o755},
	}
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	prefix := filepath.Join(t.TempDir(), "absent", "velo")
	interceptor, err := New(Config{Enabled: true, Prefix: prefix, Root: "proj"}, Options{
		Backend: backend,
		Clock:   fake,
		Logger:  testutil.Logger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{interceptor: interceptor, backend: backend, clock: fake, prefix: prefix, objects: objects}
}

func (f *fixture) path(logical string) string {
	return f.prefix + logical
}

func TestClassify(t *testing.T) {
	interceptor, err := New(Config{Enabled: true, Prefix: "/velo/"}, Options{
		Backend: &fakeBackend{},
		Getwd:   func() (string, error) { return "/velo/pkg", nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	if root := interceptor.Config().Root; root != "velo" {
		t.Errorf("default root = %q, want velo", root)
	}

	tests := []struct {
		path    string
		logical string
		virtual bool
	}{
		{"/velo/a/b", "/a/b", true},
		{"/velo", "/", true},
		{"/velo/", "/", true},
		{"/velo//a/./b", "/a/b", true},
		{"/velocity/a", "", false},
		{"/velo/../etc/passwd", "", false},
		{"/etc/passwd", "", false},
		{"index.js", "/pkg/index.js", true},
		{"../../etc", "", false},
		{"", "", false},
	}
	for _, test := range tests {
		logical, virtual := interceptor.Classify(test.path)
		if logical != test.logical || virtual != test.virtual {
			t.Errorf("Classify(%q) = %q, %v; want %q, %v", test.path, logical, virtual, test.logical, test.virtual)
		}
	}

	disabled, err := New(Config{Prefix: "/velo"}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, virtual := disabled.Classify("/velo/a"); virtual {
		t.Error("disabled interceptor classified a path as virtual")
	}
}

func TestStatVirtualEntries(t *testing.T) {
	f := newFixture(t)

	var stat unix.Stat_t
	if err := f.interceptor.Stat(f.path("/pkg/index.js"), &stat); err != nil {
		t.Fatalf("Stat file: %v", err)
	}
	if stat.Mode != unix.S_IFREG|0o644 || stat.Size != 5 || stat.Nlink != 1 {
		t.Errorf("file stat mode=%o size=%d nlink=%d", stat.Mode, stat.Size, stat.Nlink)
	}
	if stat.Dev != virtualDevice || stat.Ino != inode("proj", "/pkg/index.js") {
		t.Errorf("file stat dev=%x ino=%d", stat.Dev, stat.Ino)
	}
	if got := stat.Mtim.Nano(); got != testModTime {
		t.Errorf("mtime = %d, want %d", got, testModTime)
	}
	if stat.Uid != uint32(os.Getuid()) {
		t.Errorf("uid = %d", stat.Uid)
	}

	if err := f.interceptor.Lstat(f.path("/pkg"), &stat); err != nil {
		t.Fatalf("Lstat dir: %v", err)
	}
	if stat.Mode != unix.S_IFDIR|0o755 || stat.Nlink != 2 {
		t.Errorf("dir stat mode=%o nlink=%d", stat.Mode, stat.Nlink)
	}

	var other unix.Stat_t
	if err := f.interceptor.Stat(f.path("/pkg/bin/tool"), &other); err != nil {
		t.Fatal(err)
	}
	if other.Ino == stat.Ino {
		t.Error("distinct paths share an inode")
	}
}

func TestStatOutsidePrefixPassesThrough(t *testing.T) {
	f := newFixture(t)
	host := testutil.WriteFile(t, t.TempDir(), "real.txt", []byte("real"))

	var got, want unix.Stat_t
	if err := f.interceptor.Stat(host, &got); err != nil {
		t.Fatal(err)
	}
	if err := unix.Stat(host, &want); err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("passthrough stat differs:\n got %+v\nwant %+v", got, want)
	}
	if f.backend.callCount() != 0 {
		t.Errorf("backend asked about a path outside the prefix")
	}
}

func TestOpenVirtualFile(t *testing.T) {
	f := newFixture(t)

	fd, err := f.interceptor.Open(f.path("/pkg/bin/tool"), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var stat unix.Stat_t
	if err := f.interceptor.Fstat(fd, &stat); err != nil {
		t.Fatal(err)
	}
	if stat.Mode != unix.S_IFREG|0o755 || stat.Size != int64(len("#!/bin/sh\n")) || stat.Mtim.Nano() != testModTime {
		t.Errorf("virtual fstat mode=%o size=%d mtime=%d", stat.Mode, stat.Size, stat.Mtim.Nano())
	}

	if _, err := f.interceptor.Mmap(fd, 0, int(stat.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED); !errors.Is(err, unix.EACCES) {
		t.Errorf("writable shared mapping: expected EACCES, got %v", err)
	}
	mapped, err := f.interceptor.Mmap(fd, 0, int(stat.Size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	if string(mapped) != "#!/bin/sh\n" {
		t.Errorf("mapped = %q", mapped)
	}
	if err := f.interceptor.Munmap(mapped); err != nil {
		t.Fatal(err)
	}

	if err := f.interceptor.Close(fd); err != nil {
		t.Fatal(err)
	}
	if f.interceptor.fds.len() != 0 {
		t.Error("closed descriptor still tracked")
	}
}

func TestReadFile(t *testing.T) {
	f := newFixture(t)

	content, err := f.interceptor.ReadFile(f.path("/pkg/index.js"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(content) != "hello" {
		t.Errorf("content = %q", content)
	}

	// Resolve after open is answered from the session.
	calls := f.backend.callCount()
	var stat unix.Stat_t
	if err := f.interceptor.Stat(f.path("/pkg/index.js"), &stat); err != nil {
		t.Fatal(err)
	}
	if f.backend.callCount() != calls {
		t.Error("stat after open went to the daemon")
	}

	empty := testutil.WriteFile(t, t.TempDir(), "empty", []byte(""))
	content, err = f.interceptor.ReadFile(empty)
	if err != nil || len(content) != 0 {
		t.Errorf("ReadFile(empty) = %q, %v", content, err)
	}

	if _, err := f.interceptor.ReadFile(f.path("/pkg")); !errors.Is(err, unix.EISDIR) {
		t.Errorf("ReadFile(virtual dir) = %v, want EISDIR", err)
	}
}

// An object collected after its open was cached is asked for again
// rather than failing the open.
func TestOpenRetriesCollectedObject(t *testing.T) {
	f := newFixture(t)

	content, err := f.interceptor.ReadFile(f.path("/pkg/index.js"))
	if err != nil || string(content) != "hello" {
		t.Fatalf("ReadFile = %q, %v", content, err)
	}
	if err := os.Remove(filepath.Join(f.objects, "index")); err != nil {
		t.Fatal(err)
	}
	replaced := testutil.WriteFile(t, f.objects, "index-v2", []byte("goodbye"))
	f.backend.set(2, map[string]string{"/pkg/index.js": replaced})

	// Still within the TTL, so the first attempt uses the cached answer.
	content, err = f.interceptor.ReadFile(f.path("/pkg/index.js"))
	if err != nil {
		t.Fatalf("ReadFile after collection: %v", err)
	}
	if string(content) != "goodbye" {
		t.Errorf("content = %q, want goodbye", content)
	}
	if f.interceptor.Session().Generation() != 2 {
		t.Errorf("session generation = %d", f.interceptor.Session().Generation())
	}
}

func TestOpenVirtualDirectory(t *testing.T) {
	f := newFixture(t)

	dir, err := f.interceptor.Open(f.path("/pkg"), unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("Open(O_DIRECTORY): %v", err)
	}
	if !f.interceptor.Virtual(dir) {
		t.Error("directory descriptor not virtual")
	}
	var stat unix.Stat_t
	if err := f.interceptor.Fstat(dir, &stat); err != nil {
		t.Fatal(err)
	}
	if stat.Mode != unix.S_IFDIR|0o755 || stat.Ino != inode("proj", "/pkg") || stat.Dev != virtualDevice {
		t.Errorf("directory fstat mode=%o ino=%d dev=%x", stat.Mode, stat.Ino, stat.Dev)
	}
	entries, ok := f.interceptor.ReadDirFD(dir)
	want := []Dirent{
		{Name: "bin", Type: unix.DT_DIR, Ino: inode("proj", "/pkg/bin")},
		{Name: "index.js", Type: unix.DT_REG, Ino: inode("proj", "/pkg/index.js")},
	}
	if !ok || !slices.Equal(entries, want) {
		t.Errorf("ReadDirFD = %v, %v", entries, ok)
	}
	if err := f.interceptor.CheckMmap(dir, unix.PROT_READ, unix.MAP_PRIVATE); !errors.Is(err, unix.ENODEV) {
		t.Errorf("CheckMmap(dir) = %v, want ENODEV", err)
	}

	// Names relative to the directory descriptor resolve in the tree.
	file, err := f.interceptor.OpenAt(dir, "index.js", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("OpenAt(index.js): %v", err)
	}
	buffer := make([]byte, 16)
	n, err := unix.Read(file, buffer)
	if err != nil || string(buffer[:n]) != "hello" {
		t.Errorf("read through OpenAt = %q, %v", buffer[:n], err)
	}
	sub, err := f.interceptor.OpenAt(dir, "./bin/", unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		t.Fatalf("OpenAt(bin): %v", err)
	}
	if entries, ok := f.interceptor.ReadDirFD(sub); !ok || len(entries) != 1 || entries[0].Name != "tool" {
		t.Errorf("ReadDirFD(bin) = %v, %v", entries, ok)
	}
	if _, err := f.interceptor.OpenAt(dir, "missing.js", unix.O_RDONLY, 0); !errors.Is(err, unix.ENOENT) {
		t.Errorf("OpenAt(missing) = %v, want ENOENT", err)
	}

	if err := f.interceptor.StatAt(dir, "index.js", &stat, 0); err != nil || stat.Size != 5 || stat.Ino != inode("proj", "/pkg/index.js") {
		t.Errorf("StatAt(dir, index.js) size=%d ino=%d, %v", stat.Size, stat.Ino, err)
	}
	if err := f.interceptor.StatAt(dir, "", &stat, unix.AT_EMPTY_PATH); err != nil || stat.Mode&unix.S_IFMT != unix.S_IFDIR {
		t.Errorf("StatAt(dir, AT_EMPTY_PATH) mode=%o, %v", stat.Mode, err)
	}
	if err := f.interceptor.StatAt(unix.AT_FDCWD, f.path("/pkg/bin/tool"), &stat, unix.AT_SYMLINK_NOFOLLOW); err != nil || stat.Mode != unix.S_IFREG|0o755 {
		t.Errorf("StatAt(AT_FDCWD, tool) mode=%o, %v", stat.Mode, err)
	}

	// Without O_DIRECTORY a directory still opens; with it a file does not.
	plain, err := f.interceptor.Open(f.path("/pkg/bin"), unix.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("Open(dir) without O_DIRECTORY: %v", err)
	}
	if _, ok := f.interceptor.ReadDirFD(plain); !ok {
		t.Error("plain open of a directory has no listing")
	}
	if _, err := f.interceptor.Open(f.path("/pkg/index.js"), unix.O_RDONLY|unix.O_DIRECTORY, 0); !errors.Is(err, unix.ENOTDIR) {
		t.Errorf("Open(file, O_DIRECTORY) = %v, want ENOTDIR", err)
	}
	if _, ok := f.interceptor.ReadDirFD(file); ok {
		t.Error("file descriptor has a listing")
	}

	for _, fd := range []int{dir, file, sub, plain} {
		if err := f.interceptor.Close(fd); err != nil {
			t.Errorf("Close(%d): %v", fd, err)
		}
	}
	if f.interceptor.fds.len() != 0 {
		t.Errorf("%d descriptors still tracked", f.interceptor.fds.len())
	}
}

// Descriptors and paths that have nothing to do with the virtual tree
// are the common case and must stay cheap.
func TestPassthroughIsCheap(t *testing.T) {
	f := newFixture(t)

	allocations := testing.AllocsPerRun(100, func() {
		if _, virtual := f.interceptor.Classify("/usr/lib/x86_64-linux-gnu/libc.so.6"); virtual {
			t.Fatal("host path classified as virtual")
		}
	})
	if allocations != 0 {
		t.Errorf("Classify of a clean host path allocated %v times", allocations)
	}
	if logical, virtual := f.interceptor.Classify(f.path("/pkg/../pkg//index.js")); !virtual || logical != "/pkg/index.js" {
		t.Errorf("Classify(unclean) = %q, %v", logical, virtual)
	}

	table := newFDTable()
	if _, virtual := table.get(3); virtual {
		t.Error("empty table reports a descriptor")
	}
	if table.remove(3) {
		t.Error("empty table removed a descriptor")
	}
	table.set(3, virtualFile{logical: "/a"})
	table.set(3, virtualFile{logical: "/b"})
	table.set(4, virtualFile{logical: "/c"})
	if table.len() != 2 {
		t.Errorf("len = %d after reusing a descriptor, want 2", table.len())
	}
	if file, virtual := table.get(3); !virtual || file.logical != "/b" {
		t.Errorf("get(3) = %+v, %v", file, virtual)
	}
	if !table.remove(3) || table.remove(3) || table.len() != 1 {
		t.Errorf("remove left len %d", table.len())
	}
}

func TestWritesPassThrough(t *testing.T) {
	f := newFixture(t)
	prefix := t.TempDir()
	interceptor, err := New(Config{Enabled: true, Prefix: prefix, Root: "proj"}, Options{
		Backend: f.backend,
		Clock:   f.clock,
		Logger:  testutil.Logger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	fd, err := interceptor.Open(filepath.Join(prefix, "new.txt"), unix.O_WRONLY|unix.O_CREAT|unix.O_CLOEXEC, 0o600)
	if err != nil {
		t.Fatalf("Open for write: %v", err)
	}
	if err := interceptor.Close(fd); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(prefix, "new.txt")); err != nil {
		t.Errorf("write open did not reach the real filesystem: %v", err)
	}
	if f.backend.callCount() != 0 {
		t.Error("write open consulted the daemon")
	}
}

func TestAccess(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		path string
		mode uint32
		want error
	}{
		{"/pkg/index.js", unix.F_OK, nil},
		{"/pkg/index.js", unix.R_OK, nil},
		{"/pkg/index.js", unix.W_OK, unix.EROFS},
		{"/pkg/index.js", unix.X_OK, unix.EACCES},
		{"/pkg/bin/tool", unix.R_OK | unix.X_OK, nil},
		{"/pkg", unix.X_OK, nil},
		{"/missing", unix.F_OK, unix.ENOENT},
	}
	for _, test := range tests {
		err := f.interceptor.Access(f.path(test.path), test.mode)
		if !errors.Is(err, test.want) {
			t.Errorf("Access(%s, %d) = %v, want %v", test.path, test.mode, err, test.want)
		}
	}
}

func TestReadDirVirtual(t *testing.T) {
	f := newFixture(t)

	entries, err := f.interceptor.ReadDir(f.path("/pkg"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	want := []Dirent{
		{Name: "bin", Type: unix.DT_DIR, Ino: inode("proj", "/pkg/bin")},
		{Name: "index.js", Type: unix.DT_REG, Ino: inode("proj", "/pkg/index.js")},
	}
	if !slices.Equal(entries, want) {
		t.Errorf("ReadDir = %v, want %v", entries, want)
	}

	// A resolved directory answers ReadDir from the session.
	var stat unix.Stat_t
	if err := f.interceptor.Stat(f.path("/pkg/bin"), &stat); err != nil {
		t.Fatal(err)
	}
	calls := f.backend.callCount()
	entries, err = f.interceptor.ReadDir(f.path("/pkg/bin"))
	if err != nil || !slices.Equal(entries, []Dirent{{Name: "tool", Type: unix.DT_REG, Ino: inode("proj", "/pkg/bin/tool")}}) {
		t.Errorf("ReadDir(bin) = %v, %v", entries, err)
	}
	if f.backend.callCount() != calls {
		t.Error("listing a resolved directory went to the daemon")
	}

	if _, err := f.interceptor.ReadDir(f.path("/pkg/index.js")); !errors.Is(err, unix.ENOENT) {
		t.Errorf("ReadDir(file): expected ENOENT from passthrough, got %v", err)
	}
}

func TestNotFoundIsCached(t *testing.T) {
	f := newFixture(t)

	var stat unix.Stat_t
	for range 3 {
		if err := f.interceptor.Stat(f.path("/nope"), &stat); !errors.Is(err, unix.ENOENT) {
			t.Fatalf("Stat(missing) = %v, want ENOENT", err)
		}
	}
	if calls := f.backend.callCount(); calls != 1 {
		t.Errorf("backend called %d times for a cached miss", calls)
	}

	f.clock.Advance(DefaultCacheTTL)
	if err := f.interceptor.Stat(f.path("/nope"), &stat); !errors.Is(err, unix.ENOENT) {
		t.Fatal(err)
	}
	if calls := f.backend.callCount(); calls != 2 {
		t.Errorf("expired miss not asked again: %d calls", calls)
	}
}

func TestNewGenerationInvalidatesSession(t *testing.T) {
	f := newFixture(t)

	var stat unix.Stat_t
	if err := f.interceptor.Stat(f.path("/pkg/index.js"), &stat); err != nil {
		t.Fatal(err)
	}
	if err := f.interceptor.Stat(f.path("/pkg/bin/tool"), &stat); err != nil {
		t.Fatal(err)
	}
	if f.interceptor.Session().Len() != 2 {
		t.Fatalf("session holds %d lookups", f.interceptor.Session().Len())
	}

	updated := testutil.WriteFile(t, f.objects, "index-v2", []byte("hello, world"))
	f.backend.set(2, map[string]string{"/pkg/index.js": updated})
	f.clock.Advance(DefaultCacheTTL)

	if err := f.interceptor.Stat(f.path("/pkg/index.js"), &stat); err != nil {
		t.Fatal(err)
	}
	if stat.Size != int64(len("hello, world")) {
		t.Errorf("size = %d after update", stat.Size)
	}
	session := f.interceptor.Session()
	if session.Generation() != 2 || session.Len() != 1 {
		t.Errorf("session generation=%d len=%d, want 2 and 1", session.Generation(), session.Len())
	}
}

func TestUnreachableBacksOff(t *testing.T) {
	f := newFixture(t)
	f.backend.fail(fmt.Errorf("%w: dial: connection refused", service.ErrUnreachable))

	var stat unix.Stat_t
	for range 5 {
		if err := f.interceptor.Stat(f.path("/pkg/index.js"), &stat); !errors.Is(err, unix.ENOENT) {
			t.Fatalf("expected passthrough ENOENT, got %v", err)
		}
	}
	if calls := f.backend.callCount(); calls != 1 {
		t.Errorf("backend called %d times during cooldown", calls)
	}
	if f.interceptor.Reachable() {
		t.Error("interceptor reachable right after a failure")
	}

	f.backend.fail(nil)
	f.clock.Advance(DefaultCooldown)
	if err := f.interceptor.Stat(f.path("/pkg/index.js"), &stat); err != nil {
		t.Fatalf("Stat after cooldown: %v", err)
	}
	if calls := f.backend.callCount(); calls != 2 {
		t.Errorf("backend calls = %d after cooldown", calls)
	}
}

func TestUnexpectedErrorsPassThrough(t *testing.T) {
	f := newFixture(t)
	f.backend.fail(&protocol.Error{Action: protocol.ActionResolve, Status: protocol.StatusStoreError, Message: "disk on fire"})

	var stat unix.Stat_t
	if err := f.interceptor.Stat(f.path("/pkg/index.js"), &stat); !errors.Is(err, unix.ENOENT) {
		t.Fatalf("expected passthrough ENOENT, got %v", err)
	}
	if !f.interceptor.Reachable() {
		t.Error("a store error started the unreachable cooldown")
	}
	if f.interceptor.Session().Len() != 0 {
		t.Error("a store error was cached")
	}
}

func TestConfigFromEnvironment(t *testing.T) {
	environment := map[string]string{
		"VELO_SHIM":       "on",
		"VELO_SOCKET":     "/run/velo.sock",
		"VELO_VFS_PREFIX": "/work/deps/",
		"VELO_TIMEOUT":    "250ms",
		"VELO_DEBUG":      "1",
	}
	lookup := func(name string) (string, bool) {
		value, ok := environment[name]
		return value, ok
	}

	cfg, err := ConfigFromEnvironment(lookup)
	if err != nil {
		t.Fatal(err)
	}
	want := Config{
		Enabled:    true,
		SocketPath: "/run/velo.sock",
		Prefix:     "/work/deps",
		Root:       "deps",
		Timeout:    250 * time.Millisecond,
		Cooldown:   DefaultCooldown,
		CacheTTL:   DefaultCacheTTL,
		Debug:      true,
	}
	if cfg != want {
		t.Errorf("config = %+v\nwant %+v", cfg, want)
	}

	environment["VELO_TIMEOUT"] = "soon"
	if _, err := ConfigFromEnvironment(lookup); err == nil {
		t.Error("expected error for a bad timeout")
	}
	environment["VELO_TIMEOUT"] = "1s"
	environment["VELO_VFS_PREFIX"] = "relative"
	if _, err := ConfigFromEnvironment(lookup); err == nil {
		t.Error("expected error for a relative prefix")
	}

	cfg, err = ConfigFromEnvironment(func(string) (string, bool) { return "", false })
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Enabled || cfg.Prefix != DefaultPrefix || cfg.Root != "velo" || cfg.SocketPath != DefaultSocket {
		t.Errorf("defaults = %+v", cfg)
	}
}
