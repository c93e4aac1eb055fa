// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio"

	"github.com/bureau-foundation/velo/lib/digest"
	"github.com/bureau-foundation/velo/lib/metrics"
)

// Directory names within the store root.
const (
	objectsDir = "objects"
	tmpDir     = "tmp"
)

// objectMode is the permission of a published object. Objects are
// never modified after publication.
const objectMode = 0o444

// stripeCount is the number of per-digest lock stripes. Indexed by the
// first digest byte.
const stripeCount = 256

var (
	// ErrNotFound is returned when no object with the requested digest
	// is stored.
	ErrNotFound = errors.New("object not found")

	// ErrCorrupt is returned when an object's bytes no longer hash to
	// its name.
	ErrCorrupt = errors.New("object corrupt")
)

// Options configures a Store.
type Options struct {
	// Verify rehashes object bytes on every Get and fails with
	// ErrCorrupt on mismatch.
	Verify bool

	// Logger receives store lifecycle and GC events. Nil discards.
	Logger *slog.Logger

	// Metrics records puts and GC results. Nil disables.
	Metrics *metrics.Metrics
}

// Store is a content-addressable object store rooted at a directory.
// All methods are safe for concurrent use.
type Store struct {
	root    string
	verify  bool
	logger  *slog.Logger
	metrics *metrics.Metrics

	stripes [stripeCount]sync.Mutex

	// gcMu serializes collections.
	gcMu sync.Mutex

	// youngMu guards young. young is non-nil only while a collection
	// is running and holds every digest put since it started.
	youngMu sync.Mutex
	young   digest.Set
}

// Open opens the store at root, creating the directory structure if
// needed. Temp files left behind by a crashed writer are removed, so
// only the store's owning process may call Open on a given root.
func Open(root string, options Options) (*Store, error) {
	if root == "" {
		return nil, errors.New("store root is empty")
	}
	for _, dir := range []string{
		root,
		filepath.Join(root, objectsDir),
		filepath.Join(root, tmpDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory %s: %w", dir, err)
		}
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	store := &Store{
		root:    root,
		verify:  options.Verify,
		logger:  logger,
		metrics: options.Metrics,
	}

	removed, err := store.removeStaleTemp()
	if err != nil {
		return nil, err
	}
	if removed > 0 {
		logger.Info("removed stale temp files", "root", root, "count", removed)
	}
	return store, nil
}

// Root returns the store root directory.
func (s *Store) Root() string {
	return s.root
}

// Path returns the filesystem path at which the object for d is (or
// would be) stored.
func (s *Store) Path(d digest.Digest) string {
	return filepath.Join(s.root, objectsDir, d.Shard(), d.Suffix())
}

// Put stores data and returns its digest. If an object with the same
// digest already exists, nothing is written.
func (s *Store) Put(data []byte) (digest.Digest, error) {
	d := digest.Sum(data)

	lock := s.stripe(d)
	lock.Lock()
	defer lock.Unlock()

	s.markYoung(d)

	finalPath := s.Path(d)
	if _, err := os.Lstat(finalPath); err == nil {
		s.metrics.ObservePut(0, true)
		return d, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return digest.Digest{}, fmt.Errorf("checking object %s: %w", d, err)
	}

	if err := s.publish(finalPath, data); err != nil {
		return digest.Digest{}, fmt.Errorf("storing object %s: %w", d, err)
	}
	s.metrics.ObservePut(int64(len(data)), false)
	return d, nil
}

// PutReader reads r to the end and stores the content. Returns the
// digest and the content length.
func (s *Store) PutReader(r io.Reader) (digest.Digest, int64, error) {
	// Content is buffered in memory. Manifest sources are individual
	// package files, not multi-gigabyte blobs.
	var buffer bytes.Buffer
	if _, err := buffer.ReadFrom(r); err != nil {
		return digest.Digest{}, 0, fmt.Errorf("reading content: %w", err)
	}
	d, err := s.Put(buffer.Bytes())
	if err != nil {
		return digest.Digest{}, 0, err
	}
	return d, int64(buffer.Len()), nil
}

// publish writes data to a temp file in the store's tmp directory,
// fsyncs it, and renames it onto finalPath. The caller holds the
// digest's stripe lock.
func (s *Store) publish(finalPath string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("creating shard directory: %w", err)
	}

	pending, err := renameio.TempFile(filepath.Join(s.root, tmpDir), finalPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer pending.Cleanup()

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := pending.Chmod(objectMode); err != nil {
		return fmt.Errorf("setting object mode: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("publishing object: %w", err)
	}
	return nil
}

// Has reports whether an object with digest d is stored.
func (s *Store) Has(d digest.Digest) bool {
	_, err := os.Lstat(s.Path(d))
	return err == nil
}

// ObjectInfo describes a stored object without mapping it.
type ObjectInfo struct {
	Digest digest.Digest
	Size   int64
	Path   string
}

// Stat returns the size and backing path of the object for d.
func (s *Store) Stat(d digest.Digest) (ObjectInfo, error) {
	path := s.Path(d)
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, d)
		}
		return ObjectInfo{}, fmt.Errorf("stating object %s: %w", d, err)
	}
	return ObjectInfo{Digest: d, Size: info.Size(), Path: path}, nil
}

// ReadAll returns a heap copy of the object's bytes.
func (s *Store) ReadAll(d digest.Digest) ([]byte, error) {
	object, err := s.Get(d)
	if err != nil {
		return nil, err
	}
	defer object.Close()

	data := make([]byte, object.Size())
	if _, err := object.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return data, nil
}

// Verify rehashes the stored bytes of d. Returns ErrCorrupt if they do
// not match, ErrNotFound if the object is absent.
func (s *Store) Verify(d digest.Digest) error {
	file, err := os.Open(s.Path(d))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, d)
		}
		return fmt.Errorf("opening object %s: %w", d, err)
	}
	defer file.Close()

	actual, _, err := digest.SumReader(file)
	if err != nil {
		return fmt.Errorf("reading object %s: %w", d, err)
	}
	if actual != d {
		s.metrics.ObserveCorrupt()
		return fmt.Errorf("%w: %s hashes to %s", ErrCorrupt, d, actual)
	}
	return nil
}

// Walk calls fn for every stored object, in no particular order.
// Files in the objects tree that are not valid object names are
// skipped. Walk stops at the first error fn returns.
func (s *Store) Walk(fn func(d digest.Digest, size int64) error) error {
	objectsRoot := filepath.Join(s.root, objectsDir)
	shards, err := os.ReadDir(objectsRoot)
	if err != nil {
		return fmt.Errorf("reading %s: %w", objectsRoot, err)
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(objectsRoot, shard.Name()))
		if err != nil {
			return fmt.Errorf("reading shard %s: %w", shard.Name(), err)
		}
		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}
			d, ok := digest.FromShardPath(shard.Name(), entry.Name())
			if !ok {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return fmt.Errorf("stating object %s: %w", d, err)
			}
			if err := fn(d, info.Size()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stats summarizes the store contents.
type Stats struct {
	Objects    int   `cbor:"objects" json:"objects"`
	TotalBytes int64 `cbor:"total_bytes" json:"total_bytes"`
}

// Stats walks the store and counts objects and bytes.
func (s *Store) Stats() (Stats, error) {
	var stats Stats
	err := s.Walk(func(_ digest.Digest, size int64) error {
		stats.Objects++
		stats.TotalBytes += size
		return nil
	})
	return stats, err
}

func (s *Store) stripe(d digest.Digest) *sync.Mutex {
	return &s.stripes[d[0]]
}

// markYoung records d in the running collection's young set, if any.
// Called with d's stripe lock held.
func (s *Store) markYoung(d digest.Digest) {
	s.youngMu.Lock()
	if s.young != nil {
		s.young.Add(d)
	}
	s.youngMu.Unlock()
}

func (s *Store) isYoung(d digest.Digest) bool {
	s.youngMu.Lock()
	defer s.youngMu.Unlock()
	return s.young.Has(d)
}

// removeStaleTemp empties the tmp directory.
func (s *Store) removeStaleTemp() (int, error) {
	tmpRoot := filepath.Join(s.root, tmpDir)
	entries, err := os.ReadDir(tmpRoot)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", tmpRoot, err)
	}
	removed := 0
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(tmpRoot, entry.Name())); err != nil {
			return removed, fmt.Errorf("removing stale temp file %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}
