// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"runtime/debug"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/velo/lib/digest"
)

// Object is a read-only memory-mapped view of a stored object. The
// mapping stays valid until Close, even if the object is deleted from
// the store in the meantime.
type Object struct {
	digest digest.Digest
	data   []byte
	size   int64

	closeOnce sync.Once
	closeErr  error
}

// Get maps the object for d. Returns ErrNotFound if no such object is
// stored. With verification enabled, the mapped bytes are rehashed and
// a mismatch returns ErrCorrupt.
func (s *Store) Get(d digest.Digest) (*Object, error) {
	file, err := os.Open(s.Path(d))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, d)
		}
		return nil, fmt.Errorf("opening object %s: %w", d, err)
	}
	// The mapping outlives the descriptor.
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stating object %s: %w", d, err)
	}

	object := &Object{digest: d, size: info.Size()}
	if object.size > 0 {
		data, err := unix.Mmap(int(file.Fd()), 0, int(object.size), unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			return nil, fmt.Errorf("mapping object %s: %w", d, err)
		}
		object.data = data
	}

	if s.verify {
		actual, err := object.hash()
		if err != nil {
			object.Close()
			return nil, err
		}
		if actual != d {
			object.Close()
			s.metrics.ObserveCorrupt()
			return nil, fmt.Errorf("%w: %s hashes to %s", ErrCorrupt, d, actual)
		}
	}
	return object, nil
}

// Digest returns the object's digest.
func (o *Object) Digest() digest.Digest {
	return o.digest
}

// Size returns the object length in bytes.
func (o *Object) Size() int64 {
	return o.size
}

// Bytes returns the mapped bytes. The slice is read-only and must not
// be used after Close. Touching it after the backing storage fails
// raises SIGBUS; use ReadAt where that must be survivable.
func (o *Object) Bytes() []byte {
	return o.data
}

// ReadAt implements io.ReaderAt over the mapping. Page faults caused by
// I/O errors on the underlying storage are returned as errors instead
// of crashing the process.
func (o *Object) ReadAt(p []byte, off int64) (readCount int, err error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= o.size {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}

	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if r := recover(); r != nil {
			err = fmt.Errorf("page fault reading object %s at offset %d: %v", o.digest, off, r)
		}
	}()

	readCount = copy(p, o.data[off:])
	if readCount < len(p) {
		return readCount, io.EOF
	}
	return readCount, nil
}

// Reader returns an io.Reader over the whole object.
func (o *Object) Reader() io.Reader {
	return io.NewSectionReader(o, 0, o.size)
}

// Close unmaps the object. Safe to call more than once.
func (o *Object) Close() error {
	o.closeOnce.Do(func() {
		if o.data != nil {
			o.closeErr = unix.Munmap(o.data)
			o.data = nil
		}
	})
	return o.closeErr
}

// hash digests the mapped bytes under the fault guard.
func (o *Object) hash() (actual digest.Digest, err error) {
	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if r := recover(); r != nil {
			err = fmt.Errorf("page fault verifying object %s: %v", o.digest, r)
		}
	}()
	return digest.Sum(o.data), nil
}
