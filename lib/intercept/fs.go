// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package intercept

import (
	"errors"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// Dirent is one directory entry. Type is a unix.DT_* value. Ino is
// the synthesized inode of a virtual entry and zero for real ones.
type Dirent struct {
	Name string
	Type uint8
	Ino  uint64
}

// FS is the real filesystem underneath the interceptor. Every
// passthrough lands here.
type FS interface {
	Open(path string, flags int, perm uint32) (int, error)
	OpenAt(dirfd int, path string, flags int, perm uint32) (int, error)
	Close(fd int) error
	Stat(path string, stat *unix.Stat_t) error
	Lstat(path string, stat *unix.Stat_t) error
	Fstat(fd int, stat *unix.Stat_t) error
	StatAt(dirfd int, path string, stat *unix.Stat_t, flags int) error
	Access(path string, mode uint32) error
	ReadDir(path string) ([]Dirent, error)
	Mmap(fd int, offset int64, length int, prot int, flags int) ([]byte, error)
	Munmap(data []byte) error

	// Placeholder returns a fresh close-on-exec descriptor that stands
	// in for an open virtual directory.
	Placeholder() (int, error)
}

// RealFS issues the system calls directly.
type RealFS struct{}

var _ FS = RealFS{}

func (RealFS) Open(path string, flags int, perm uint32) (int, error) {
	return unix.Open(path, flags, perm)
}

func (RealFS) OpenAt(dirfd int, path string, flags int, perm uint32) (int, error) {
	return unix.Openat(dirfd, path, flags, perm)
}

func (RealFS) Close(fd int) error { return unix.Close(fd) }

func (RealFS) Stat(path string, stat *unix.Stat_t) error { return unix.Stat(path, stat) }

func (RealFS) Lstat(path string, stat *unix.Stat_t) error { return unix.Lstat(path, stat) }

func (RealFS) Fstat(fd int, stat *unix.Stat_t) error { return unix.Fstat(fd, stat) }

func (RealFS) StatAt(dirfd int, path string, stat *unix.Stat_t, flags int) error {
	return unix.Fstatat(dirfd, path, stat, flags)
}

func (RealFS) Access(path string, mode uint32) error { return unix.Access(path, mode) }

// ReadDir lists path in name order. The error is the underlying
// errno when there is one.
func (RealFS) ReadDir(path string) ([]Dirent, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return nil, pathErr.Err
		}
		return nil, err
	}
	result := make([]Dirent, len(entries))
	for i, entry := range entries {
		result[i] = Dirent{Name: entry.Name(), Type: direntType(entry.Type())}
	}
	return result, nil
}

func (RealFS) Mmap(fd int, offset int64, length int, prot int, flags int) ([]byte, error) {
	return unix.Mmap(fd, offset, length, prot, flags)
}

func (RealFS) Munmap(data []byte) error { return unix.Munmap(data) }

func (RealFS) Placeholder() (int, error) {
	return unix.MemfdCreate("velo-dir", unix.MFD_CLOEXEC)
}

func direntType(mode fs.FileMode) uint8 {
	switch {
	case mode.IsRegular():
		return unix.DT_REG
	case mode.IsDir():
		return unix.DT_DIR
	case mode&fs.ModeSymlink != 0:
		return unix.DT_LNK
	case mode&fs.ModeNamedPipe != 0:
		return unix.DT_FIFO
	case mode&fs.ModeSocket != 0:
		return unix.DT_SOCK
	case mode&fs.ModeCharDevice != 0:
		return unix.DT_CHR
	case mode&fs.ModeDevice != 0:
		return unix.DT_BLK
	default:
		return unix.DT_UNKNOWN
	}
}
