// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package intercept

import (
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/velo/lib/protocol"
)

// virtualDevice is the st_dev of every virtual entry ("velo").
const virtualDevice = 0x76656c6f

// inode derives a stable inode number from the root and logical path
// with FNV-1a, computed inline so stat does not allocate.
func inode(root, logical string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	hash := uint64(offset64)
	for i := 0; i < len(root); i++ {
		hash ^= uint64(root[i])
		hash *= prime64
	}
	hash ^= ':'
	hash *= prime64
	for i := 0; i < len(logical); i++ {
		hash ^= uint64(logical[i])
		hash *= prime64
	}
	if hash == 0 {
		return 1
	}
	return hash
}

// fillStat writes the stat buffer for a virtual entry. Files report
// their manifest mode and mtime and the object's size; directories
// report the normalized metadata the daemon gives them.
func fillStat(stat *unix.Stat_t, root, logical string, isDir bool, size int64, mode uint32, modTimeNanos int64, uid, gid uint32) {
	*stat = unix.Stat_t{}
	stat.Dev = virtualDevice
	stat.Ino = inode(root, logical)
	stat.Uid = uid
	stat.Gid = gid
	stat.Blksize = 4096
	if isDir {
		stat.Mode = unix.S_IFDIR | mode&0o7777
		stat.Nlink = 2
		stat.Size = 4096
	} else {
		stat.Mode = unix.S_IFREG | mode&0o7777
		stat.Nlink = 1
		stat.Size = size
	}
	stat.Blocks = (stat.Size + 511) / 512
	mtime := unix.NsecToTimespec(modTimeNanos)
	stat.Mtim = mtime
	stat.Atim = mtime
	stat.Ctim = mtime
}

func fillEntryStat(stat *unix.Stat_t, root string, entry *protocol.Entry, uid, gid uint32) {
	fillStat(stat, root, entry.Path, entry.IsDir(), entry.Size, entry.Mode, entry.ModTimeNanos, uid, gid)
}

func fillFileStat(stat *unix.Stat_t, root string, file virtualFile, uid, gid uint32) {
	fillStat(stat, root, file.logical, file.dir, file.size, file.mode, file.modTimeNanos, uid, gid)
}
