// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package intercept

import (
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/velo/lib/protocol"
	"github.com/bureau-foundation/velo/lib/vpath"
)

// writeFlags are open flags that ask to modify the file. The virtual
// tree is read-only, so such opens always pass through.
const writeFlags = unix.O_WRONLY | unix.O_RDWR | unix.O_CREAT | unix.O_TRUNC | unix.O_APPEND

// Open opens path. A virtual file yields a read-only descriptor on its
// store object, and a virtual directory yields a placeholder
// descriptor carrying its listing. Fstat on either reports the virtual
// metadata.
func (i *Interceptor) Open(path string, flags int, perm uint32) (int, error) {
	logical, virtual := i.Classify(path)
	if !virtual || flags&writeFlags != 0 {
		return i.fs.Open(path, flags, perm)
	}
	if flags&unix.O_DIRECTORY == 0 {
		if fd, ok := i.openFile(logical, flags); ok {
			return fd, nil
		}
	}

	entry := i.resolve(logical)
	switch {
	case entry == nil:
	case entry.IsDir():
		if fd, ok := i.openDir(logical, entry); ok {
			return fd, nil
		}
	case flags&unix.O_DIRECTORY != 0:
		return -1, unix.ENOTDIR
	}
	return i.fs.Open(path, flags, perm)
}

// OpenAt opens path relative to dirfd. Relative names under a virtual
// directory descriptor are looked up in the virtual tree.
func (i *Interceptor) OpenAt(dirfd int, path string, flags int, perm uint32) (int, error) {
	if dirfd == unix.AT_FDCWD || (path != "" && path[0] == '/') {
		return i.Open(path, flags, perm)
	}
	if dir, virtual := i.fds.get(dirfd); virtual && dir.dir {
		return i.Open(i.hostPath(dir.logical, path), flags, perm)
	}
	return i.fs.OpenAt(dirfd, path, flags, perm)
}

// openFile opens the store object behind a virtual file. A cached
// answer can name an object that has since been collected; the daemon
// is then asked once more before giving up.
func (i *Interceptor) openFile(logical string, flags int) (int, bool) {
	for attempt := 0; attempt < 2; attempt++ {
		opened := i.open(logical)
		if opened == nil {
			return -1, false
		}
		fd, err := i.fs.Open(opened.BackingPath, unix.O_RDONLY|flags&(unix.O_CLOEXEC|unix.O_NOFOLLOW|unix.O_NONBLOCK), 0)
		if err == nil {
			i.fds.set(fd, virtualFile{
				logical:      logical,
				size:         opened.Size,
				mode:         opened.Mode,
				modTimeNanos: opened.ModTimeNanos,
			})
			i.logger.Debug("open", "path", logical, "fd", fd, "digest", opened.Digest.String())
			return fd, true
		}
		i.logger.Debug("opening backing object failed",
			"path", logical, "backing_path", opened.BackingPath, "attempt", attempt, "error", err)
		i.session.Invalidate()
	}
	return -1, false
}

// openDir hands out a placeholder descriptor for a virtual directory.
// The listing is fixed at open, as a directory stream's would be.
func (i *Interceptor) openDir(logical string, entry *protocol.Entry) (int, bool) {
	fd, err := i.fs.Placeholder()
	if err != nil {
		i.logger.Debug("creating directory placeholder failed", "path", logical, "error", err)
		return -1, false
	}
	i.fds.set(fd, virtualFile{
		logical:      logical,
		mode:         entry.Mode,
		modTimeNanos: entry.ModTimeNanos,
		dir:          true,
		entries:      i.dirents(logical, entry.Entries),
	})
	i.logger.Debug("opendir", "path", logical, "fd", fd, "entries", len(entry.Entries))
	return fd, true
}

// Virtual reports whether fd was opened on a virtual entry.
func (i *Interceptor) Virtual(fd int) bool {
	_, virtual := i.fds.get(fd)
	return virtual
}

// ReadDirFD returns the listing behind a descriptor Open returned for
// a virtual directory. ok is false for every other descriptor.
func (i *Interceptor) ReadDirFD(fd int) (entries []Dirent, ok bool) {
	file, virtual := i.fds.get(fd)
	if !virtual || !file.dir {
		return nil, false
	}
	return file.entries, true
}

// Stat fills stat for path.
func (i *Interceptor) Stat(path string, stat *unix.Stat_t) error {
	if entry := i.resolvePath(path); entry != nil {
		fillEntryStat(stat, i.config.Root, entry, i.uid, i.gid)
		return nil
	}
	return i.fs.Stat(path, stat)
}

// Lstat fills stat for path without following a final symlink. The
// virtual tree has no symlinks, so virtual paths behave as in Stat.
func (i *Interceptor) Lstat(path string, stat *unix.Stat_t) error {
	if entry := i.resolvePath(path); entry != nil {
		fillEntryStat(stat, i.config.Root, entry, i.uid, i.gid)
		return nil
	}
	return i.fs.Lstat(path, stat)
}

// Fstat fills stat for fd, reporting virtual metadata for descriptors
// opened on virtual entries.
func (i *Interceptor) Fstat(fd int, stat *unix.Stat_t) error {
	if file, virtual := i.fds.get(fd); virtual {
		fillFileStat(stat, i.config.Root, file, i.uid, i.gid)
		return nil
	}
	return i.fs.Fstat(fd, stat)
}

// StatAt fills stat for path relative to dirfd, as fstatat does.
func (i *Interceptor) StatAt(dirfd int, path string, stat *unix.Stat_t, flags int) error {
	if path == "" && flags&unix.AT_EMPTY_PATH != 0 {
		return i.Fstat(dirfd, stat)
	}
	if dirfd != unix.AT_FDCWD && path != "" && path[0] != '/' {
		dir, virtual := i.fds.get(dirfd)
		if !virtual || !dir.dir {
			return i.fs.StatAt(dirfd, path, stat, flags)
		}
		path = i.hostPath(dir.logical, path)
	}
	if flags&unix.AT_SYMLINK_NOFOLLOW != 0 {
		return i.Lstat(path, stat)
	}
	return i.Stat(path, stat)
}

// Access checks mode (unix.R_OK and friends) against path. Virtual
// entries are readable, never writable, and executable when their
// mode says so.
func (i *Interceptor) Access(path string, mode uint32) error {
	entry := i.resolvePath(path)
	if entry == nil {
		return i.fs.Access(path, mode)
	}
	if mode&unix.W_OK != 0 {
		return unix.EROFS
	}
	if mode&unix.X_OK != 0 && !entry.IsDir() && entry.Mode&0o111 == 0 {
		return unix.EACCES
	}
	return nil
}

// ReadDir lists path. Virtual directories are listed from the root;
// entries are in name order either way.
func (i *Interceptor) ReadDir(path string) ([]Dirent, error) {
	logical, virtual := i.Classify(path)
	if !virtual {
		return i.fs.ReadDir(path)
	}
	entries, ok := i.list(logical)
	if !ok {
		return i.fs.ReadDir(path)
	}
	return i.dirents(logical, entries), nil
}

func (i *Interceptor) dirents(logical string, entries []protocol.DirEntry) []Dirent {
	result := make([]Dirent, len(entries))
	for index, entry := range entries {
		result[index] = Dirent{
			Name: entry.Name,
			Type: unix.DT_REG,
			Ino:  inode(i.config.Root, vpath.Join(logical, entry.Name)),
		}
		if entry.Kind == protocol.KindDir {
			result[index].Type = unix.DT_DIR
		}
	}
	return result
}

// CheckMmap reports the error mmap must fail with for fd, or nil when
// the real call may proceed. Descriptors on virtual files are
// read-only, so a writable shared mapping fails as it would on a
// read-only file; directories cannot be mapped at all.
func (i *Interceptor) CheckMmap(fd int, prot int, flags int) error {
	file, virtual := i.fds.get(fd)
	switch {
	case !virtual:
		return nil
	case file.dir:
		return unix.ENODEV
	case prot&unix.PROT_WRITE != 0 && flags&unix.MAP_SHARED != 0:
		return unix.EACCES
	}
	return nil
}

// Mmap maps fd, subject to CheckMmap.
func (i *Interceptor) Mmap(fd int, offset int64, length int, prot int, flags int) ([]byte, error) {
	if err := i.CheckMmap(fd, prot, flags); err != nil {
		return nil, err
	}
	return i.fs.Mmap(fd, offset, length, prot, flags)
}

// Munmap unmaps a mapping returned by Mmap.
func (i *Interceptor) Munmap(data []byte) error {
	return i.fs.Munmap(data)
}

// Close closes fd and forgets it if it was virtual.
func (i *Interceptor) Close(fd int) error {
	i.fds.remove(fd)
	return i.fs.Close(fd)
}

// ReadFile returns the contents of path, virtual or not, by mapping it.
func (i *Interceptor) ReadFile(path string) ([]byte, error) {
	fd, err := i.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	defer i.Close(fd)

	var stat unix.Stat_t
	if err := i.Fstat(fd, &stat); err != nil {
		return nil, err
	}
	if stat.Mode&unix.S_IFMT == unix.S_IFDIR {
		return nil, unix.EISDIR
	}
	if stat.Size == 0 {
		return []byte{}, nil
	}

	mapped, err := i.Mmap(fd, 0, int(stat.Size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	defer i.Munmap(mapped)
	return append([]byte(nil), mapped...), nil
}

// resolvePath classifies and resolves path, returning nil for
// passthrough.
func (i *Interceptor) resolvePath(path string) *protocol.Entry {
	logical, virtual := i.Classify(path)
	if !virtual {
		return nil
	}
	return i.resolve(logical)
}
