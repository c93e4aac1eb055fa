// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux && cgo && (amd64 || arm64)

package main

/*
#cgo LDFLAGS: -ldl -lpthread
#include <stdlib.h>
#include "shim.h"
*/
import "C"

import (
	"errors"
	"log/slog"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/velo/lib/intercept"
)

// interceptor serves every hooked call. A process whose environment
// does not configure interception gets a disabled one that passes
// everything through.
var interceptor *intercept.Interceptor

func init() {
	i, err := intercept.FromEnvironment(intercept.Options{FS: shimFS{}})
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Warn("velo-shim: interception disabled", "error", err)
		i, _ = intercept.New(intercept.Config{}, intercept.Options{FS: shimFS{}})
	}
	interceptor = i

	prefix := i.Prefix()
	if prefix == "" {
		C.velo_disable()
		return
	}
	cprefix := C.CString(prefix)
	defer C.free(unsafe.Pointer(cprefix))
	C.velo_configure(cprefix, C.size_t(len(prefix)))
}

func main() {}

// errno converts err to the negated errno the hooks return.
func errno(err error) C.int {
	var code unix.Errno
	if errors.As(err, &code) {
		return -C.int(code)
	}
	return -C.int(unix.EIO)
}

func status(err error) C.int {
	if err != nil {
		return errno(err)
	}
	return 0
}

func opened(fd int, err error) C.int {
	if err != nil {
		return errno(err)
	}
	if interceptor.Virtual(fd) {
		C.velo_track(1)
	}
	return C.int(fd)
}

//export veloOpen
func veloOpen(path *C.char, flags C.int, mode C.uint) C.int {
	return opened(interceptor.Open(C.GoString(path), int(flags), uint32(mode)))
}

//export veloOpenAt
func veloOpenAt(dirfd C.int, path *C.char, flags C.int, mode C.uint) C.int {
	return opened(interceptor.OpenAt(int(dirfd), C.GoString(path), int(flags), uint32(mode)))
}

//export veloStatAt
func veloStatAt(dirfd C.int, path *C.char, buf unsafe.Pointer, flags C.int) C.int {
	return status(interceptor.StatAt(int(dirfd), C.GoString(path), (*unix.Stat_t)(buf), int(flags)))
}

//export veloFstat
func veloFstat(fd C.int, buf unsafe.Pointer) C.int {
	if !interceptor.Virtual(int(fd)) {
		return C.VELO_PASS
	}
	return status(interceptor.Fstat(int(fd), (*unix.Stat_t)(buf)))
}

//export veloAccess
func veloAccess(path *C.char, mode C.int) C.int {
	return status(interceptor.Access(C.GoString(path), uint32(mode)))
}

//export veloClose
func veloClose(fd C.int) C.int {
	if !interceptor.Virtual(int(fd)) {
		return C.VELO_PASS
	}
	C.velo_track(-1)
	return status(interceptor.Close(int(fd)))
}

//export veloMmap
func veloMmap(fd C.int, prot C.int, flags C.int) C.int {
	return status(interceptor.CheckMmap(int(fd), int(prot), int(flags)))
}

//export veloVirtualDir
func veloVirtualDir(fd C.int) C.int {
	if _, ok := interceptor.ReadDirFD(int(fd)); ok {
		return 1
	}
	return 0
}

// veloDirent fills entry index of a virtual directory stream. The
// first two are "." and "..", which take the directory's own inode.
//
//export veloDirent
func veloDirent(fd C.int, index C.long, ino *C.uint64_t, kind *C.uint8_t, name *C.char, size C.size_t) C.int {
	entries, ok := interceptor.ReadDirFD(int(fd))
	if !ok {
		return -C.int(unix.EBADF)
	}
	var entry intercept.Dirent
	switch {
	case index < 2:
		var stat unix.Stat_t
		if err := interceptor.Fstat(int(fd), &stat); err != nil {
			return errno(err)
		}
		entry = intercept.Dirent{Name: ".", Type: unix.DT_DIR, Ino: stat.Ino}
		if index == 1 {
			entry.Name = ".."
		}
	case int(index-2) < len(entries):
		entry = entries[index-2]
	default:
		return 0
	}

	buffer := unsafe.Slice((*byte)(unsafe.Pointer(name)), int(size))
	n := copy(buffer[:len(buffer)-1], entry.Name)
	buffer[n] = 0
	*ino = C.uint64_t(entry.Ino)
	*kind = C.uint8_t(entry.Type)
	return 1
}
