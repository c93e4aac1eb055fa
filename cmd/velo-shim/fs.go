// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux && cgo && (amd64 || arm64)

package main

/*
#include <stdlib.h>
#include "shim.h"
*/
import "C"

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/velo/lib/intercept"
)

// shimFS passes the interposed calls to the functions they shadow, so
// passthrough from inside the library behaves as if it had not been
// loaded. The rest issue system calls directly.
type shimFS struct {
	intercept.RealFS
}

var _ intercept.FS = shimFS{}

func fdResult(result C.int) (int, error) {
	if result < 0 {
		return -1, unix.Errno(-result)
	}
	return int(result), nil
}

func errResult(result C.int) error {
	_, err := fdResult(result)
	return err
}

func (shimFS) Open(path string, flags int, perm uint32) (int, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	return fdResult(C.velo_real_open(cpath, C.int(flags), C.uint(perm)))
}

func (shimFS) OpenAt(dirfd int, path string, flags int, perm uint32) (int, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	return fdResult(C.velo_real_openat(C.int(dirfd), cpath, C.int(flags), C.uint(perm)))
}

func (shimFS) Close(fd int) error {
	return errResult(C.velo_real_close(C.int(fd)))
}

func (shimFS) Stat(path string, stat *unix.Stat_t) error {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	return errResult(C.velo_real_stat(cpath, unsafe.Pointer(stat)))
}

func (shimFS) Lstat(path string, stat *unix.Stat_t) error {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	return errResult(C.velo_real_lstat(cpath, unsafe.Pointer(stat)))
}

func (shimFS) Fstat(fd int, stat *unix.Stat_t) error {
	return errResult(C.velo_real_fstat(C.int(fd), unsafe.Pointer(stat)))
}

func (shimFS) StatAt(dirfd int, path string, stat *unix.Stat_t, flags int) error {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	return errResult(C.velo_real_fstatat(C.int(dirfd), cpath, unsafe.Pointer(stat), C.int(flags)))
}

func (shimFS) Access(path string, mode uint32) error {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	return errResult(C.velo_real_access(cpath, C.int(mode)))
}
