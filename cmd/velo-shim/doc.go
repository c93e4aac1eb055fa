// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux && cgo && (amd64 || arm64)

// Velo-shim is the interception library loaded into target processes
// with LD_PRELOAD. Build it with
//
//	go build -buildmode=c-shared -o libvelo_shim.so ./cmd/velo-shim
//
// and launch targets with "velo run --preload libvelo_shim.so".
//
// The library interposes on open, openat, the stat family, access,
// the directory stream calls, mmap, and close. Calls on paths outside
// the prefix and on descriptors the library did not hand out go to the
// next definition in the link chain (dlsym with RTLD_NEXT) without
// entering Go. Everything else is answered by lib/intercept, configured
// from the VELO_* environment variables the launcher sets.
//
// Relative paths resolved against the working directory always pass
// through: chdir is not interposed, so the working directory is never
// inside the virtual tree. A child forked without exec sees the real
// filesystem until it execs.
package main
