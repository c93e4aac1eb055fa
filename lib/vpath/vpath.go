// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package vpath normalizes logical paths inside a virtual root.
//
// A canonical logical path is absolute, uses single slashes, has no
// "." or ".." components and no trailing slash; the root itself is
// "/". ".." at the root stays at the root, matching the kernel's
// treatment of "/..".
package vpath

import (
	"errors"
	"path"
	"strings"
)

// Root is the canonical path of a virtual root's top directory.
const Root = "/"

// ErrInvalid is returned for paths that cannot name a virtual entry.
var ErrInvalid = errors.New("invalid logical path")

// Clean returns the canonical form of p. A relative p is taken as
// relative to the root. Paths containing NUL bytes are rejected.
func Clean(p string) (string, error) {
	if strings.IndexByte(p, 0) >= 0 {
		return "", ErrInvalid
	}
	return path.Clean("/" + p), nil
}

// IsClean reports whether p is already canonical: absolute, with no
// empty, "." or ".." component and no trailing slash. It does not
// allocate, so callers can test before paying for Clean.
func IsClean(p string) bool {
	if p == Root {
		return true
	}
	if len(p) < 2 || p[0] != '/' || p[len(p)-1] == '/' {
		return false
	}
	start := 1
	for i := 1; i <= len(p); i++ {
		if i < len(p) && p[i] != '/' {
			continue
		}
		switch p[start:i] {
		case "", ".", "..":
			return false
		}
		start = i + 1
	}
	return true
}

// Split returns the components of a canonical path. The root has no
// components.
func Split(canonical string) []string {
	trimmed := strings.TrimPrefix(canonical, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// Join appends name to a canonical directory path.
func Join(dir, name string) string {
	if dir == Root {
		return Root + name
	}
	return dir + "/" + name
}

// Base returns the last component of a canonical path, or "/" for the
// root.
func Base(canonical string) string {
	return path.Base(canonical)
}

// Within reports whether the absolute, cleaned host path p lies at or
// below prefix, and returns the remainder as a canonical logical path.
// The match is on component boundaries: "/velo" contains "/velo/a"
// but not "/velocity". p and prefix must already be clean.
func Within(p, prefix string) (string, bool) {
	if prefix == "" || prefix == "/" {
		return p, strings.HasPrefix(p, "/")
	}
	if !strings.HasPrefix(p, prefix) {
		return "", false
	}
	rest := p[len(prefix):]
	switch {
	case rest == "":
		return Root, true
	case rest[0] == '/':
		return rest, true
	default:
		return "", false
	}
}
