// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides entrypoint helpers for the velo binaries:
// reporting a fatal error before the structured logger exists, and
// turning command errors into exit codes.
package process
