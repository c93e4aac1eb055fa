// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil classifies connection errors for the unix-socket
// transport. Servers use it to keep routine disconnects out of the logs,
// and clients use it to decide whether a reused connection went stale.
package netutil
