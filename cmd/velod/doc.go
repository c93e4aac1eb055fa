// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Velod is the coordinator daemon. It owns the content store and every
// materialized root, and answers resolve, list, open, materialize, gc,
// status, unmount, and shutdown requests on a unix socket.
//
// Configuration comes from the file named by --config or VELO_CONFIG,
// overridden by the VELO_* environment variables and then by flags.
// With --metrics-address set, Prometheus metrics are served at
// /metrics on that address.
package main
