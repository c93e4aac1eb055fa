// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Velo is the command-line client for velod: materialize roots from
// manifest files, inspect them, collect garbage, and launch target
// processes with interception configured.
package main
