// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/bureau-foundation/velo/lib/process"
)

func main() {
	app := newApp(os.Stdout, os.Stderr)
	if err := app.root().Execute(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}
