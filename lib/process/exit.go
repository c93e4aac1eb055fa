// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ExitError carries an exit code chosen by a command, typically the
// exit status of a child process that velo ran.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// ExitCode returns the code the process should exit with.
func (e *ExitError) ExitCode() int { return e.Code }

// Fatal writes "error: err" to stderr and exits with code 1, or exits
// silently with the code of an *ExitError. Use it in main() for errors
// from run() where the structured logger may not be initialized.
func Fatal(err error) {
	os.Exit(Report(os.Stderr, err))
}

// Report writes err to w unless it is an *ExitError, and returns the
// exit code for it.
func Report(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	fmt.Fprintf(w, "error: %v\n", err)
	return 1
}
