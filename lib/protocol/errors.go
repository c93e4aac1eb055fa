// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"
)

// Sentinels matching non-ok statuses. errors.Is(err, ErrNotFound) is
// true for an *Error carrying StatusNotFound.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrProtocol = errors.New("protocol error")
	ErrStore    = errors.New("store error")
)

// Error is a non-ok response surfaced to a caller.
type Error struct {
	Action  string
	Status  Status
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Action, e.Status)
	}
	return fmt.Sprintf("%s: %s: %s", e.Action, e.Status, e.Message)
}

// Is maps the status onto the package sentinels.
func (e *Error) Is(target error) bool {
	return target == SentinelFor(e.Status)
}

// SentinelFor returns the sentinel for a non-ok status, or nil.
func SentinelFor(status Status) error {
	switch status {
	case StatusNotFound:
		return ErrNotFound
	case StatusConflict:
		return ErrConflict
	case StatusProtocolError:
		return ErrProtocol
	case StatusStoreError:
		return ErrStore
	default:
		return nil
	}
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOK, StatusNotFound, StatusConflict, StatusProtocolError, StatusStoreError:
		return true
	default:
		return false
	}
}
