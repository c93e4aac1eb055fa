// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"
	"testing"

	"github.com/bureau-foundation/velo/lib/codec"
	"github.com/bureau-foundation/velo/lib/digest"
	"github.com/bureau-foundation/velo/lib/manifest"
)

func TestErrorIs(t *testing.T) {
	tests := []struct {
		status Status
		want   error
	}{
		{StatusNotFound, ErrNotFound},
		{StatusConflict, ErrConflict},
		{StatusProtocolError, ErrProtocol},
		{StatusStoreError, ErrStore},
	}
	for _, test := range tests {
		err := fmt.Errorf("wrapped: %w", &Error{Action: ActionResolve, Status: test.status, Message: "x"})
		if !errors.Is(err, test.want) {
			t.Errorf("status %s does not match %v", test.status, test.want)
		}
		for _, other := range tests {
			if other.want != test.want && errors.Is(err, other.want) {
				t.Errorf("status %s also matches %v", test.status, other.want)
			}
		}
	}
}

func TestStatusValid(t *testing.T) {
	if !StatusStoreError.Valid() || Status("bogus").Valid() {
		t.Error("Valid misclassifies statuses")
	}
}

func TestRequestOmitsEmptyFields(t *testing.T) {
	data, err := codec.Marshal(Request{Action: ActionPing})
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := codec.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if len(decoded) != 1 || decoded["action"] != ActionPing {
		t.Errorf("ping request encodes as %v", decoded)
	}
}

func TestRequestRoundtrip(t *testing.T) {
	d := digest.Sum([]byte("x"))
	original := Request{
		Action: ActionMaterialize,
		Root:   "demo",
		Manifest: &manifest.Manifest{Entries: []manifest.Entry{
			{Path: "/a", Content: []byte("a")},
			{Path: "/b", Digest: &d},
		}},
		Source: "/work/velo.jsonc",
	}
	data, err := codec.Marshal(original)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Request
	if err := codec.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Root != "demo" || decoded.Source != original.Source || len(decoded.Manifest.Entries) != 2 {
		t.Errorf("decoded = %+v", decoded)
	}
}
