// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package digest

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/zeebo/blake3"
)

// Size is the byte length of a digest.
const Size = 32

// HexSize is the length of the hex-encoded form of a digest.
const HexSize = 2 * Size

// ShardLength is the number of leading hex characters used as the
// store shard directory name.
const ShardLength = 2

// Digest is a BLAKE3-256 hash of an object's bytes.
type Digest [Size]byte

// Zero is the all-zero digest. No real content hashes to it; it is
// used as a "no digest" marker in wire messages.
var Zero Digest

// Sum computes the digest of data.
func Sum(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}

// SumReader streams r through the hash function and returns the
// digest together with the number of bytes consumed.
func SumReader(r io.Reader) (Digest, int64, error) {
	hasher := NewHasher()
	written, err := io.Copy(hasher, r)
	if err != nil {
		return Digest{}, written, fmt.Errorf("hashing content: %w", err)
	}
	return hasher.Digest(), written, nil
}

// Hasher accumulates bytes and produces a Digest. It implements
// io.Writer so it can sit behind an io.MultiWriter while content is
// being copied elsewhere.
type Hasher struct {
	state hash.Hash
}

// NewHasher returns an empty Hasher.
func NewHasher() *Hasher {
	return &Hasher{state: blake3.New()}
}

// Write adds p to the running hash. It never returns an error.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.state.Write(p)
}

// Digest returns the digest of everything written so far. The Hasher
// remains usable.
func (h *Hasher) Digest() Digest {
	var result Digest
	copy(result[:], h.state.Sum(nil))
	return result
}

// Reset returns the Hasher to its empty state.
func (h *Hasher) Reset() {
	h.state.Reset()
}

// String returns the 64-character hex form.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first 12 hex characters, for log output.
func (d Digest) Short() string {
	return hex.EncodeToString(d[:6])
}

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool {
	return d == Zero
}

// Shard returns the shard directory name for d.
func (d Digest) Shard() string {
	return d.String()[:ShardLength]
}

// Suffix returns the object file name for d within its shard.
func (d Digest) Suffix() string {
	return d.String()[ShardLength:]
}

// MarshalText implements encoding.TextMarshaler. Digests travel as hex
// strings in CBOR and JSON so they stay readable in diagnostics.
func (d Digest) MarshalText() ([]byte, error) {
	buffer := make([]byte, HexSize)
	hex.Encode(buffer, d[:])
	return buffer, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Parse parses a 64-character hex string into a Digest.
func Parse(hexString string) (Digest, error) {
	var result Digest
	if len(hexString) != HexSize {
		return result, fmt.Errorf("digest %q is %d characters, want %d", hexString, len(hexString), HexSize)
	}
	if _, err := hex.Decode(result[:], []byte(hexString)); err != nil {
		return result, fmt.Errorf("parsing digest: %w", err)
	}
	return result, nil
}

// FromShardPath reassembles a digest from a shard directory name and
// an object file name, as found when walking the store. Returns false
// for names that are not part of a valid digest (temp files, stray
// files).
func FromShardPath(shard, suffix string) (Digest, bool) {
	if len(shard) != ShardLength || len(suffix) != HexSize-ShardLength {
		return Digest{}, false
	}
	parsed, err := Parse(shard + suffix)
	if err != nil {
		return Digest{}, false
	}
	return parsed, true
}

// Set is a set of digests.
type Set map[Digest]struct{}

// Add inserts d into the set.
func (s Set) Add(d Digest) {
	s[d] = struct{}{}
}

// Has reports whether d is in the set.
func (s Set) Has(d Digest) bool {
	_, exists := s[d]
	return exists
}

// Union adds every member of other to s.
func (s Set) Union(other Set) {
	for d := range other {
		s[d] = struct{}{}
	}
}
