// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package rootstore persists the manifests of materialized project
// roots so the daemon can rebuild them after a restart.
//
// Each root is one badger key holding a [Record]: the root's last
// published manifest in digest-only form (every file entry names a
// stored object, no inline content), CBOR-encoded and compressed. The
// registry also keeps the highest generation id handed out, so ids
// stay monotonic across daemon restarts.
package rootstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/bureau-foundation/velo/lib/codec"
	"github.com/bureau-foundation/velo/lib/digest"
	"github.com/bureau-foundation/velo/lib/manifest"
)

const (
	rootPrefix        = "root/"
	lastGenerationKey = "meta/last-generation"
)

// ErrNotFound is returned by Get for roots with no record.
var ErrNotFound = errors.New("root not registered")

// Record is the persisted state of one project root.
type Record struct {
	Root       string `cbor:"root"`
	Generation uint64 `cbor:"generation"`

	// UpdatedNanos is the publication time in Unix nanoseconds.
	UpdatedNanos int64 `cbor:"updated_ns"`

	// Source is the manifest file the root was loaded from, if any.
	// The daemon watches it for changes.
	Source string `cbor:"source,omitempty"`

	Manifest manifest.Manifest `cbor:"manifest"`
}

// Options configures a Registry.
type Options struct {
	// Directory holds the badger files. Ignored when InMemory is set.
	Directory string

	// InMemory keeps everything in memory. Used by tests.
	InMemory bool

	// Compression applies to record bodies written from now on.
	// Existing records keep whatever they were written with.
	Compression CompressionTag

	// Logger receives badger's own warnings and errors. Nil discards.
	Logger *slog.Logger
}

// Registry is the durable root registry.
type Registry struct {
	db          *badger.DB
	compression CompressionTag
	logger      *slog.Logger
}

// Open opens or creates the registry.
func Open(opts Options) (*Registry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var badgerOptions badger.Options
	if opts.InMemory {
		badgerOptions = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Directory == "" {
			return nil, errors.New("registry directory is empty")
		}
		badgerOptions = badger.DefaultOptions(opts.Directory)
	}
	// Values are already compressed per record.
	badgerOptions = badgerOptions.
		WithCompression(options.None).
		WithLoggingLevel(badger.WARNING).
		WithLogger(badgerLogger{logger: logger.With("component", "badger")})

	db, err := badger.Open(badgerOptions)
	if err != nil {
		return nil, fmt.Errorf("opening root registry at %s: %w", opts.Directory, err)
	}
	return &Registry{db: db, compression: opts.Compression, logger: logger}, nil
}

// Close flushes and closes the database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Put stores record, replacing any previous record for the same root,
// and raises the stored last generation to record.Generation.
func (r *Registry) Put(record Record) error {
	if record.Root == "" {
		return errors.New("record has no root")
	}
	body, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding record for %s: %w", record.Root, err)
	}
	value, err := encodeValue(body, r.compression)
	if err != nil {
		return fmt.Errorf("compressing record for %s: %w", record.Root, err)
	}

	return r.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(rootPrefix+record.Root), value); err != nil {
			return err
		}
		last, err := readLastGeneration(txn)
		if err != nil {
			return err
		}
		if record.Generation > last {
			return txn.Set([]byte(lastGenerationKey), binary.BigEndian.AppendUint64(nil, record.Generation))
		}
		return nil
	})
}

// Get returns the record for root.
func (r *Registry) Get(root string) (Record, error) {
	var record Record
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(rootPrefix + root))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, root)
		}
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			return decodeRecord(value, &record)
		})
	})
	return record, err
}

// Delete removes the record for root. Deleting a missing root is not
// an error.
func (r *Registry) Delete(root string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(rootPrefix + root))
	})
}

// List returns every record in key order.
func (r *Registry) List() ([]Record, error) {
	var records []Record
	err := r.db.View(func(txn *badger.Txn) error {
		iteratorOptions := badger.DefaultIteratorOptions
		iteratorOptions.Prefix = []byte(rootPrefix)
		iterator := txn.NewIterator(iteratorOptions)
		defer iterator.Close()

		for iterator.Rewind(); iterator.Valid(); iterator.Next() {
			item := iterator.Item()
			var record Record
			err := item.Value(func(value []byte) error {
				return decodeRecord(value, &record)
			})
			if err != nil {
				return fmt.Errorf("decoding %s: %w", strings.TrimPrefix(string(item.Key()), rootPrefix), err)
			}
			records = append(records, record)
		}
		return nil
	})
	return records, err
}

// Digests returns every digest referenced by any registered root.
// The daemon adds these to the garbage collection live set so that
// roots not loaded in memory keep their objects.
func (r *Registry) Digests() (digest.Set, error) {
	records, err := r.List()
	if err != nil {
		return nil, err
	}
	set := make(digest.Set)
	for i := range records {
		set.Union(records[i].Manifest.Digests())
	}
	return set, nil
}

// LastGeneration returns the highest generation id ever stored.
func (r *Registry) LastGeneration() (uint64, error) {
	var last uint64
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		last, err = readLastGeneration(txn)
		return err
	})
	return last, err
}

func readLastGeneration(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get([]byte(lastGenerationKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var last uint64
	err = item.Value(func(value []byte) error {
		if len(value) != 8 {
			return fmt.Errorf("last generation value is %d bytes", len(value))
		}
		last = binary.BigEndian.Uint64(value)
		return nil
	})
	return last, err
}

func decodeRecord(value []byte, record *Record) error {
	body, err := decodeValue(value)
	if err != nil {
		return err
	}
	return codec.Unmarshal(body, record)
}

// badgerLogger forwards badger's internal logging to slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
