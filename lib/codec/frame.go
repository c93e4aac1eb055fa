// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single framed message. Materialize requests
// may carry inline file content, so this is larger than a typical
// control message needs.
const MaxFrameSize = 16 * 1024 * 1024

// frameHeaderSize is the size of the big-endian length prefix.
const frameHeaderSize = 4

// ErrFrameTooLarge is returned by ReadFrame when the length prefix
// exceeds the caller's limit. The stream is not positioned at a frame
// boundary afterwards; the connection must be closed.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// WriteFrame encodes v as CBOR and writes it with a length prefix. The
// prefix and body are written with a single Write call so concurrent
// writers on distinct connections never interleave partial frames.
func WriteFrame(w io.Writer, v any) error {
	body, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	return WriteRawFrame(w, body)
}

// WriteRawFrame writes pre-encoded CBOR bytes as one frame.
func WriteRawFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	buffer := make([]byte, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(buffer[:frameHeaderSize], uint32(len(body)))
	copy(buffer[frameHeaderSize:], body)
	if _, err := w.Write(buffer); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame and returns its undecoded body. io.EOF is
// returned unwrapped when the stream ends cleanly before a new frame,
// so callers can distinguish a client hanging up from a truncated
// message (io.ErrUnexpectedEOF).
func ReadFrame(r io.Reader, maxSize int) (RawMessage, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if maxSize > 0 && int64(length) > int64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, maxSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	return body, nil
}

// ReadFrameInto reads one frame and decodes it into v.
func ReadFrameInto(r io.Reader, maxSize int, v any) error {
	body, err := ReadFrame(r, maxSize)
	if err != nil {
		return err
	}
	if err := Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding frame: %w", err)
	}
	return nil
}
