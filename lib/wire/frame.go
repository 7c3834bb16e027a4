// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxFrameSize bounds one newline-delimited frame. A peer that
	// sends more than this without a newline is cut off.
	MaxFrameSize = 1 << 20

	readChunkSize = 1024
)

// ErrFrameTooLarge is returned by FrameReader.Next when a frame
// exceeds MaxFrameSize. It is terminal for the stream.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// FrameReader splits a byte stream into newline-terminated frames.
// Frames may arrive split across reads or several per read; the
// reader buffers until a newline completes each one. Bytes after the
// last newline when the stream ends are not a frame: they are dropped
// and counted by Residual.
type FrameReader struct {
	scanner  *bufio.Scanner
	residual int
	err      error
}

// NewFrameReader reads frames from r.
func NewFrameReader(r io.Reader) *FrameReader {
	f := &FrameReader{scanner: bufio.NewScanner(r)}
	f.scanner.Buffer(make([]byte, readChunkSize), MaxFrameSize+1)
	f.scanner.Split(f.splitTerminated)
	return f
}

// Next returns the next frame without its trailing newline (or "\r\n").
// The returned slice is valid until the following call. At end of
// stream Next returns io.EOF; a read error is returned as-is.
func (f *FrameReader) Next() ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.scanner.Scan() {
		return f.scanner.Bytes(), nil
	}
	switch err := f.scanner.Err(); {
	case err == nil:
		f.err = io.EOF
	case errors.Is(err, bufio.ErrTooLong):
		f.err = fmt.Errorf("%w (%d bytes)", ErrFrameTooLarge, MaxFrameSize)
	default:
		f.err = err
	}
	return nil, f.err
}

// Residual returns the number of bytes that were left without a
// terminating newline when the stream ended.
func (f *FrameReader) Residual() int { return f.residual }

// splitTerminated is bufio.ScanLines without the final unterminated
// token.
func (f *FrameReader) splitTerminated(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		if i > MaxFrameSize {
			return 0, nil, bufio.ErrTooLong
		}
		return i + 1, bytes.TrimSuffix(data[:i], []byte{'\r'}), nil
	}
	if atEOF {
		f.residual = len(data)
		return 0, nil, nil
	}
	if len(data) > MaxFrameSize {
		return 0, nil, bufio.ErrTooLong
	}
	return 0, nil, nil
}
