// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

func readAllFrames(t *testing.T, reader *FrameReader) ([]string, error) {
	t.Helper()
	var frames []string
	for {
		frame, err := reader.Next()
		if err != nil {
			return frames, err
		}
		frames = append(frames, string(frame))
	}
}

func TestFrameReaderPipelined(t *testing.T) {
	reader := NewFrameReader(strings.NewReader("a\nbb\n\nccc\r\n"))
	frames, err := readAllFrames(t, reader)
	if err != io.EOF {
		t.Fatalf("terminal error = %v, want io.EOF", err)
	}
	want := []string{"a", "bb", "", "ccc"}
	if strings.Join(frames, "|") != strings.Join(want, "|") {
		t.Errorf("frames = %q, want %q", frames, want)
	}
	if reader.Residual() != 0 {
		t.Errorf("Residual = %d, want 0", reader.Residual())
	}
}

func TestFrameReaderSplitAcrossReads(t *testing.T) {
	// OneByteReader forces every frame to be reassembled from
	// single-byte reads.
	input := `{"datos":{"id":1},"firma":"x"}` + "\n" + `{"datos":{"id":2},"firma":"y"}` + "\n"
	reader := NewFrameReader(iotest.OneByteReader(strings.NewReader(input)))
	frames, err := readAllFrames(t, reader)
	if err != io.EOF {
		t.Fatalf("terminal error = %v, want io.EOF", err)
	}
	if len(frames) != 2 || !strings.Contains(frames[1], `"id":2`) {
		t.Errorf("frames = %q, want both envelopes", frames)
	}
}

func TestFrameReaderDropsUnterminatedTail(t *testing.T) {
	reader := NewFrameReader(strings.NewReader("complete\npartial"))
	frames, err := readAllFrames(t, reader)
	if err != io.EOF {
		t.Fatalf("terminal error = %v, want io.EOF", err)
	}
	if len(frames) != 1 || frames[0] != "complete" {
		t.Errorf("frames = %q, want [complete]", frames)
	}
	if reader.Residual() != len("partial") {
		t.Errorf("Residual = %d, want %d", reader.Residual(), len("partial"))
	}
}

func TestFrameReaderTooLarge(t *testing.T) {
	input := "ok\n" + strings.Repeat("x", MaxFrameSize+10) + "\nafter\n"
	reader := NewFrameReader(strings.NewReader(input))
	frames, err := readAllFrames(t, reader)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("terminal error = %v, want ErrFrameTooLarge", err)
	}
	if len(frames) != 1 || frames[0] != "ok" {
		t.Errorf("frames before overflow = %q, want [ok]", frames)
	}
	if _, err := reader.Next(); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Next after overflow = %v, want sticky ErrFrameTooLarge", err)
	}
}

func TestFrameReaderReadError(t *testing.T) {
	failure := errors.New("connection reset")
	reader := NewFrameReader(io.MultiReader(
		bytes.NewReader([]byte("first\n")),
		iotest.ErrReader(failure),
	))
	frames, err := readAllFrames(t, reader)
	if !errors.Is(err, failure) {
		t.Fatalf("terminal error = %v, want %v", err, failure)
	}
	if len(frames) != 1 {
		t.Errorf("frames = %q, want the frame before the error", frames)
	}
}
