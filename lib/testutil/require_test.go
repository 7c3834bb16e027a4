// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

// recordingTB captures Fatalf instead of aborting the test.
type recordingTB struct {
	failed  bool
	message string
}

func (r *recordingTB) Helper() {}

func (r *recordingTB) Fatalf(format string, args ...any) {
	r.failed = true
	r.message = fmt.Sprintf(format, args...)
}

func TestRequireReceiveReturnsValue(t *testing.T) {
	ch := make(chan int, 1)
	ch <- 42
	if got := RequireReceive(t, ch, time.Second, "value"); got != 42 {
		t.Errorf("got %d, want 42", got)
	}
}

func TestRequireEventuallySucceeds(t *testing.T) {
	var calls atomic.Int32
	RequireEventually(t, time.Second, func() bool {
		return calls.Add(1) >= 3
	}, "three polls")
	if calls.Load() < 3 {
		t.Errorf("condition polled %d times", calls.Load())
	}
}

func TestRequireEventuallyFails(t *testing.T) {
	recorder := &recordingTB{}
	RequireEventually(recorder, 30*time.Millisecond, func() bool { return false }, "never %s", "true")
	if !recorder.failed {
		t.Fatal("expected failure")
	}
	if recorder.message == "" {
		t.Error("failure message empty")
	}
}

func TestFormatMessage(t *testing.T) {
	tests := []struct {
		args []any
		want string
	}{
		{nil, "(no message)"},
		{[]any{"plain"}, "plain"},
		{[]any{"sensor %d", 7}, "sensor 7"},
		{[]any{12}, "12"},
	}
	for _, test := range tests {
		if got := formatMessage(test.args); got != test.want {
			t.Errorf("formatMessage(%v) = %q, want %q", test.args, got, test.want)
		}
	}
}
