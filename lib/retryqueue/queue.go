// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package retryqueue

import (
	"sync"
	"time"

	"github.com/bureau-foundation/sensorrelay/lib/wire"
)

// Entry is one forwarded packet awaiting delivery. Once enqueued the
// dispatcher owns it.
type Entry struct {
	// Packet is the newline-terminated envelope line, ready to write.
	Packet []byte

	// SensorID and Timestamp identify the reading for logs and the
	// dead-letter path.
	SensorID  int16
	Timestamp wire.Timestamp

	// Attempts counts failed delivery attempts so far.
	Attempts int

	EnqueuedAt time.Time
}

// Queue is an unbounded FIFO of entries with front re-insertion.
// Safe for many producers and one consumer.
type Queue struct {
	mu      sync.Mutex
	entries []*Entry
	notify  chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Enqueue appends entry at the back. It never fails or blocks.
func (q *Queue) Enqueue(entry *Entry) {
	q.mu.Lock()
	q.entries = append(q.entries, entry)
	q.mu.Unlock()
	q.signal()
}

// Requeue puts entry back at the front, ahead of everything enqueued
// after it was first popped.
func (q *Queue) Requeue(entry *Entry) {
	q.mu.Lock()
	q.entries = append(q.entries, nil)
	copy(q.entries[1:], q.entries)
	q.entries[0] = entry
	q.mu.Unlock()
	q.signal()
}

// TryPop removes and returns the head entry, or false if the queue is
// empty.
func (q *Queue) TryPop() (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil, false
	}
	entry := q.entries[0]
	q.entries[0] = nil // release for GC
	q.entries = q.entries[1:]
	return entry, true
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Notify returns a channel that receives after Enqueue or Requeue.
// Signals coalesce: one receive may stand for several pushes.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
