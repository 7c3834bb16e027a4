// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package retryqueue holds forwarded packets the Intermediate Server
// has not yet delivered to the Final Server, and drains them with a
// single dispatcher goroutine.
//
// [Queue] is an unbounded in-memory FIFO. Connection handlers push to
// the back; the [Dispatcher] pops from the front and, when delivery
// fails, puts the entry back at the front. An entry that failed is
// therefore retried before anything enqueued after it.
//
// Delivery is at-least-once. A write that reached the Final Server but
// whose connection failed afterwards is retried and arrives twice; the
// store's uniqueness constraint absorbs the duplicate. The queue is
// not persisted: entries still queued when the process exits are lost.
package retryqueue
