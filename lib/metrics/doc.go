// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics defines the Prometheus collectors exported by the
// Intermediate and Final servers.
//
// Per-frame counters live in [Relay] and [Ingest] and are incremented
// by the connection handlers. State that already has an owner (queue
// depth, dispatcher counters, open connections) is exported through
// GaugeFunc/CounterFunc collectors that read the owner at scrape time,
// so there is exactly one source of truth.
//
// A nil *Relay or *Ingest is valid and records nothing; tests and
// tools that do not serve /metrics pass nil.
package metrics
