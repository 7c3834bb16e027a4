// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Sensorrelay-intermediate is the relay between the sensor fleet and
// the Final Server.
//
// Sensors connect over TCP and each sends one 278-byte frame: a
// 22-byte reading and its RSA signature. The relay verifies the
// signature with the public key of the sensor id the reading claims,
// re-signs the reading's canonical JSON with its own key, and queues
// the envelope for delivery. A single dispatcher goroutine delivers
// queued envelopes to the Final Server, one TCP connection per
// envelope, retrying failed deliveries after a fixed backoff.
//
// Data flow:
//
//	sensor frame → verify → re-sign → retry queue → dispatcher → Final Server
//
// Operator surfaces:
//   - "status" action on the CBOR status socket: uptime, frame
//     outcomes, queue depth, delivery counters
//   - /metrics on --metrics-address (Prometheus)
//
// The retry queue lives in memory. Entries still queued when the
// process stops get one delivery attempt during shutdown and are then
// lost.
package main
