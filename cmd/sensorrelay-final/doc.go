// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Sensorrelay-final is the ingesting end of the sensor pipeline.
//
// Intermediate relays connect over TCP and send newline-delimited JSON
// envelopes. Each envelope's signature is checked against the relay
// identity's public key over the canonical re-serialization of its
// reading, and verified readings are stored in SQLite. The
// (sensor_id, timestamp) uniqueness constraint turns the relay's
// retried deliveries into no-ops.
//
// Data flow:
//
//	relay envelope → verify → measurements table → query API / live tags
//
// Operator surfaces:
//   - GET /api/mediciones, /api/mediciones/latest, /healthz, /metrics
//     on --api-address
//   - "status" and "tags" actions on the CBOR status socket
package main
