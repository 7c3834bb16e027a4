// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR configuration for the operator
// status sockets.
//
// The relay uses two serialization formats with a clear boundary:
//
//   - The data path (sensor frames, relay envelopes, the query API)
//     is fixed by the wire protocol: little-endian binary in, JSON
//     out. See lib/wire.
//   - Local operator surfaces (the "status" and "tags" actions on each
//     process's Unix socket) speak CBOR through this package.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2) so the
// same status snapshot always produces identical bytes.
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
package codec
