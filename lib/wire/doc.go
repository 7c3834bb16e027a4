// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the two wire formats of the sensor relay.
//
// Sensor → Intermediate is a fixed 278-byte frame with no length
// prefix: a 22-byte little-endian [RawPacket] followed by a 256-byte
// RSA PKCS#1 v1.5 / SHA-256 signature over those 22 bytes.
//
//	offset 0  : int16   sensor id
//	offset 2  : uint64  timestamp (YYYYMMDDHHMMSS as a decimal number)
//	offset 10 : float32 temperature (°C)
//	offset 14 : float32 pressure (hPa)
//	offset 18 : float32 humidity (%)
//	offset 22 : 256-byte signature
//
// Intermediate → Final is newline-delimited JSON:
//
//	{"datos":{"id":7,"timestamp":"2024-01-01 12:00:00","temperatura":22.5,"presion":1010,"humedad":45},"firma":"<base64>"}\n
//
// The relay signs the canonical encoding of "datos" ([CanonicalJSON]):
// fixed key order, no whitespace. The Final Server reproduces exactly
// those bytes from the decoded reading to verify the signature, so the
// key order here is part of the protocol.
//
// A wire timestamp that is not a valid 14-digit date does not fail
// decoding. It becomes [InvalidTimestamp], rendered as "0".
package wire
