// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package signature verifies and produces the detached RSA signatures
// that authenticate readings at both hops of the relay.
//
// The algorithm is fixed: RSA with PKCS#1 v1.5 padding over a SHA-256
// digest. Sensors sign the 22-byte raw packet with their own key; the
// Intermediate Server verifies against the public key of the sensor id
// the packet claims, then re-signs the canonical JSON with its own
// identity key, which the Final Server verifies.
//
// Keys are static PEM files resolved by identifier through a
// [KeyStore]. The store loads each key on first use and caches it for
// the life of the process; [KeyStore.Invalidate] is the hook for key
// rotation.
//
// [Verifier.Verify] never panics and never returns anything other than
// nil or an error wrapping [ErrInvalidSignature]: a missing key file, a
// malformed signature, and a digest mismatch all look the same to the
// caller, who discards the frame either way.
package signature
