// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive], [RequireClosed], and [RequireEventually]
// encapsulate the timeout safety valve pattern so individual tests do
// not call time.After directly. They are the only place in the test
// suite where real wall-clock timeouts appear; everything else drives
// time through lib/clock's fake.
//
// [KeyFixture] writes RSA keys for sensors and the relay identity into
// a temp directory, and [SignedFrame] produces sensor frames signed
// with them.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
package testutil
