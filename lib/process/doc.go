// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides the binary entrypoint error handler shared
// by the relay binaries. It is the one place outside lib/version that
// writes to stderr directly, for errors raised before the structured
// logger exists.
package process
