// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the process scaffolding shared by the
// Intermediate and Final servers:
//
//   - [ConnServer]: a TCP accept loop that hands each connection to its
//     own goroutine, tags it with a conn_id for logging, closes it when
//     the server's context ends, and optionally rate-limits accepts.
//   - [SocketServer]: a CBOR request-response server on a Unix socket,
//     used for the operator "status" and "tags" actions.
//   - [ServiceClient]: the matching client.
//   - [HTTPServer]: listener lifecycle and graceful shutdown around an
//     http.Handler (query API, metrics, health), with a request_id
//     access log and panic recovery.
//   - [NewLogger]: the JSON slog logger every binary installs.
//
// All servers follow one lifecycle: Serve(ctx) binds, serves until ctx
// is cancelled, then waits for in-flight work before returning.
// Binaries compose these in their own run() function.
package service
