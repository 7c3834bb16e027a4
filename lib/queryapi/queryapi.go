// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package queryapi is the Final Server's read-only HTTP surface.
//
//	GET /api/mediciones            every stored row, most recent first
//	GET /api/mediciones?limit=N    the N most recent rows
//	GET /api/mediciones/latest     the most recent row, 404 when empty
//	GET /healthz                   liveness
//	GET /metrics                   Prometheus, when configured
//
// Every request reads the store directly; there is no cache. Responses
// are gzip-compressed for clients that accept it.
package queryapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/klauspost/compress/gzhttp"

	"github.com/bureau-foundation/sensorrelay/lib/measurementstore"
)

// Store is the read side of the measurement store.
// *measurementstore.Store implements it.
type Store interface {
	List(ctx context.Context, limit int) ([]measurementstore.Measurement, error)
	Latest(ctx context.Context) (measurementstore.Measurement, bool, error)
}

// Config configures the API handler.
type Config struct {
	Store Store

	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler

	Logger *slog.Logger
}

type api struct {
	store  Store
	logger *slog.Logger
}

// New returns the API's http.Handler. Store is required.
func New(config Config) http.Handler {
	if config.Store == nil {
		panic("queryapi: Store is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	a := &api{store: config.Store, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/mediciones", a.handleList)
	mux.HandleFunc("GET /api/mediciones/latest", a.handleLatest)
	mux.HandleFunc("GET /healthz", a.handleHealth)
	if config.Metrics != nil {
		mux.Handle("GET /metrics", config.Metrics)
	}
	return gzhttp.GzipHandler(mux)
}

func (a *api) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			a.sendError(w, http.StatusBadRequest, "limit must be a positive integer, got %q", raw)
			return
		}
		limit = parsed
	}

	rows, err := a.store.List(r.Context(), limit)
	if err != nil {
		a.logger.Error("listing measurements", "error", err)
		a.sendError(w, http.StatusInternalServerError, "listing measurements failed")
		return
	}
	if rows == nil {
		rows = []measurementstore.Measurement{}
	}
	a.writeJSON(w, rows)
}

func (a *api) handleLatest(w http.ResponseWriter, r *http.Request) {
	row, ok, err := a.store.Latest(r.Context())
	if err != nil {
		a.logger.Error("reading latest measurement", "error", err)
		a.sendError(w, http.StatusInternalServerError, "reading latest measurement failed")
		return
	}
	if !ok {
		a.sendError(w, http.StatusNotFound, "no measurements stored")
		return
	}
	a.writeJSON(w, row)
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *api) sendError(w http.ResponseWriter, status int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorResponse{Error: fmt.Sprintf(format, args...)}); err != nil {
		a.logger.Warn("writing JSON error response", "error", err, "status", status)
	}
}

// writeJSON encodes value into w. An encoding failure means the client
// went away; it is logged and nothing else can be done.
func (a *api) writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		a.logger.Warn("writing JSON response", "error", err)
	}
}
