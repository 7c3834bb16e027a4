// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"time"

	"github.com/bureau-foundation/sensorrelay/lib/clock"
	"github.com/bureau-foundation/sensorrelay/lib/ingest"
	"github.com/bureau-foundation/sensorrelay/lib/livetag"
)

// statusResponse is the wire format for the "status" action.
type statusResponse struct {
	UptimeSeconds float64      `cbor:"uptime_seconds"`
	Ingest        ingest.Stats `cbor:"ingest"`
	StoredRows    int64        `cbor:"stored_rows"`
}

// tagsResponse is the wire format for the "tags" action. Snapshot is
// absent until the first reading is stored.
type tagsResponse struct {
	Snapshot *livetag.Snapshot `cbor:"snapshot,omitempty"`
	Versions uint64            `cbor:"versions"`
}

type ingestSource interface {
	Stats() ingest.Stats
}

type rowCounter interface {
	Count(ctx context.Context) (int64, error)
}

type tagSource interface {
	Current() (livetag.Snapshot, bool)
	Versions() uint64
}

type statusReporter struct {
	ingestor  ingestSource
	store     rowCounter
	tags      tagSource
	clock     clock.Clock
	startedAt time.Time
}

func (s *statusReporter) handleStatus(ctx context.Context, _ []byte) (any, error) {
	rows, err := s.store.Count(ctx)
	if err != nil {
		return nil, errors.New("counting stored rows failed")
	}
	return statusResponse{
		UptimeSeconds: s.clock.Now().Sub(s.startedAt).Seconds(),
		Ingest:        s.ingestor.Stats(),
		StoredRows:    rows,
	}, nil
}

func (s *statusReporter) handleTags(_ context.Context, _ []byte) (any, error) {
	response := tagsResponse{Versions: s.tags.Versions()}
	if snapshot, ok := s.tags.Current(); ok {
		response.Snapshot = &snapshot
	}
	return response, nil
}
