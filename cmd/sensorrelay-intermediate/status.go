// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"time"

	"github.com/bureau-foundation/sensorrelay/lib/clock"
	"github.com/bureau-foundation/sensorrelay/lib/relay"
	"github.com/bureau-foundation/sensorrelay/lib/retryqueue"
)

// statusResponse is the wire format for the "status" action.
type statusResponse struct {
	UptimeSeconds       float64          `cbor:"uptime_seconds"`
	OpenConnections     int64            `cbor:"open_connections"`
	AcceptedConnections uint64           `cbor:"accepted_connections"`
	Frames              relay.Stats      `cbor:"frames"`
	Queue               retryqueue.Stats `cbor:"queue"`
}

type frameSource interface {
	Stats() relay.Stats
}

type queueSource interface {
	Stats() retryqueue.Stats
}

type connectionSource interface {
	OpenConnections() int64
	AcceptedConnections() uint64
}

// statusReporter answers the status action from the live components.
type statusReporter struct {
	relay      frameSource
	dispatcher queueSource
	sensors    connectionSource
	clock      clock.Clock
	startedAt  time.Time
}

func (s *statusReporter) handleStatus(_ context.Context, _ []byte) (any, error) {
	return statusResponse{
		UptimeSeconds:       s.clock.Now().Sub(s.startedAt).Seconds(),
		OpenConnections:     s.sensors.OpenConnections(),
		AcceptedConnections: s.sensors.AcceptedConnections(),
		Frames:              s.relay.Stats(),
		Queue:               s.dispatcher.Stats(),
	}, nil
}
