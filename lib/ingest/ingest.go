// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ingest is the Final Server's connection handler.
//
// A relay connection carries any number of newline-terminated
// envelopes. Each one is decoded, its signature checked against the
// relay identity's public key over the canonical re-serialization of
// "datos", and the reading stored. A bad envelope is logged and
// dropped; the connection stays open for the next line. The stream
// only ends on EOF, a read error, or a line longer than
// wire.MaxFrameSize.
package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/bureau-foundation/sensorrelay/lib/measurementstore"
	"github.com/bureau-foundation/sensorrelay/lib/metrics"
	"github.com/bureau-foundation/sensorrelay/lib/netutil"
	"github.com/bureau-foundation/sensorrelay/lib/signature"
	"github.com/bureau-foundation/sensorrelay/lib/wire"
)

// Verifier checks the relay signature. *signature.Verifier implements
// it.
type Verifier interface {
	Verify(payload, sig []byte, keyID string) error
}

// Store persists readings. *measurementstore.Store implements it.
type Store interface {
	Insert(ctx context.Context, reading wire.Reading) (measurementstore.InsertOutcome, error)
}

// Config configures an Ingestor.
type Config struct {
	Verifier Verifier
	Store    Store

	// RelayKeyID names the public key envelopes are checked against.
	// Defaults to signature.IntermediateIdentity.
	RelayKeyID string

	// Metrics may be nil.
	Metrics *metrics.Ingest
}

// Ingestor verifies forwarded envelopes and stores their readings.
type Ingestor struct {
	config Config

	connected  atomic.Int64
	received   atomic.Uint64
	inserted   atomic.Uint64
	duplicates atomic.Uint64
	rejected   atomic.Uint64
}

// Stats is the Final Server's ingest counters.
type Stats struct {
	ConnectedRelays   int64  `cbor:"connected_relays"`
	EnvelopesReceived uint64 `cbor:"envelopes_received"`
	Inserted          uint64 `cbor:"inserted"`
	Duplicates        uint64 `cbor:"duplicates"`
	Rejected          uint64 `cbor:"rejected"`
}

// New creates an Ingestor. Verifier and Store are required.
func New(config Config) *Ingestor {
	if config.Verifier == nil || config.Store == nil {
		panic("ingest: Verifier and Store are required")
	}
	if config.RelayKeyID == "" {
		config.RelayKeyID = signature.IntermediateIdentity
	}
	return &Ingestor{config: config}
}

// Stats returns the ingest counters.
func (i *Ingestor) Stats() Stats {
	return Stats{
		ConnectedRelays:   i.connected.Load(),
		EnvelopesReceived: i.received.Load(),
		Inserted:          i.inserted.Load(),
		Duplicates:        i.duplicates.Load(),
		Rejected:          i.rejected.Load(),
	}
}

// HandleConn reads envelopes from conn until the relay closes it. It
// has the shape of service.ConnHandler.
func (i *Ingestor) HandleConn(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	i.connected.Add(1)
	defer i.connected.Add(-1)
	logger.Debug("relay connected")

	reader := wire.NewFrameReader(conn)
	for {
		line, err := reader.Next()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				if residual := reader.Residual(); residual > 0 {
					logger.Warn("relay closed mid-envelope, partial line discarded", "bytes", residual)
				}
				logger.Debug("relay disconnected")
			case errors.Is(err, wire.ErrFrameTooLarge):
				i.reject(logger, metrics.ReasonFrameTooLarge, err)
			case ctx.Err() != nil:
			case netutil.IsExpectedCloseError(err):
				logger.Debug("relay connection closed", "error", err)
			default:
				logger.Warn("relay connection read failed", "error", err)
			}
			return
		}
		if len(line) == 0 {
			continue
		}
		i.Process(ctx, line, logger)
	}
}

// Process handles one envelope line (without its newline) and returns
// the store outcome, or the reason it was discarded.
func (i *Ingestor) Process(ctx context.Context, line []byte, logger *slog.Logger) (measurementstore.InsertOutcome, error) {
	i.received.Add(1)
	i.config.Metrics.EnvelopeReceived()

	packet, err := wire.DecodeForwardedPacket(line)
	if err != nil {
		i.reject(logger, metrics.ReasonMalformed, err)
		return 0, err
	}
	reading := packet.Reading
	logger = logger.With("sensor_id", reading.SensorID, "timestamp", reading.Timestamp.String())

	payload, err := packet.SignedPayload()
	if err != nil {
		i.reject(logger, metrics.ReasonMalformed, err)
		return 0, err
	}
	if err := i.config.Verifier.Verify(payload, packet.Signature, i.config.RelayKeyID); err != nil {
		i.reject(logger, metrics.ReasonInvalidSignature, err)
		return 0, err
	}

	outcome, err := i.config.Store.Insert(ctx, reading)
	if err != nil {
		i.rejected.Add(1)
		i.config.Metrics.Rejected(metrics.ReasonStore)
		logger.Error("storing reading failed", "error", err)
		return 0, err
	}
	switch outcome {
	case measurementstore.Inserted:
		i.inserted.Add(1)
		i.config.Metrics.Inserted()
		logger.Info("reading stored")
	case measurementstore.DuplicateIgnored:
		i.duplicates.Add(1)
		i.config.Metrics.Duplicate()
		logger.Info("duplicate reading ignored")
	}
	return outcome, nil
}

func (i *Ingestor) reject(logger *slog.Logger, reason string, err error) {
	i.rejected.Add(1)
	i.config.Metrics.Rejected(reason)
	logger.Warn("envelope rejected", "reason", reason, "error", err)
}
