// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay is the Intermediate Server's connection handler.
//
// Each sensor connection carries one fixed-size frame. The handler
// walks it through
//
//	AWAITING_FRAME -> DECODED -> VERIFIED -> ENQUEUED -> CLOSED
//
// or AWAITING_FRAME -> INCOMPLETE -> CLOSED when the peer closes
// before 278 bytes arrive. The sensor's signature is checked against
// the public key of the sensor id the packet claims. A forged id is
// caught only if that sensor's key rejects the signature.
//
// Nothing is ever written back to the sensor: success, corruption, and
// signature failure look identical from its side. Rejected frames are
// logged and counted, never retried.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/sensorrelay/lib/clock"
	"github.com/bureau-foundation/sensorrelay/lib/metrics"
	"github.com/bureau-foundation/sensorrelay/lib/netutil"
	"github.com/bureau-foundation/sensorrelay/lib/retryqueue"
	"github.com/bureau-foundation/sensorrelay/lib/signature"
	"github.com/bureau-foundation/sensorrelay/lib/wire"
)

// ErrIncompleteFrame is returned when a sensor closes its connection
// before sending a full frame.
var ErrIncompleteFrame = errors.New("relay: incomplete frame")

// Connection states, logged at Debug.
const (
	stateAwaitingFrame = "awaiting_frame"
	stateIncomplete    = "incomplete"
	stateDecoded       = "decoded"
	stateVerified      = "verified"
	stateEnqueued      = "enqueued"
	stateClosed        = "closed"
)

// Verifier checks a sensor signature. *signature.Verifier implements
// it.
type Verifier interface {
	Verify(payload, sig []byte, keyID string) error
}

// Signer signs with the relay identity. *signature.Signer implements
// it.
type Signer interface {
	Sign(payload []byte, keyID string) ([]byte, error)
}

// Config configures a Relay.
type Config struct {
	Verifier Verifier
	Signer   Signer
	Queue    *retryqueue.Queue
	Clock    clock.Clock

	// ReadTimeout bounds how long a sensor may take to deliver its
	// frame. Zero waits indefinitely.
	ReadTimeout time.Duration

	// Metrics may be nil.
	Metrics *metrics.Relay
}

// Relay verifies sensor frames and enqueues re-signed readings.
type Relay struct {
	config Config

	accepted         atomic.Uint64
	incomplete       atomic.Uint64
	malformed        atomic.Uint64
	nonFinite        atomic.Uint64
	invalidSignature atomic.Uint64
	signingFailed    atomic.Uint64
}

// Stats counts frames by outcome.
type Stats struct {
	Accepted         uint64 `cbor:"accepted"`
	Incomplete       uint64 `cbor:"incomplete"`
	Malformed        uint64 `cbor:"malformed"`
	NonFinite        uint64 `cbor:"non_finite"`
	InvalidSignature uint64 `cbor:"invalid_signature"`
	SigningFailed    uint64 `cbor:"signing_failed"`
}

// New creates a Relay. Verifier, Signer, and Queue are required.
func New(config Config) *Relay {
	if config.Verifier == nil || config.Signer == nil || config.Queue == nil {
		panic("relay: Verifier, Signer, and Queue are required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	return &Relay{config: config}
}

// Stats returns the outcome counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Accepted:         r.accepted.Load(),
		Incomplete:       r.incomplete.Load(),
		Malformed:        r.malformed.Load(),
		NonFinite:        r.nonFinite.Load(),
		InvalidSignature: r.invalidSignature.Load(),
		SigningFailed:    r.signingFailed.Load(),
	}
}

// HandleConn reads one frame from conn and processes it. It has the
// shape of service.ConnHandler; the server closes conn afterwards.
func (r *Relay) HandleConn(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	logger.Debug("sensor connection", "state", stateAwaitingFrame)
	defer logger.Debug("sensor connection", "state", stateClosed)

	// Socket deadlines are kernel time; the injected clock does not
	// apply to them.
	if r.config.ReadTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(r.config.ReadTimeout)); err != nil { //nolint:realclock kernel deadline
			logger.Warn("cannot set sensor read deadline", "read_timeout", r.config.ReadTimeout, "error", err)
		}
	}

	frame := make([]byte, wire.FrameSize)
	received, err := io.ReadFull(conn, frame)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if netutil.IsTimeout(err) {
			logger = logger.With("read_timeout", r.config.ReadTimeout)
		}
		r.reject(logger, fmt.Errorf("%w: %d of %d bytes: %v", ErrIncompleteFrame, received, wire.FrameSize, err))
		logger.Debug("sensor connection", "state", stateIncomplete)
		return
	}

	if err := r.Process(frame, logger); err != nil {
		r.reject(logger, err)
	}
}

// Process handles one complete frame: decode, verify the sensor's
// signature, re-sign the canonical JSON, and enqueue. It returns the
// reason the frame was discarded, or nil once it is enqueued.
func (r *Relay) Process(frame []byte, logger *slog.Logger) error {
	payload, sensorSignature, err := wire.SplitFrame(frame)
	if err != nil {
		return err
	}
	packet, err := wire.ParseRawPacket(payload)
	if err != nil {
		return err
	}
	reading := packet.Reading()
	logger = logger.With("sensor_id", reading.SensorID, "timestamp", reading.Timestamp.String())
	logger.Debug("sensor connection", "state", stateDecoded)
	if !reading.Timestamp.Valid() {
		logger.Warn("sensor timestamp is not a valid date, forwarding with sentinel",
			"raw_timestamp", packet.Timestamp,
		)
	}

	started := r.config.Clock.Now()
	err = r.config.Verifier.Verify(payload, sensorSignature, signature.SensorKeyID(reading.SensorID))
	r.config.Metrics.ObserveVerify(r.config.Clock.Now().Sub(started))
	if err != nil {
		return err
	}
	logger.Debug("sensor connection", "state", stateVerified)

	canonical, err := wire.CanonicalJSON(reading)
	if err != nil {
		return err
	}
	relaySignature, err := r.config.Signer.Sign(canonical, signature.IntermediateIdentity)
	if err != nil {
		return err
	}
	line, err := wire.EncodeForwardedPacket(reading, relaySignature)
	if err != nil {
		return err
	}

	r.config.Queue.Enqueue(&retryqueue.Entry{
		Packet:     line,
		SensorID:   reading.SensorID,
		Timestamp:  reading.Timestamp,
		EnqueuedAt: r.config.Clock.Now(),
	})
	r.accepted.Add(1)
	r.config.Metrics.FrameAccepted()
	logger.Debug("sensor connection", "state", stateEnqueued, "queue_depth", r.config.Queue.Len())
	return nil
}

// reject logs and counts a discarded frame.
func (r *Relay) reject(logger *slog.Logger, err error) {
	var reason string
	switch {
	case errors.Is(err, ErrIncompleteFrame):
		reason = metrics.ReasonIncomplete
		r.incomplete.Add(1)
	case errors.Is(err, wire.ErrNonFiniteReading):
		reason = metrics.ReasonNonFinite
		r.nonFinite.Add(1)
	case errors.Is(err, signature.ErrInvalidSignature):
		reason = metrics.ReasonInvalidSignature
		r.invalidSignature.Add(1)
	case errors.Is(err, signature.ErrSigning):
		reason = metrics.ReasonSigning
		r.signingFailed.Add(1)
	default:
		reason = metrics.ReasonMalformed
		r.malformed.Add(1)
	}
	r.config.Metrics.FrameRejected(reason)

	if reason == metrics.ReasonSigning {
		logger.Error("cannot sign forwarded packet, frame discarded", "error", err)
		return
	}
	logger.Warn("sensor frame rejected", "reason", reason, "error", err)
}
