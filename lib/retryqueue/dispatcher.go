// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package retryqueue

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/sensorrelay/lib/clock"
	"github.com/bureau-foundation/sensorrelay/lib/netutil"
)

// Defaults are the timings the sensor network was deployed with.
const (
	DefaultPollInterval = 1 * time.Second
	DefaultBackoff      = 5 * time.Second
	DefaultDrainTimeout = 5 * time.Second
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Queue     *Queue
	Deliverer Deliverer
	Clock     clock.Clock

	// PollInterval bounds how long the dispatcher idles on an empty
	// queue before checking again.
	PollInterval time.Duration

	// Backoff is the fixed pause after a failed delivery.
	Backoff time.Duration

	// MaxAttempts abandons an entry after that many failed attempts.
	// Zero retries forever.
	MaxAttempts int

	// DeadLetter receives entries abandoned under MaxAttempts, with
	// the last delivery error. Optional.
	DeadLetter func(entry *Entry, err error)

	// DrainTimeout bounds the best-effort delivery pass made after the
	// dispatcher's context is cancelled.
	DrainTimeout time.Duration

	Logger *slog.Logger
}

// Dispatcher is the queue's single consumer.
type Dispatcher struct {
	config DispatcherConfig
	logger *slog.Logger

	delivered    atomic.Uint64
	retries      atomic.Uint64
	deadLettered atomic.Uint64
}

// Stats is a point-in-time view of dispatcher activity.
type Stats struct {
	Depth        int    `cbor:"depth"`
	Delivered    uint64 `cbor:"delivered"`
	Retries      uint64 `cbor:"retries"`
	DeadLettered uint64 `cbor:"dead_lettered"`
}

// NewDispatcher fills zero durations with defaults.
func NewDispatcher(config DispatcherConfig) *Dispatcher {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.Backoff <= 0 {
		config.Backoff = DefaultBackoff
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = DefaultDrainTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{config: config, logger: logger}
}

// Stats returns current counters and queue depth.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Depth:        d.config.Queue.Len(),
		Delivered:    d.delivered.Load(),
		Retries:      d.retries.Load(),
		DeadLettered: d.deadLettered.Load(),
	}
}

// Run delivers entries until ctx is cancelled, then makes one drain
// pass and returns.
//
// The head entry is delivered; on success it is discarded, on failure
// it goes back to the front and the dispatcher sleeps Backoff before
// the next attempt. An empty queue is re-checked on every push and at
// least every PollInterval.
func (d *Dispatcher) Run(ctx context.Context) {
	queue := d.config.Queue
	poll := d.config.Clock.NewTicker(d.config.PollInterval)
	defer poll.Stop()

	for {
		if ctx.Err() != nil {
			d.drain()
			return
		}

		entry, ok := queue.TryPop()
		if !ok {
			select {
			case <-queue.Notify():
			case <-poll.C:
			case <-ctx.Done():
			}
			continue
		}

		err := d.config.Deliverer.Deliver(ctx, entry.Packet)
		if err == nil {
			d.delivered.Add(1)
			d.logger.Debug("packet delivered",
				"sensor_id", entry.SensorID,
				"timestamp", entry.Timestamp.String(),
				"attempts", entry.Attempts+1,
			)
			continue
		}

		if ctx.Err() != nil {
			// Shutdown interrupted the attempt; it does not count.
			queue.Requeue(entry)
			d.drain()
			return
		}

		entry.Attempts++
		if d.config.MaxAttempts > 0 && entry.Attempts >= d.config.MaxAttempts {
			d.deadLetter(entry, err)
		} else {
			queue.Requeue(entry)
			d.retries.Add(1)
			d.logger.Warn("delivery failed, will retry",
				"sensor_id", entry.SensorID,
				"timestamp", entry.Timestamp.String(),
				"attempts", entry.Attempts,
				"backoff", d.config.Backoff,
				"queue_depth", queue.Len(),
				"timeout", netutil.IsTimeout(err),
				"error", err,
			)
		}

		select {
		case <-d.config.Clock.After(d.config.Backoff):
		case <-ctx.Done():
		}
	}
}

func (d *Dispatcher) deadLetter(entry *Entry, err error) {
	d.deadLettered.Add(1)
	d.logger.Error("delivery abandoned",
		"sensor_id", entry.SensorID,
		"timestamp", entry.Timestamp.String(),
		"attempts", entry.Attempts,
		"error", err,
	)
	if d.config.DeadLetter != nil {
		d.config.DeadLetter(entry, err)
	}
}

// drain makes one best-effort pass over the queue with a short
// deadline. The first failure stops the pass; what remains is lost
// when the process exits.
func (d *Dispatcher) drain() {
	queue := d.config.Queue
	if queue.Len() == 0 {
		return
	}

	drainContext, cancel := context.WithTimeout(context.Background(), d.config.DrainTimeout)
	defer cancel()

	for {
		entry, ok := queue.TryPop()
		if !ok {
			return
		}
		if err := d.config.Deliverer.Deliver(drainContext, entry.Packet); err != nil {
			queue.Requeue(entry)
			d.logger.Warn("drain: delivery failed, abandoning remaining",
				"remaining", queue.Len(),
				"error", err,
			)
			return
		}
		d.delivered.Add(1)
	}
}
