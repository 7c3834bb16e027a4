// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package livetag mirrors the most recent stored reading onto a set of
// live variables that an industrial exposition (an OPC UA server, a
// dashboard tile) polls.
//
// [Mirror] polls the store and publishes to a [Sink]. [Registry] is
// the in-process Sink: a mutex-guarded snapshot owned by the Final
// Server and served through its "tags" status action. An exposition
// process implements Sink itself, or reads the Registry.
package livetag

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/sensorrelay/lib/clock"
	"github.com/bureau-foundation/sensorrelay/lib/measurementstore"
)

// Snapshot is the value of the live variables at one moment.
type Snapshot struct {
	MeasurementID int64     `cbor:"measurement_id"`
	SensorID      int16     `cbor:"sensor_id"`
	Timestamp     string    `cbor:"timestamp"`
	Temperature   float64   `cbor:"temperature"`
	Pressure      float64   `cbor:"pressure"`
	Humidity      float64   `cbor:"humidity"`
	UpdatedAt     time.Time `cbor:"updated_at"`
}

// Sink receives each new snapshot.
type Sink interface {
	Publish(snapshot Snapshot)
}

// Registry holds the current snapshot. The zero value is ready to use.
type Registry struct {
	mu       sync.RWMutex
	current  Snapshot
	set      bool
	versions uint64
}

// Publish implements Sink.
func (r *Registry) Publish(snapshot Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = snapshot
	r.set = true
	r.versions++
}

// Current returns the latest snapshot, or false before the first
// publish.
func (r *Registry) Current() (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current, r.set
}

// Versions returns how many snapshots have been published.
func (r *Registry) Versions() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.versions
}

// LatestSource is satisfied by *measurementstore.Store.
type LatestSource interface {
	Latest(ctx context.Context) (measurementstore.Measurement, bool, error)
}

// DefaultInterval is the polling period of the original exposition.
const DefaultInterval = 3 * time.Second

// MirrorConfig configures a Mirror.
type MirrorConfig struct {
	Source   LatestSource
	Sink     Sink
	Clock    clock.Clock
	Interval time.Duration
	Logger   *slog.Logger
}

// Mirror polls the store for its newest row and publishes it when it
// changes.
type Mirror struct {
	config MirrorConfig
	logger *slog.Logger
	lastID int64
}

// NewMirror fills a zero Interval with DefaultInterval.
func NewMirror(config MirrorConfig) *Mirror {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Mirror{config: config, logger: logger}
}

// Run polls once immediately and then every Interval until ctx is
// cancelled.
func (m *Mirror) Run(ctx context.Context) {
	ticker := m.config.Clock.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll reads the newest row and publishes it if it differs from the
// last one published. Reports whether it published.
func (m *Mirror) Poll(ctx context.Context) bool {
	latest, ok, err := m.config.Source.Latest(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("live tag poll failed", "error", err)
		}
		return false
	}
	if !ok || latest.ID == m.lastID {
		return false
	}

	m.lastID = latest.ID
	m.config.Sink.Publish(Snapshot{
		MeasurementID: latest.ID,
		SensorID:      latest.SensorID,
		Timestamp:     latest.Timestamp,
		Temperature:   latest.Temperature,
		Pressure:      latest.Pressure,
		Humidity:      latest.Humidity,
		UpdatedAt:     m.config.Clock.Now(),
	})
	m.logger.Debug("live tags updated",
		"sensor_id", latest.SensorID,
		"timestamp", latest.Timestamp,
	)
	return true
}
