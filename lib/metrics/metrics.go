// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bureau-foundation/sensorrelay/lib/retryqueue"
)

const namespace = "sensorrelay"

// Rejection reasons, used as the "reason" label.
const (
	ReasonIncomplete       = "incomplete"
	ReasonMalformed        = "malformed"
	ReasonNonFinite        = "non_finite"
	ReasonInvalidSignature = "invalid_signature"
	ReasonSigning          = "signing"
	ReasonFrameTooLarge    = "frame_too_large"
	ReasonStore            = "store"
)

var verifyBuckets = []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01}

// Relay holds the Intermediate Server's per-frame collectors.
type Relay struct {
	framesAccepted prometheus.Counter
	framesRejected *prometheus.CounterVec
	verifyDuration prometheus.Histogram
}

// NewRelay creates and registers the relay collectors.
func NewRelay(registerer prometheus.Registerer) (*Relay, error) {
	m := &Relay{
		framesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_accepted_total",
			Help:      "Sensor frames verified, re-signed, and enqueued for forwarding",
		}),
		framesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_rejected_total",
			Help:      "Sensor frames discarded, by reason",
		}, []string{"reason"}),
		verifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "verify_duration_seconds",
			Help:      "Sensor signature verification time",
			Buckets:   verifyBuckets,
		}),
	}
	if err := registerAll(registerer, m.framesAccepted, m.framesRejected, m.verifyDuration); err != nil {
		return nil, err
	}
	return m, nil
}

// FrameAccepted counts one enqueued frame.
func (m *Relay) FrameAccepted() {
	if m == nil {
		return
	}
	m.framesAccepted.Inc()
}

// FrameRejected counts one discarded frame.
func (m *Relay) FrameRejected(reason string) {
	if m == nil {
		return
	}
	m.framesRejected.WithLabelValues(reason).Inc()
}

// ObserveVerify records one verification's duration.
func (m *Relay) ObserveVerify(duration time.Duration) {
	if m == nil {
		return
	}
	m.verifyDuration.Observe(duration.Seconds())
}

// Ingest holds the Final Server's per-envelope collectors.
type Ingest struct {
	envelopesReceived prometheus.Counter
	inserted          prometheus.Counter
	duplicates        prometheus.Counter
	rejected          *prometheus.CounterVec
}

// NewIngest creates and registers the ingest collectors.
func NewIngest(registerer prometheus.Registerer) (*Ingest, error) {
	m := &Ingest{
		envelopesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "envelopes_received_total",
			Help:      "Newline-delimited envelopes read from relay connections",
		}),
		inserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "inserted_total",
			Help:      "Readings stored",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "duplicates_total",
			Help:      "Readings ignored because (sensor_id, timestamp) was already stored",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "rejected_total",
			Help:      "Envelopes discarded, by reason",
		}, []string{"reason"}),
	}
	if err := registerAll(registerer, m.envelopesReceived, m.inserted, m.duplicates, m.rejected); err != nil {
		return nil, err
	}
	return m, nil
}

// EnvelopeReceived counts one envelope read.
func (m *Ingest) EnvelopeReceived() {
	if m == nil {
		return
	}
	m.envelopesReceived.Inc()
}

// Inserted counts one stored reading.
func (m *Ingest) Inserted() {
	if m == nil {
		return
	}
	m.inserted.Inc()
}

// Duplicate counts one ignored replay.
func (m *Ingest) Duplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

// Rejected counts one discarded envelope.
func (m *Ingest) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

// DispatcherSource is satisfied by *retryqueue.Dispatcher.
type DispatcherSource interface {
	Stats() retryqueue.Stats
}

// RegisterDispatcher exports queue depth and delivery counters read
// from source at scrape time.
func RegisterDispatcher(registerer prometheus.Registerer, source DispatcherSource) error {
	return registerAll(registerer,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "retryqueue",
			Name:      "depth",
			Help:      "Forwarded packets awaiting delivery",
		}, func() float64 { return float64(source.Stats().Depth) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retryqueue",
			Name:      "delivered_total",
			Help:      "Packets delivered to the Final Server",
		}, func() float64 { return float64(source.Stats().Delivered) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retryqueue",
			Name:      "retries_total",
			Help:      "Failed delivery attempts that were re-queued",
		}, func() float64 { return float64(source.Stats().Retries) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retryqueue",
			Name:      "dead_lettered_total",
			Help:      "Packets abandoned after the maximum number of attempts",
		}, func() float64 { return float64(source.Stats().DeadLettered) }),
	)
}

// RegisterOpenConnections exports a listener's open connection count.
func RegisterOpenConnections(registerer prometheus.Registerer, listener string, open func() int64) error {
	return registerAll(registerer, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "open_connections",
		Help:        "Connections currently being served",
		ConstLabels: prometheus.Labels{"listener": listener},
	}, func() float64 { return float64(open()) }))
}

// Handler serves the gatherer's metrics in the Prometheus exposition
// format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func registerAll(registerer prometheus.Registerer, collectors ...prometheus.Collector) error {
	var errs []error
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
