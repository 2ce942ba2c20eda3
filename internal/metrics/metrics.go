// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package metrics provides the Prometheus collectors of the server.
//
// All methods are safe to call on a nil *Metrics, in which case nothing is
// recorded.
package metrics // import "mellium.im/xmppd/internal/metrics"

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "xmppd"

// Metrics holds the collectors of one server.
type Metrics struct {
	ActiveStreams    *prometheus.GaugeVec
	StreamsTotal     *prometheus.CounterVec
	StreamDuration   *prometheus.HistogramVec
	StreamErrors     *prometheus.CounterVec
	StanzasTotal     *prometheus.CounterVec
	StanzaErrors     *prometheus.CounterVec
	TLSHandshakes    *prometheus.CounterVec
	AuthFailures     *prometheus.CounterVec
	OfflineDelivered prometheus.Counter
}

// New registers the collectors with reg.
// If reg is nil the default registerer is used.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ActiveStreams: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_streams",
				Help:      "Number of open streams",
			},
			[]string{"role"},
		),
		StreamsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "streams_total",
				Help:      "Total number of streams",
			},
			[]string{"role", "status"},
		),
		StreamDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stream_duration_seconds",
				Help:      "Stream lifetime in seconds",
				Buckets:   []float64{1, 5, 30, 60, 300, 900, 3600, 4 * 3600, 24 * 3600},
			},
			[]string{"role"},
		),
		StreamErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_errors_total",
				Help:      "Total number of stream errors sent",
			},
			[]string{"condition"},
		),
		StanzasTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stanzas_total",
				Help:      "Total number of stanzas routed",
			},
			[]string{"kind"},
		),
		StanzaErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stanza_errors_total",
				Help:      "Total number of stanza errors returned",
			},
			[]string{"condition"},
		),
		TLSHandshakes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tls_handshakes_total",
				Help:      "Total number of TLS upgrades",
			},
			[]string{"status"},
		),
		AuthFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Total number of failed SASL exchanges",
			},
			[]string{"role"},
		),
		OfflineDelivered: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "offline_delivered_total",
				Help:      "Total number of stored messages delivered on login",
			},
		),
	}
}

// ObserveStream tracks the lifetime of a stream with the given role.
func (m *Metrics) ObserveStream(role string, f func() error) error {
	if m == nil {
		return f()
	}
	m.ActiveStreams.WithLabelValues(role).Inc()
	defer m.ActiveStreams.WithLabelValues(role).Dec()

	start := time.Now()
	defer func() {
		m.StreamDuration.WithLabelValues(role).Observe(time.Since(start).Seconds())
	}()

	err := f()
	status := "closed"
	if err != nil {
		status = "error"
	}
	m.StreamsTotal.WithLabelValues(role, status).Inc()
	return err
}

// Stanza counts a routed stanza of the given kind.
func (m *Metrics) Stanza(kind string) {
	if m == nil {
		return
	}
	m.StanzasTotal.WithLabelValues(kind).Inc()
}

// StanzaError counts a stanza error with the given condition.
func (m *Metrics) StanzaError(condition string) {
	if m == nil {
		return
	}
	m.StanzaErrors.WithLabelValues(condition).Inc()
}

// StreamError counts a stream error with the given condition.
func (m *Metrics) StreamError(condition string) {
	if m == nil {
		return
	}
	m.StreamErrors.WithLabelValues(condition).Inc()
}

// Handshake counts a TLS upgrade.
func (m *Metrics) Handshake(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.TLSHandshakes.WithLabelValues(status).Inc()
}

// AuthFailure counts a failed authentication on a stream with the given role.
func (m *Metrics) AuthFailure(role string) {
	if m == nil {
		return
	}
	m.AuthFailures.WithLabelValues(role).Inc()
}

// Delivered counts stored messages delivered to a client.
func (m *Metrics) Delivered(n int) {
	if m == nil {
		return
	}
	m.OfflineDelivered.Add(float64(n))
}
