/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 *
 * Prometheus metrics for the key distribution core
 */

package kdc

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the KDC collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	rotations    *prometheus.CounterVec
	rotationErrs prometheus.Counter
	shares       *prometheus.CounterVec
	ensure       *prometheus.CounterVec
	requests     *prometheus.CounterVec
	acks         prometheus.Counter
	pending      prometheus.Histogram
	pushes       *prometheus.CounterVec
	online       prometheus.Gauge
	sessions     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on a fresh registry
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatkdc",
			Name:      "key_rotations_total",
			Help:      "Master key version transitions, by kind (initialize or rotate).",
		}, []string{"kind"}),
		rotationErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatkdc",
			Name:      "key_rotation_conflicts_total",
			Help:      "Rotation attempts that lost a race for the next version.",
		}),
		shares: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatkdc",
			Name:      "key_shares_total",
			Help:      "Key shares recorded, by whether they were part of a rotation.",
		}, []string{"rotation"}),
		ensure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatkdc",
			Name:      "ensure_key_total",
			Help:      "Outcomes of ensuring a user holds the channel key.",
		}, []string{"outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatkdc",
			Name:      "key_requests_total",
			Help:      "Key distribution request transitions.",
		}, []string{"event"}),
		acks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatkdc",
			Name:      "kdm_acks_total",
			Help:      "KDM acknowledgements processed.",
		}),
		pending: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chatkdc",
			Name:      "kdm_pending_entries",
			Help:      "Entries returned per KDM catch-up query.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatkdc",
			Name:      "pushes_total",
			Help:      "Events pushed to client sessions.",
		}, []string{"event", "ok"}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatkdc",
			Name:      "online_users",
			Help:      "Users with at least one connected session.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatkdc",
			Name:      "connected_sessions",
			Help:      "Connected transport sessions.",
		}),
	}
	m.Registry.MustRegister(m.rotations, m.rotationErrs, m.shares, m.ensure, m.requests,
		m.acks, m.pending, m.pushes, m.online, m.sessions)
	return m
}

func (m *Metrics) rotation(kind string) {
	if m != nil {
		m.rotations.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) rotationConflict() {
	if m != nil {
		m.rotationErrs.Inc()
	}
}

func (m *Metrics) share(isRotation bool) {
	if m != nil {
		m.shares.WithLabelValues(strconv.FormatBool(isRotation)).Inc()
	}
}

func (m *Metrics) ensureOutcome(outcome EnsureOutcome) {
	if m != nil {
		m.ensure.WithLabelValues(string(outcome)).Inc()
	}
}

func (m *Metrics) request(event string) {
	if m != nil {
		m.requests.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) ack() {
	if m != nil {
		m.acks.Inc()
	}
}

func (m *Metrics) pendingServed(n int) {
	if m != nil {
		m.pending.Observe(float64(n))
	}
}

func (m *Metrics) push(event string, ok bool) {
	if m != nil {
		m.pushes.WithLabelValues(event, strconv.FormatBool(ok)).Inc()
	}
}

// SetPresence updates the online gauges; called by the presence layer
func (m *Metrics) SetPresence(users, sessions int) {
	if m != nil {
		m.online.Set(float64(users))
		m.sessions.Set(float64(sessions))
	}
}
