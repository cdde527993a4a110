// Package metrics exposes Prometheus collectors for the freshness layer.
// Every method is safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "parcelsync"

// Metrics groups the collectors of one session.
type Metrics struct {
	FetchResults         *prometheus.CounterVec
	ProvenanceRecoveries *prometheus.CounterVec
	RecoveryRetries      *prometheus.CounterVec
	RetryCeilingReached  *prometheus.CounterVec
	ReconnectAttempts    prometheus.Counter
	ChannelState         prometheus.Gauge
	PushEvents           *prometheus.CounterVec
	MalformedEvents      prometheus.Counter
	Invalidations        *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		FetchResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_results_total",
			Help:      "Resolved fetches by resource family and freshness.",
		}, []string{"family", "freshness"}),
		ProvenanceRecoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provenance_recoveries_total",
			Help:      "Fallback to live transitions by resource family.",
		}, []string{"family"}),
		RecoveryRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_retries_total",
			Help:      "Scheduled staleness recovery retries by resource family.",
		}, []string{"family"}),
		RetryCeilingReached: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_ceiling_reached_total",
			Help:      "Recovery cycles that gave up at the retry ceiling.",
		}, []string{"family"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_reconnect_attempts_total",
			Help:      "Push channel connection attempts.",
		}),
		ChannelState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_state",
			Help:      "Push channel state: 0 disconnected, 1 connecting, 2 connected.",
		}),
		PushEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_total",
			Help:      "Push events received by type.",
		}, []string{"type"}),
		MalformedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_malformed_events_total",
			Help:      "Push payloads dropped as malformed.",
		}),
		Invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_invalidations_total",
			Help:      "Cache entries invalidated by resource family.",
		}, []string{"family"}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.FetchResults,
		m.ProvenanceRecoveries,
		m.RecoveryRetries,
		m.RetryCeilingReached,
		m.ReconnectAttempts,
		m.ChannelState,
		m.PushEvents,
		m.MalformedEvents,
		m.Invalidations,
	}
}

func (m *Metrics) ObserveFetch(family, freshness string) {
	if m == nil {
		return
	}
	m.FetchResults.WithLabelValues(family, freshness).Inc()
}

func (m *Metrics) ProvenanceRecovered(family string) {
	if m == nil {
		return
	}
	m.ProvenanceRecoveries.WithLabelValues(family).Inc()
}

func (m *Metrics) RecoveryRetry(family string) {
	if m == nil {
		return
	}
	m.RecoveryRetries.WithLabelValues(family).Inc()
}

func (m *Metrics) CeilingReached(family string) {
	if m == nil {
		return
	}
	m.RetryCeilingReached.WithLabelValues(family).Inc()
}

func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *Metrics) SetChannelState(state int) {
	if m == nil {
		return
	}
	m.ChannelState.Set(float64(state))
}

func (m *Metrics) PushEvent(eventType string) {
	if m == nil {
		return
	}
	m.PushEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) MalformedEvent() {
	if m == nil {
		return
	}
	m.MalformedEvents.Inc()
}

func (m *Metrics) Invalidated(family string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Invalidations.WithLabelValues(family).Add(float64(n))
}
