package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	pushEvents        *prometheus.CounterVec
	reconnects        prometheus.Counter
	connected         prometheus.Gauge
	anomalies         *prometheus.CounterVec
	retired           *prometheus.CounterVec
	sendFailures      prometheus.Counter
	cacheInvalidation *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered, which is what tests usually want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pushEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_push_events_total",
				Help: "Push events received over the realtime connection.",
			},
			[]string{"kind"},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatsync_reconnect_attempts_total",
				Help: "Reconnection attempts after an unexpected disconnect.",
			},
		),
		connected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatsync_connected",
				Help: "1 while the realtime connection is up.",
			},
		),
		anomalies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_reconciliation_anomalies_total",
				Help: "Inconsistencies absorbed by the reconciler.",
			},
			[]string{"kind"},
		),
		retired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_optimistic_retired_total",
				Help: "Optimistic entries replaced by canonical messages.",
			},
			[]string{"via"},
		),
		sendFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatsync_send_failures_total",
				Help: "Durable writes that failed.",
			},
		),
		cacheInvalidation: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_cache_invalidations_total",
				Help: "REST cache prefixes cleared by push events.",
			},
			[]string{"kind"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.pushEvents,
			m.reconnects,
			m.connected,
			m.anomalies,
			m.retired,
			m.sendFailures,
			m.cacheInvalidation,
		)
	}
	return m
}

func (m *Metrics) incPushEvent(kind EventKind) {
	if m == nil {
		return
	}
	label := string(kind)
	if kind.IsDomain() {
		label = pushEventDomainLabel
	}
	m.pushEvents.WithLabelValues(label).Inc()
}

// pushEventDomainLabel is shared by every domain kind.
const pushEventDomainLabel = "domain"

func (m *Metrics) incReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) setConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

func (m *Metrics) incAnomaly(kind AnomalyKind) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) incRetired(via string) {
	if m == nil {
		return
	}
	m.retired.WithLabelValues(via).Inc()
}

func (m *Metrics) incSendFailure() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}

func (m *Metrics) incInvalidation(kind string) {
	if m == nil {
		return
	}
	m.cacheInvalidation.WithLabelValues(kind).Inc()
}
