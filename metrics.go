package chatcore

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the client-side counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	envelopes      *prometheus.CounterVec
	malformed      prometheus.Counter
	probes         *prometheus.CounterVec
	droppedSends   *prometheus.CounterVec
	evictions      prometheus.Counter
	historyFetches *prometheus.CounterVec
	alerts         *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them on reg. Pass nil to
// create unregistered counters.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcore",
			Name:      "envelopes_received_total",
			Help:      "Inbound envelopes dispatched to listeners, by type.",
		}, []string{"type"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatcore",
			Name:      "envelopes_malformed_total",
			Help:      "Inbound frames dropped because they could not be decoded.",
		}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcore",
			Name:      "probes_total",
			Help:      "Liveness probes, by direction.",
		}, []string{"direction"}),
		droppedSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcore",
			Name:      "sends_dropped_total",
			Help:      "Outbound envelopes dropped because the connection was not open, by type.",
		}, []string{"type"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatcore",
			Name:      "cache_evictions_total",
			Help:      "Conversations evicted from the message cache.",
		}),
		historyFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcore",
			Name:      "history_fetches_total",
			Help:      "History page fetches, by outcome.",
		}, []string{"outcome"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcore",
			Name:      "alerts_total",
			Help:      "Incoming message alerts, by decision.",
		}, []string{"decision"}),
	}
	if reg != nil {
		reg.MustRegister(m.envelopes, m.malformed, m.probes, m.droppedSends,
			m.evictions, m.historyFetches, m.alerts)
	}
	return m
}

func (m *Metrics) envelope(t EventType) {
	if m != nil {
		m.envelopes.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) malformedFrame() {
	if m != nil {
		m.malformed.Inc()
	}
}

func (m *Metrics) probe(direction string) {
	if m != nil {
		m.probes.WithLabelValues(direction).Inc()
	}
}

func (m *Metrics) droppedSend(t EventType) {
	if m != nil {
		m.droppedSends.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) eviction() {
	if m != nil {
		m.evictions.Inc()
	}
}

func (m *Metrics) historyFetch(outcome string) {
	if m != nil {
		m.historyFetches.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) alert(decision string) {
	if m != nil {
		m.alerts.WithLabelValues(decision).Inc()
	}
}
