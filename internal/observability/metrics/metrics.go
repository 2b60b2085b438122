package metrics

import "github.com/prometheus/client_golang/prometheus"

// CallMetrics exposes counters/histograms for call orchestration flows.
type CallMetrics struct {
	webhookTotal      *prometheus.CounterVec
	callsCompleted    *prometheus.CounterVec
	turnsTotal        prometheus.Counter
	synthesisFailures *prometheus.CounterVec
	webhookLatency    *prometheus.HistogramVec
}

func NewCallMetrics(reg prometheus.Registerer) *CallMetrics {
	m := &CallMetrics{
		webhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicereach",
			Subsystem: "calls",
			Name:      "webhook_events_total",
			Help:      "Total call control webhook events received",
		}, []string{"event_type"}),
		callsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicereach",
			Subsystem: "calls",
			Name:      "completed_total",
			Help:      "Total completed calls by final answered_by verdict",
		}, []string{"answered_by"}),
		turnsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "voicereach",
			Subsystem: "conversation",
			Name:      "turns_total",
			Help:      "Total conversation turns fired",
		}),
		synthesisFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicereach",
			Subsystem: "synthesis",
			Name:      "failures_total",
			Help:      "Total synthesis pipeline failures by stage",
		}, []string{"stage"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "voicereach",
			Subsystem: "calls",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of webhook event processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.webhookTotal, m.callsCompleted, m.turnsTotal, m.synthesisFailures, m.webhookLatency)
	return m
}

func (m *CallMetrics) ObserveWebhook(eventType string) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(eventType).Inc()
}

func (m *CallMetrics) ObserveCompleted(answeredBy string) {
	if m == nil {
		return
	}
	if answeredBy == "" {
		answeredBy = "unset"
	}
	m.callsCompleted.WithLabelValues(answeredBy).Inc()
}

func (m *CallMetrics) ObserveTurn() {
	if m == nil {
		return
	}
	m.turnsTotal.Inc()
}

func (m *CallMetrics) ObserveSynthesisFailure(stage string) {
	if m == nil {
		return
	}
	m.synthesisFailures.WithLabelValues(stage).Inc()
}

func (m *CallMetrics) ObserveWebhookLatency(eventType string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(eventType).Observe(seconds)
}
