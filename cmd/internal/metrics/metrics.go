// Package metrics defines the Prometheus collectors exported on /metrics.
//
// A nil *Metrics is valid and records nothing, so services and tests can skip wiring it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups tandem's collectors.
type Metrics struct {
	likes          *prometheus.CounterVec
	matches        *prometheus.CounterVec
	messages       *prometheus.CounterVec
	messagesRead   prometheus.Counter
	subscriptions  *prometheus.GaugeVec
	storeErrors    *prometheus.CounterVec
	wsConnections  prometheus.Gauge
	httpDurationMS *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		likes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tandem",
			Name:      "likes_submitted_total",
			Help:      "Like submissions by outcome (created or existing).",
		}, []string{"outcome"}),
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tandem",
			Name:      "match_resolutions_total",
			Help:      "Match resolver outcomes: created, existing, pending.",
		}, []string{"outcome"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tandem",
			Name:      "messages_appended_total",
			Help:      "Message appends by outcome (stored or duplicated).",
		}, []string{"outcome"}),
		messagesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tandem",
			Name:      "messages_marked_read_total",
			Help:      "Messages flipped from unread to read.",
		}),
		subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tandem",
			Name:      "notifier_subscriptions",
			Help:      "Live notifier subscriptions by topic kind.",
		}, []string{"kind"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tandem",
			Name:      "store_errors_total",
			Help:      "Store failures by operation and transient flag.",
		}, []string{"op", "transient"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tandem",
			Name:      "ws_connections",
			Help:      "Open WebSocket sessions.",
		}),
		httpDurationMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tandem",
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}, []string{"method", "route", "status_class"}),
	}

	for _, c := range []prometheus.Collector{
		m.likes, m.matches, m.messages, m.messagesRead,
		m.subscriptions, m.storeErrors, m.wsConnections, m.httpDurationMS,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// LikeSubmitted records a like submission.
func (m *Metrics) LikeSubmitted(created bool) {
	if m == nil {
		return
	}
	if created {
		m.likes.WithLabelValues("created").Inc()
		return
	}
	m.likes.WithLabelValues("existing").Inc()
}

// MatchResolved records one resolver run: "created", "existing" or "pending".
func (m *Metrics) MatchResolved(outcome string) {
	if m == nil {
		return
	}
	m.matches.WithLabelValues(outcome).Inc()
}

// MessageAppended records a message append.
func (m *Metrics) MessageAppended(duplicated bool) {
	if m == nil {
		return
	}
	if duplicated {
		m.messages.WithLabelValues("duplicated").Inc()
		return
	}
	m.messages.WithLabelValues("stored").Inc()
}

// MessagesRead adds n newly read messages.
func (m *Metrics) MessagesRead(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.messagesRead.Add(float64(n))
}

// SubscriptionOpened / SubscriptionClosed track live subscriptions by topic kind.
func (m *Metrics) SubscriptionOpened(kind string) {
	if m == nil {
		return
	}
	m.subscriptions.WithLabelValues(kind).Inc()
}

func (m *Metrics) SubscriptionClosed(kind string) {
	if m == nil {
		return
	}
	m.subscriptions.WithLabelValues(kind).Dec()
}

// StoreError records a failed store call.
func (m *Metrics) StoreError(op string, transient bool) {
	if m == nil {
		return
	}
	if transient {
		m.storeErrors.WithLabelValues(op, "true").Inc()
		return
	}
	m.storeErrors.WithLabelValues(op, "false").Inc()
}

// WSConnected adjusts the open WebSocket session gauge by delta.
func (m *Metrics) WSConnected(delta int) {
	if m == nil {
		return
	}
	m.wsConnections.Add(float64(delta))
}

// ObserveHTTP records one request latency.
func (m *Metrics) ObserveHTTP(method, route, statusClass string, ms int64) {
	if m == nil {
		return
	}
	m.httpDurationMS.WithLabelValues(method, route, statusClass).Observe(float64(ms))
}
