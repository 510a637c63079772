// Package metrics implements notify.Metrics with Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "notify"

// Prometheus records notify events as Prometheus metrics.
type Prometheus struct {
	attempts      *prometheus.CounterVec
	attemptTime   *prometheus.HistogramVec
	finished      *prometheus.CounterVec
	attemptsUsed  *prometheus.HistogramVec
	subscriptions *prometheus.CounterVec
	queueMessages *prometheus.CounterVec
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer to
// expose them on the default /metrics handler.
func New(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Delivery attempts by protocol and result.",
		}, []string{"protocol", "result"}),
		attemptTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_attempt_duration_seconds",
			Help:      "Duration of one transport call.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"protocol"}),
		finished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Finished deliveries by protocol and terminal status.",
		}, []string{"protocol", "status"}),
		attemptsUsed: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_used",
			Help:      "Attempts used by finished deliveries.",
			Buckets:   []float64{1, 2, 3, 5, 10, 20, 50, 100},
		}, []string{"protocol"}),
		subscriptions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_events_total",
			Help:      "Subscription lifecycle events.",
		}, []string{"event"}),
		queueMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_messages_total",
			Help:      "Durable queue messages by queue and outcome.",
		}, []string{"queue", "outcome"}),
	}
}

// DeliveryAttempt implements notify.Metrics.
func (p *Prometheus) DeliveryAttempt(protocol string, success bool, seconds float64) {
	result := "error"
	if success {
		result = "success"
	}
	p.attempts.WithLabelValues(protocol, result).Inc()
	p.attemptTime.WithLabelValues(protocol).Observe(seconds)
}

// DeliveryFinished implements notify.Metrics.
func (p *Prometheus) DeliveryFinished(protocol, status string, attempts int) {
	p.finished.WithLabelValues(protocol, status).Inc()
	p.attemptsUsed.WithLabelValues(protocol).Observe(float64(attempts))
}

// SubscriptionEvent implements notify.Metrics.
func (p *Prometheus) SubscriptionEvent(event string) {
	p.subscriptions.WithLabelValues(event).Inc()
}

// QueueMessageProcessed implements notify.Metrics.
func (p *Prometheus) QueueMessageProcessed(queue, outcome string) {
	p.queueMessages.WithLabelValues(queue, outcome).Inc()
}
