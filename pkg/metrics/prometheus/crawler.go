// Package prometheus implements the metric interfaces on the process
// Prometheus registry.
package prometheus

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/telecrawl/telecrawl/pkg/metrics"
)

// crawlerMetrics is the Prometheus implementation for task and collection
// metrics.
type crawlerMetrics struct {
	tasks       *prometheus.CounterVec
	deadLetters *prometheus.CounterVec
	messages    prometheus.Counter
	floodWaits  prometheus.Counter
	floodDelay  prometheus.Histogram
	leaseTries  *prometheus.CounterVec
}

// NewCrawlerMetrics creates a new Prometheus-backed CrawlerMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewCrawlerMetrics() *crawlerMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &crawlerMetrics{
		tasks: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "telecrawl_tasks_total",
				Help: "Total number of settled tasks by kind and disposition",
			},
			[]string{"kind", "disposition"},
		),
		deadLetters: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "telecrawl_dead_letters_total",
				Help: "Total number of tasks routed to the dead-letter subject",
			},
			[]string{"kind"},
		),
		messages: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "telecrawl_messages_emitted_total",
				Help: "Total number of chat messages published downstream",
			},
		),
		floodWaits: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "telecrawl_flood_waits_total",
				Help: "Total number of rate-limit hits during iteration",
			},
		),
		floodDelay: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "telecrawl_flood_wait_seconds",
				Help:    "Wait durations requested by the platform on rate limit",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		leaseTries: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "telecrawl_lease_acquires_total",
				Help: "Total number of session lease acquisition attempts by outcome",
			},
			[]string{"acquired"},
		),
	}
}

// RecordTask records a settled task by kind and disposition.
func (m *crawlerMetrics) RecordTask(kind string, disposition string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(kind, disposition).Inc()
}

// RecordDeadLetter records a task routed to the dead-letter subject.
func (m *crawlerMetrics) RecordDeadLetter(kind string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(kind).Inc()
}

// RecordMessages adds to the count of messages emitted downstream.
func (m *crawlerMetrics) RecordMessages(count int) {
	if m == nil {
		return
	}
	m.messages.Add(float64(count))
}

// RecordFloodWait records a rate-limit hit.
func (m *crawlerMetrics) RecordFloodWait(seconds int) {
	if m == nil {
		return
	}
	m.floodWaits.Inc()
	m.floodDelay.Observe(float64(seconds))
}

// RecordLeaseAcquire records a lease acquisition attempt outcome.
func (m *crawlerMetrics) RecordLeaseAcquire(acquired bool) {
	if m == nil {
		return
	}
	m.leaseTries.WithLabelValues(strconv.FormatBool(acquired)).Inc()
}
