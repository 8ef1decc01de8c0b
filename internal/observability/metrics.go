package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize       *prometheus.GaugeVec
	queueBusy       *prometheus.GaugeVec
	enqueueTotal    *prometheus.CounterVec
	dequeueTotal    *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec

	peerRequestsTotal   *prometheus.CounterVec
	peerRequestDuration *prometheus.HistogramVec
	peerConnections     prometheus.Gauge
	dedupEntries        prometheus.Gauge

	journalWriteErrors prometheus.Counter
	journalPruned      prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "queue_size",
					Help: "Current queue size by queue, including the in-flight command.",
				},
				[]string{"queue"},
			),
			queueBusy: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "queue_busy",
					Help: "Whether a command is executing (1 busy, 0 idle).",
				},
				[]string{"queue"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "enqueue_total",
					Help: "Total push operations by queue.",
				},
				[]string{"queue"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dequeue_total",
					Help: "Total finalized commands by queue and status.",
				},
				[]string{"queue", "status"},
			),
			commandDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "command_duration_seconds",
					Help:    "Command execution duration in seconds by queue.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"queue"},
			),
			peerRequestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "peer_requests_total",
					Help: "Total signaling requests by role, method and status.",
				},
				[]string{"role", "method", "status"},
			),
			peerRequestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "peer_request_duration_seconds",
					Help:    "Signaling request round trip in seconds by role and method.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"role", "method"},
			),
			peerConnections: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "peer_connections",
					Help: "Current signaling connections accepted by the peer server.",
				},
			),
			dedupEntries: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "dedup_entries",
					Help: "Responses held by the peer server for retransmitted requests.",
				},
			),
			journalWriteErrors: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "journal_write_errors_total",
					Help: "Total failed command journal writes.",
				},
			),
			journalPruned: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "journal_pruned_total",
					Help: "Total command journal rows removed by retention.",
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.queueBusy,
			m.enqueueTotal,
			m.dequeueTotal,
			m.commandDuration,
			m.peerRequestsTotal,
			m.peerRequestDuration,
			m.peerConnections,
			m.dedupEntries,
			m.journalWriteErrors,
			m.journalPruned,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordQueueEnqueue(queue string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(queue).Inc()
	m.queueSize.WithLabelValues(queue).Set(float64(queueSize))
}

func SetQueueSize(queue string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(queue).Set(float64(queueSize))
}

func SetQueueBusy(queue string, busy bool) {
	m := getMetrics()
	value := 0.0
	if busy {
		value = 1.0
	}
	m.queueBusy.WithLabelValues(queue).Set(value)
}

// RecordQueueCompletion records a finalized command. status is one of
// success, error or closed.
func RecordQueueCompletion(queue string, duration time.Duration, status string, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(queue, status).Inc()
	m.commandDuration.WithLabelValues(queue).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(queue).Set(float64(queueSize))
}

// RecordPeerRequest records one signaling request. role is client or server.
func RecordPeerRequest(role, method string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.peerRequestsTotal.WithLabelValues(role, method, status).Inc()
	m.peerRequestDuration.WithLabelValues(role, method).Observe(duration.Seconds())
}

func SetPeerConnections(count int) {
	m := getMetrics()
	m.peerConnections.Set(float64(count))
}

func SetDedupEntries(count int) {
	getMetrics().dedupEntries.Set(float64(count))
}

func RecordJournalWriteError() {
	getMetrics().journalWriteErrors.Inc()
}

func RecordJournalPruned(rows int64) {
	getMetrics().journalPruned.Add(float64(rows))
}
