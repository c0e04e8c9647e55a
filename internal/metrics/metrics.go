// Package metrics instruments every relay operation with Prometheus
// counters and histograms.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Operation labels.
const (
	OpSendNote         = "send_note"
	OpFetchNotes       = "fetch_notes"
	OpStreamNotes      = "stream_notes"
	OpStats            = "stats"
	OpStoreInsert      = "store.insert"
	OpStoreQuery       = "store.query"
	OpMaintenanceSweep = "maintenance.sweep"
)

// Status labels.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusDropped = "dropped"
)

// Metrics holds all relay instruments. Construct once per process (or per
// test) with an explicit registry.
type Metrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	noteSize   prometheus.Histogram
	batchCount prometheus.Histogram
	batchBytes prometheus.Histogram

	droppedSubscriptions prometheus.Counter
}

// New registers all instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noterelay_requests_total",
			Help: "Total number of relay operations started",
		}, []string{"operation"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "noterelay_request_duration_seconds",
			Help:    "Duration of relay operations in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),
		noteSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "noterelay_send_note_size_bytes",
			Help:    "Size of incoming notes (header plus details) in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10),
		}),
		batchCount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "noterelay_fetch_notes_batch_count",
			Help:    "Number of notes per fetch response",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		batchBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "noterelay_fetch_notes_batch_bytes",
			Help:    "Total size of notes per fetch response in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10),
		}),
		droppedSubscriptions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "noterelay_dropped_subscriptions_total",
			Help: "Subscriptions dropped because their delivery queue overflowed",
		}),
	}

	reg.MustRegister(
		m.requests,
		m.requestDuration,
		m.noteSize,
		m.batchCount,
		m.batchBytes,
		m.droppedSubscriptions,
	)
	return m
}

// Timer starts measuring one operation: the request counter is bumped
// immediately, the duration is recorded on Finish. Finish is idempotent;
// only the first status wins. A nil receiver yields a no-op timer so
// uninstrumented components stay valid.
func (m *Metrics) Timer(operation string) *Timer {
	if m == nil {
		return nil
	}
	m.requests.WithLabelValues(operation).Inc()
	return &Timer{m: m, operation: operation, start: time.Now()}
}

// ObserveNoteSize records the byte size of a received note.
func (m *Metrics) ObserveNoteSize(bytes int) {
	if m == nil {
		return
	}
	m.noteSize.Observe(float64(bytes))
}

// ObserveFetchBatch records the shape of a fetch response.
func (m *Metrics) ObserveFetchBatch(count, bytes int) {
	if m == nil {
		return
	}
	m.batchCount.Observe(float64(count))
	m.batchBytes.Observe(float64(bytes))
}

// SubscriptionDropped counts a back-pressure drop.
func (m *Metrics) SubscriptionDropped() {
	if m == nil {
		return
	}
	m.droppedSubscriptions.Inc()
}

// Timer measures a single operation.
type Timer struct {
	m         *Metrics
	operation string
	start     time.Time
	finished  bool
}

// Finish records the elapsed time under the given status.
func (t *Timer) Finish(status string) {
	if t == nil || t.finished {
		return
	}
	t.finished = true
	t.m.requestDuration.WithLabelValues(t.operation, status).Observe(time.Since(t.start).Seconds())
}

// Abandon records the operation as dropped if it was never finished.
// Intended for defer at acquisition site.
func (t *Timer) Abandon() {
	t.Finish(StatusDropped)
}
