package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueDepth tracks how many accepted connections are waiting in
	// the bounded client queue for a dispatcher to pick them up.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_queue_depth",
			Help: "Number of accepted connections waiting in the client queue",
		},
	)

	QueueDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_queue_drops_total",
			Help: "Total number of accepted connections dropped because the client queue was full",
		},
	)

	EnrollmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_enrollments_total",
			Help: "Total number of enrollment attempts by result",
		},
		[]string{"result"}, // accepted, rejected_conflict, rejected_auth, rejected_protocol, transport_error
	)

	WriterFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warden_writer_flush_duration_seconds",
			Help:    "Time taken for the durable writer to flush pending changes to disk and database",
			Buckets: prometheus.DefBuckets,
		},
	)

	PendingChanges = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_pending_changes",
			Help: "Number of changes queued in the pending journal awaiting a writer flush",
		},
		[]string{"kind"}, // insert, remove
	)

	KeystoreSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_keystore_size",
			Help: "Number of non-removed records currently in the keystore",
		},
	)

	ClusterIsMaster = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warden_cluster_is_master",
			Help: "Whether this manager node currently holds cluster mastership (1 = master, 0 = worker)",
		},
	)

	ClusterForwardsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_cluster_forwards_total",
			Help: "Total number of enrollment requests forwarded from a worker to the master, by result",
		},
		[]string{"result"},
	)

	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warden_dispatch_duration_seconds",
			Help:    "Time taken for a dispatcher worker to handle one accepted connection end to end",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		QueueDepth,
		QueueDropsTotal,
		EnrollmentsTotal,
		WriterFlushDuration,
		PendingChanges,
		KeystoreSize,
		ClusterIsMaster,
		ClusterForwardsTotal,
		DispatchDuration,
	)
}

// Handler returns the Prometheus HTTP handler for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing an operation and recording its
// duration to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
