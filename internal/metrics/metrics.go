// Package metrics exposes sync counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	recordsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "sync",
		Name:      "records_total",
		Help:      "Records handled per table, direction and outcome.",
	}, []string{"table", "direction", "outcome"})

	conflictCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "sync",
		Name:      "conflicts_total",
		Help:      "Conflicts resolved per table.",
	}, []string{"table"})

	tableFailureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "sync",
		Name:      "table_failures_total",
		Help:      "Table passes that ended in error.",
	}, []string{"table"})

	passDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fitsync",
		Subsystem: "sync",
		Name:      "pass_duration_seconds",
		Help:      "Wall time of a full sync pass.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"direction"})

	lastPassGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fitsync",
		Subsystem: "sync",
		Name:      "last_pass_timestamp_seconds",
		Help:      "Unix timestamp of the most recent completed sync pass.",
	})
)

func init() {
	prometheus.MustRegister(recordsCounter, conflictCounter, tableFailureCounter, passDuration, lastPassGauge)
}

// RecordRecords adds n records with the given outcome (created, updated,
// deleted, skipped, failed).
func RecordRecords(table, direction, outcome string, n int) {
	if n <= 0 {
		return
	}
	recordsCounter.WithLabelValues(table, direction, outcome).Add(float64(n))
}

func RecordConflicts(table string, n int) {
	if n <= 0 {
		return
	}
	conflictCounter.WithLabelValues(table).Add(float64(n))
}

func RecordTableFailure(table string) {
	tableFailureCounter.WithLabelValues(table).Inc()
}

func RecordPass(direction string, d time.Duration) {
	passDuration.WithLabelValues(direction).Observe(d.Seconds())
	lastPassGauge.Set(float64(time.Now().Unix()))
}

func Handler() http.Handler {
	return promhttp.Handler()
}
