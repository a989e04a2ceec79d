// Package observability holds the Prometheus collectors exported by fitsync.
package observability

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "fitsync"

var (
	recordsInserted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "records_inserted_total",
		Help:      "Number of records inserted into storage, labeled by collection.",
	}, []string{"collection"})

	recordsUpdated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "records_updated_total",
		Help:      "Number of stored records raised by a newer value, labeled by collection.",
	}, []string{"collection"})

	recordsDuplicate = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "records_duplicate_total",
		Help:      "Number of fetched records already present in storage, labeled by collection.",
	}, []string{"collection"})

	mergeAnomalies = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "merge_anomalies_total",
		Help:      "Number of incoming step counts smaller than the stored value.",
	})

	windowsScanned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "walker",
		Name:      "windows_scanned_total",
		Help:      "Number of activity windows requested, labeled by walk mode.",
	}, []string{"mode"})

	cooldowns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "walker",
		Name:      "cooldowns_total",
		Help:      "Number of rate-limit pauses taken during backward pagination.",
	})

	walkDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "walker",
		Name:      "walk_duration_seconds",
		Help:      "Wall time of a complete backward walk, cooldowns included.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
	}, []string{"mode"})

	providerRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "provider",
		Name:      "requests_total",
		Help:      "Provider HTTP requests by provider and status code (0 for transport failures).",
	}, []string{"provider", "status"})

	lastSyncGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successful run of each subflow.",
	}, []string{"subflow"})
)

func init() {
	prometheus.MustRegister(recordsInserted, recordsUpdated, recordsDuplicate, mergeAnomalies,
		windowsScanned, cooldowns, walkDuration, providerRequests, lastSyncGauge)
}

// RecordInserted adds n inserts for collection.
func RecordInserted(collection string, n int) {
	if n > 0 {
		recordsInserted.WithLabelValues(collection).Add(float64(n))
	}
}

// RecordUpdated adds n updates for collection.
func RecordUpdated(collection string, n int) {
	if n > 0 {
		recordsUpdated.WithLabelValues(collection).Add(float64(n))
	}
}

// RecordDuplicates adds n duplicates for collection.
func RecordDuplicates(collection string, n int) {
	if n > 0 {
		recordsDuplicate.WithLabelValues(collection).Add(float64(n))
	}
}

// RecordMergeAnomaly counts one step regression.
func RecordMergeAnomaly() {
	mergeAnomalies.Inc()
}

// RecordWindow counts one scanned window.
func RecordWindow(mode string) {
	windowsScanned.WithLabelValues(mode).Inc()
}

// RecordCooldown counts one rate-limit pause.
func RecordCooldown() {
	cooldowns.Inc()
}

// ObserveWalk records the duration of a finished walk.
func ObserveWalk(mode string, d time.Duration) {
	walkDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// RecordProviderRequest counts a provider request outcome.
func RecordProviderRequest(provider string, status int) {
	providerRequests.WithLabelValues(provider, strconv.Itoa(status)).Inc()
}

// RecordSyncCompleted updates the success watermark of subflow.
func RecordSyncCompleted(subflow string, ts time.Time) {
	if ts.IsZero() {
		return
	}
	lastSyncGauge.WithLabelValues(subflow).Set(float64(ts.Unix()))
}

// Push sends the default registry to a Prometheus Pushgateway under job.
func Push(ctx context.Context, url, job string) error {
	return push.New(url, job).
		Gatherer(prometheus.DefaultGatherer).
		PushContext(ctx)
}
