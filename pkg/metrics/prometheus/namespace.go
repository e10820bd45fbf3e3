package prometheus

import (
	"time"

	"github.com/marmos91/dittomd/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// namespaceMetrics is the Prometheus implementation of metrics.NamespaceMetrics.
type namespaceMetrics struct {
	recordsAppended    *prometheus.CounterVec
	bytesAppended      *prometheus.CounterVec
	bootDuration       *prometheus.GaugeVec
	scanWarnings       *prometheus.CounterVec
	divertedNodes      *prometheus.CounterVec
	followerBatches    *prometheus.CounterVec
	followerApplied    *prometheus.CounterVec
	followerDeferred   *prometheus.GaugeVec
	compactionsTotal   *prometheus.CounterVec
	compactionDuration *prometheus.HistogramVec
	compactionRecords  *prometheus.CounterVec
	liveEntries        *prometheus.GaugeVec
}

// NewNamespaceMetrics creates a new Prometheus-backed NamespaceMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewNamespaceMetrics() metrics.NamespaceMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopNamespaceMetrics()
	}

	reg := metrics.GetRegistry()

	return &namespaceMetrics{
		recordsAppended: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittomd_records_appended_total",
				Help: "Total number of records appended by service and record type",
			},
			[]string{"service", "type"},
		),
		bytesAppended: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittomd_record_bytes_appended_total",
				Help: "Total payload bytes appended by service",
			},
			[]string{"service"},
		),
		bootDuration: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dittomd_boot_duration_seconds",
				Help: "Duration of the last boot scan and tree reconstruction",
			},
			[]string{"service"},
		),
		scanWarnings: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittomd_scan_warnings_total",
				Help: "Total number of auto-repair warnings raised while scanning",
			},
			[]string{"service"},
		),
		divertedNodes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittomd_recovered_nodes_total",
				Help: "Total number of orphaned or conflicting nodes moved to lost+found",
			},
			[]string{"service"},
		),
		followerBatches: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittomd_follower_batches_total",
				Help: "Total number of batches committed by the replication follower",
			},
			[]string{"service"},
		),
		followerApplied: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittomd_follower_applied_total",
				Help: "Total number of follower changes applied by kind",
			},
			[]string{"service", "kind"},
		),
		followerDeferred: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dittomd_follower_deferred",
				Help: "Number of changes postponed to the next follower batch",
			},
			[]string{"service"},
		),
		compactionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittomd_compactions_total",
				Help: "Total number of compactions by service and status",
			},
			[]string{"service", "status"},
		),
		compactionDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dittomd_compaction_duration_seconds",
				Help: "Duration of compactions in seconds",
				Buckets: []float64{
					0.1,  // 100ms
					1,    // 1s
					10,   // 10s
					60,   // 1m
					300,  // 5m
					1800, // 30m
				},
			},
			[]string{"service"},
		),
		compactionRecords: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittomd_compaction_records_total",
				Help: "Total number of records copied by compaction by phase",
			},
			[]string{"service", "phase"},
		),
		liveEntries: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dittomd_live_entries",
				Help: "Current number of entries in the index",
			},
			[]string{"service"},
		),
	}
}

func (m *namespaceMetrics) RecordAppend(service, recordType string, bytes int) {
	m.recordsAppended.WithLabelValues(service, recordType).Inc()
	m.bytesAppended.WithLabelValues(service).Add(float64(bytes))
}

func (m *namespaceMetrics) RecordBoot(service string, duration time.Duration, warnings, diverted int) {
	m.bootDuration.WithLabelValues(service).Set(duration.Seconds())
	m.scanWarnings.WithLabelValues(service).Add(float64(warnings))
	m.divertedNodes.WithLabelValues(service).Add(float64(diverted))
}

func (m *namespaceMetrics) RecordFollowerBatch(service string, updates, deletes, deferred int) {
	m.followerBatches.WithLabelValues(service).Inc()
	m.followerApplied.WithLabelValues(service, "update").Add(float64(updates))
	m.followerApplied.WithLabelValues(service, "delete").Add(float64(deletes))
	m.followerDeferred.WithLabelValues(service).Set(float64(deferred))
}

func (m *namespaceMetrics) RecordCompaction(service string, records, tail int, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	m.compactionsTotal.WithLabelValues(service, status).Inc()
	m.compactionDuration.WithLabelValues(service).Observe(duration.Seconds())
	if err == nil {
		m.compactionRecords.WithLabelValues(service, "copy").Add(float64(records))
		m.compactionRecords.WithLabelValues(service, "tail").Add(float64(tail))
	}
}

func (m *namespaceMetrics) SetLiveEntries(service string, count int) {
	m.liveEntries.WithLabelValues(service).Set(float64(count))
}
