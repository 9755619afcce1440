// Package metrics exposes the daemon's Prometheus gauges and counters:
// WAL growth, resource-utilization ratios (internal/limits), and scheduler
// activity. Every daemon-shaped package in the example pack carries a
// metrics.go in this style; the daemon itself stays out of scope for an
// HTTP exporter (spec.md §1 places tracing/metrics backends out of scope),
// so this registers into its own registry that an external scrape
// endpoint, if any, can mount.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is the daemon's private Prometheus registry. It is not wired
// to any HTTP handler here — spec.md §1 puts metrics backends out of
// scope. Only the two WAL counters are updated, by the executor on each
// append; the other collectors are registered but nothing sets them.
var Registry = prometheus.NewRegistry()

var (
	// WALBytesWritten tracks cumulative bytes appended to the WAL.
	WALBytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oj_wal_bytes_written_total",
		Help: "Cumulative bytes appended to the write-ahead log.",
	})

	// WALEntriesWritten tracks cumulative WAL entries appended.
	WALEntriesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oj_wal_entries_written_total",
		Help: "Cumulative entries appended to the write-ahead log.",
	})

	// SnapshotsTaken tracks how many snapshots have been written.
	SnapshotsTaken = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oj_snapshots_taken_total",
		Help: "Total snapshots written.",
	})

	// ResourceUsageRatio reports used/limit for each tracked resource kind.
	ResourceUsageRatio = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "oj_resource_usage_ratio",
		Help: "Current usage ratio (used/limit) per resource kind.",
	}, []string{"resource"})

	// SchedulerTicks counts scheduler poll passes.
	SchedulerTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oj_scheduler_ticks_total",
		Help: "Total scheduler timer-wheel poll passes.",
	})

	// CronTriggered counts cron firings by cron name.
	CronTriggered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oj_cron_triggered_total",
		Help: "Total cron triggers by cron name.",
	}, []string{"cron"})

	// WatcherTriggered counts watcher firings by watcher name.
	WatcherTriggered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oj_watcher_triggered_total",
		Help: "Total watcher triggers by watcher name.",
	}, []string{"watcher"})

	// QueueDepth reports current queue depth by queue name.
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "oj_queue_depth",
		Help: "Current pending item count per queue.",
	}, []string{"queue"})

	// SupervisorChecks counts agent-log classification passes.
	SupervisorChecks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oj_supervisor_checks_total",
		Help: "Total agent session-log classification passes.",
	})

	// ActiveSessions reports the current count of non-dead sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "oj_active_sessions",
		Help: "Current count of sessions not in the Dead state.",
	})
)

func init() {
	Registry.MustRegister(
		WALBytesWritten,
		WALEntriesWritten,
		SnapshotsTaken,
		ResourceUsageRatio,
		SchedulerTicks,
		CronTriggered,
		WatcherTriggered,
		QueueDepth,
		SupervisorChecks,
		ActiveSessions,
	)
}
