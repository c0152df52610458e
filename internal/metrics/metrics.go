// Package metrics provides in-process Prometheus instrumentation for
// amidb's storage engine. It is never exposed over HTTP: amidb has no
// network interface, so these counters and gauges exist only for a host
// process to scrape via the Gatherer returned by Metrics.Gatherer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the storage engine updates.
// Each Metrics owns a private registry so opening several databases in
// one process (or in a test binary) never collides on collector names.
type Metrics struct {
	registry *prometheus.Registry

	PageReadsTotal  prometheus.Counter
	PageWritesTotal prometheus.Counter
	PageAllocsTotal prometheus.Counter
	PageFreesTotal  prometheus.Counter
	ChecksumErrors  prometheus.Counter

	CacheHitsTotal    prometheus.Counter
	CacheMissesTotal  prometheus.Counter
	CacheEvictions    prometheus.Counter
	CachePagesInUse   prometheus.Gauge

	WALRecordsWritten prometheus.Counter
	WALFlushesTotal   prometheus.Counter
	WALBytesFlushed   prometheus.Counter
	WALRecoveryRuns   prometheus.Counter
	WALRecoveredPages prometheus.Counter

	TxnCommitsTotal prometheus.Counter
	TxnAbortsTotal  prometheus.Counter
	TxnBeginsTotal  prometheus.Counter
}

// New creates and registers a fresh set of collectors against a private
// registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		PageReadsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "amidb_pager_page_reads_total",
			Help: "Total number of pages read from disk.",
		}),
		PageWritesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "amidb_pager_page_writes_total",
			Help: "Total number of pages written to disk.",
		}),
		PageAllocsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "amidb_pager_page_allocs_total",
			Help: "Total number of pages allocated from the bitmap.",
		}),
		PageFreesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "amidb_pager_page_frees_total",
			Help: "Total number of pages returned to the bitmap.",
		}),
		ChecksumErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "amidb_pager_checksum_errors_total",
			Help: "Total number of page checksum verification failures.",
		}),

		CacheHitsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "amidb_cache_hits_total",
			Help: "Total number of page cache hits.",
		}),
		CacheMissesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "amidb_cache_misses_total",
			Help: "Total number of page cache misses.",
		}),
		CacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "amidb_cache_evictions_total",
			Help: "Total number of LRU evictions.",
		}),
		CachePagesInUse: f.NewGauge(prometheus.GaugeOpts{
			Name: "amidb_cache_pages_in_use",
			Help: "Current number of occupied cache frames.",
		}),

		WALRecordsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "amidb_wal_records_written_total",
			Help: "Total number of WAL records appended to the in-memory buffer.",
		}),
		WALFlushesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "amidb_wal_flushes_total",
			Help: "Total number of WAL buffer flushes to disk.",
		}),
		WALBytesFlushed: f.NewCounter(prometheus.CounterOpts{
			Name: "amidb_wal_bytes_flushed_total",
			Help: "Total number of bytes flushed from the WAL buffer to disk.",
		}),
		WALRecoveryRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "amidb_wal_recovery_runs_total",
			Help: "Total number of crash recovery passes performed on open.",
		}),
		WALRecoveredPages: f.NewCounter(prometheus.CounterOpts{
			Name: "amidb_wal_recovered_pages_total",
			Help: "Total number of page images redone during recovery.",
		}),

		TxnCommitsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "amidb_txn_commits_total",
			Help: "Total number of committed transactions.",
		}),
		TxnAbortsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "amidb_txn_aborts_total",
			Help: "Total number of aborted transactions.",
		}),
		TxnBeginsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "amidb_txn_begins_total",
			Help: "Total number of transactions started.",
		}),
	}
}

// Gatherer exposes the private registry for a host process to scrape;
// amidb itself never starts an HTTP listener for it.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }
