package ledger

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics is the Prometheus surface for one ManagedLog, grounded in the
// pack's walMetrics pattern: every managed log gets its own counters/gauges,
// registered against whatever Registerer the caller supplies (typically
// prometheus.DefaultRegisterer or a per-test registry).
type metrics struct {
	appends          prometheus.Counter
	entriesRead      prometheus.Counter
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	trims            prometheus.Counter
	segmentRotations prometheus.Counter
	backlogByCursor  *prometheus.GaugeVec

	mu               sync.Mutex
	appendLatency    *hdrhistogram.Histogram
	readLatency      *hdrhistogram.Histogram
	markDeleteLatency *hdrhistogram.Histogram
}

func newMetrics(reg prometheus.Registerer, logName string) *metrics {
	constLabels := prometheus.Labels{"log": logName}
	return &metrics{
		appends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "managedlog_appends_total",
			Help:        "managedlog_appends_total counts calls to AddEntry.",
			ConstLabels: constLabels,
		}),
		entriesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "managedlog_entries_read_total",
			Help:        "managedlog_entries_read_total counts entries returned across all cursors.",
			ConstLabels: constLabels,
		}),
		cacheHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "managedlog_entry_cache_hits_total",
			Help:        "managedlog_entry_cache_hits_total counts entry cache hits.",
			ConstLabels: constLabels,
		}),
		cacheMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "managedlog_entry_cache_misses_total",
			Help:        "managedlog_entry_cache_misses_total counts entry cache misses.",
			ConstLabels: constLabels,
		}),
		trims: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "managedlog_segment_trims_total",
			Help:        "managedlog_segment_trims_total counts segments removed by retention.",
			ConstLabels: constLabels,
		}),
		segmentRotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "managedlog_segment_rotations_total",
			Help:        "managedlog_segment_rotations_total counts how many times a new segment was opened.",
			ConstLabels: constLabels,
		}),
		backlogByCursor: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "managedlog_cursor_backlog",
			Help:        "managedlog_cursor_backlog reports the last-observed backlog per cursor.",
			ConstLabels: constLabels,
		}, []string{"cursor"}),
		appendLatency:     hdrhistogram.New(1, 10_000_000, 3),
		readLatency:       hdrhistogram.New(1, 10_000_000, 3),
		markDeleteLatency: hdrhistogram.New(1, 10_000_000, 3),
	}
}

func (m *metrics) observeAppend(d time.Duration) { m.record(m.appendLatency, d) }
func (m *metrics) observeRead(d time.Duration)   { m.record(m.readLatency, d) }

// ObserveMarkDelete and SetBacklog are exported so *metrics satisfies
// cursor.MetricsHook, letting a Cursor report latency/backlog without the
// cursor package importing ledger or prometheus.
func (m *metrics) ObserveMarkDelete(d time.Duration) { m.record(m.markDeleteLatency, d) }

func (m *metrics) record(h *hdrhistogram.Histogram, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h.RecordValue(d.Microseconds()) // nolint: errcheck
}

// LatencySnapshot reports the p50/p99 microsecond latencies recorded so far,
// for ledgerctl status and diagnostics.
type LatencySnapshot struct {
	AppendP50, AppendP99         int64
	ReadP50, ReadP99             int64
	MarkDeleteP50, MarkDeleteP99 int64
}

func (m *metrics) snapshot() LatencySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return LatencySnapshot{
		AppendP50:     m.appendLatency.ValueAtQuantile(50),
		AppendP99:     m.appendLatency.ValueAtQuantile(99),
		ReadP50:       m.readLatency.ValueAtQuantile(50),
		ReadP99:       m.readLatency.ValueAtQuantile(99),
		MarkDeleteP50: m.markDeleteLatency.ValueAtQuantile(50),
		MarkDeleteP99: m.markDeleteLatency.ValueAtQuantile(99),
	}
}

func (m *metrics) SetBacklog(cursor string, n int64) {
	m.backlogByCursor.WithLabelValues(cursor).Set(float64(n))
}
