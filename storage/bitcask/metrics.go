package bitcask

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	writes             prometheus.Counter
	reads              prometheus.Counter
	deletes            prometheus.Counter
	writesFailed       prometheus.Counter
	readsFailed        prometheus.Counter
	fsyncDuration      prometheus.Summary
	segmentCreations   prometheus.Counter
	segmentTruncations prometheus.Counter
	compactions        prometheus.Counter
	compactionDuration prometheus.Summary
	diskBytes          prometheus.Gauge
	garbageBytes       prometheus.Gauge
	liveKeys           prometheus.Gauge
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{}

	m.writes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "writes_total",
		Help: "Total number of records appended.",
	})

	m.reads = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reads_total",
		Help: "Total number of record reads.",
	})

	m.deletes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deletes_total",
		Help: "Total number of tombstones appended.",
	})

	m.writesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "writes_failed_total",
		Help: "Total number of appends that failed.",
	})

	m.readsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reads_failed_total",
		Help: "Total number of reads that failed.",
	})

	m.fsyncDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Name:       "fsync_duration_seconds",
		Help:       "Duration of segment fsync.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})

	m.segmentCreations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "segment_creations_total",
		Help: "Total number of segment files created.",
	})

	m.segmentTruncations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "segment_truncations_total",
		Help: "Total number of torn segment tails truncated during recovery.",
	})

	m.compactions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "compactions_total",
		Help: "Total number of compactions run.",
	})

	m.compactionDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Name:       "compaction_duration_seconds",
		Help:       "Duration of compaction runs.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})

	m.diskBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "disk_bytes",
		Help: "Total bytes across all segment files.",
	})

	m.garbageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "garbage_bytes",
		Help: "Bytes held by superseded records awaiting compaction.",
	})

	m.liveKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "live_keys",
		Help: "Number of live keys in the in-memory index.",
	})

	registerer.MustRegister(
		m.writes, m.reads, m.deletes,
		m.writesFailed, m.readsFailed,
		m.fsyncDuration,
		m.segmentCreations, m.segmentTruncations,
		m.compactions, m.compactionDuration,
		m.diskBytes, m.garbageBytes, m.liveKeys,
	)

	return m
}
