package metrics

import (
	"log/slog"
	"net/http"
	"strings"

	"turnstone/logbus"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kvops"

// WorkerStatsProvider exposes per-partition recovery and lag state the
// collector reads on every scrape; an opsworker.Worker wrapper usually
// implements this by snapshotting its own bookkeeping.
type WorkerStatsProvider interface {
	// EndOffsets and Positions report the same partitions; a gap between
	// them for a given partition is that partition's current ops lag.
	EndOffsets() map[logbus.Partition]int64
	Positions() map[logbus.Partition]int64
	IsSteady() bool
}

// FlushStatsProvider exposes the flush engine's throughput counters.
type FlushStatsProvider interface {
	FlushesTotal() uint64
	CleanedRecordsTotal() uint64
	IndexKeysTotal() uint64
}

type Collector struct {
	worker WorkerStatsProvider
	flush  FlushStatsProvider

	opsLag       *prometheus.Desc
	opsEndOffset *prometheus.Desc
	opsPosition  *prometheus.Desc
	steady       *prometheus.Desc
	flushesTotal *prometheus.Desc
	cleanedTotal *prometheus.Desc
	indexKeys    *prometheus.Desc
}

func NewCollector(worker WorkerStatsProvider, flush FlushStatsProvider) *Collector {
	return &Collector{
		worker:       worker,
		flush:        flush,
		opsLag:       newDesc("worker", "ops_lag", "End offset minus consumed position, per assigned ops partition", "partition"),
		opsEndOffset: newDesc("worker", "ops_end_offset", "Last known end offset of an assigned ops partition", "partition"),
		opsPosition:  newDesc("worker", "ops_position", "Next offset this worker will consume on an assigned ops partition", "partition"),
		steady:       newDesc("worker", "steady", "1 once the worker has confirmed it is caught up to the tail of every assigned ops partition"),
		flushesTotal: newDesc("flush", "batches_total", "Compacted batches written to the data topic"),
		cleanedTotal: newDesc("flush", "cleaned_records_total", "Ops records trimmed once known durably compacted"),
		indexKeys:    newDesc("flush", "index_keys_total", "Distinct keys currently held in the flush engine's materialized index"),
	}
}

func newDesc(sub, name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, sub, name), help, labels, nil)
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.opsLag
	ch <- c.opsEndOffset
	ch <- c.opsPosition
	ch <- c.steady
	ch <- c.flushesTotal
	ch <- c.cleanedTotal
	ch <- c.indexKeys
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.worker != nil {
		ends := c.worker.EndOffsets()
		positions := c.worker.Positions()
		for part, end := range ends {
			label := part.String()
			pos := positions[part]
			ch <- prometheus.MustNewConstMetric(c.opsEndOffset, prometheus.GaugeValue, float64(end), label)
			ch <- prometheus.MustNewConstMetric(c.opsPosition, prometheus.GaugeValue, float64(pos), label)
			ch <- prometheus.MustNewConstMetric(c.opsLag, prometheus.GaugeValue, float64(end-pos), label)
		}
		steady := 0.0
		if c.worker.IsSteady() {
			steady = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.steady, prometheus.GaugeValue, steady)
	}

	if c.flush != nil {
		ch <- prometheus.MustNewConstMetric(c.flushesTotal, prometheus.CounterValue, float64(c.flush.FlushesTotal()))
		ch <- prometheus.MustNewConstMetric(c.cleanedTotal, prometheus.CounterValue, float64(c.flush.CleanedRecordsTotal()))
		ch <- prometheus.MustNewConstMetric(c.indexKeys, prometheus.GaugeValue, float64(c.flush.IndexKeysTotal()))
	}
}

// StartMetricsServer registers a Collector alongside the standard Go and
// process collectors and serves them at addr in the background.
func StartMetricsServer(addr string, worker WorkerStatsProvider, flush FlushStatsProvider, logger *slog.Logger) {
	if addr == "" {
		return
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(worker, flush))
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	go func() {
		logger.Info("metrics server starting", "addr", addr)
		if err := http.ListenAndServe(addr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
}
