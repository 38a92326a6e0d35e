// Package metrics exposes a buffer's aggregate state as Prometheus
// metrics: segment count, total on-disk bytes, first and next message
// id, eviction count, and time since the last checkpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/qdb-io/qdbbuffer/pkg/buffer"
)

// Collector implements prometheus.Collector over a Buffer's Stats(),
// scraping live values on every Collect call rather than maintaining its
// own counters.
type Collector struct {
	buf *buffer.Buffer

	segmentCount   *prometheus.Desc
	totalBytes     *prometheus.Desc
	firstMessageID *prometheus.Desc
	nextMessageID  *prometheus.Desc
	checkpointAge  *prometheus.Desc
	evictionCount  *prometheus.Desc
}

// NewCollector creates a Collector reporting buf's stats under the
// qdbbuffer_ metric namespace.
func NewCollector(buf *buffer.Buffer) *Collector {
	return &Collector{
		buf: buf,
		segmentCount: prometheus.NewDesc(
			"qdbbuffer_segment_count", "Number of live segment files.", nil, nil,
		),
		totalBytes: prometheus.NewDesc(
			"qdbbuffer_total_bytes", "Total on-disk size across all live segments.", nil, nil,
		),
		firstMessageID: prometheus.NewDesc(
			"qdbbuffer_first_message_id", "Id of the oldest message still retained.", nil, nil,
		),
		nextMessageID: prometheus.NewDesc(
			"qdbbuffer_next_message_id", "Id that will be assigned to the next appended message.", nil, nil,
		),
		checkpointAge: prometheus.NewDesc(
			"qdbbuffer_seconds_since_last_checkpoint", "Seconds since the current segment was last checkpointed.", nil, nil,
		),
		evictionCount: prometheus.NewDesc(
			"qdbbuffer_evicted_segments_total", "Total number of segments evicted over the buffer's lifetime.", nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.segmentCount
	ch <- c.totalBytes
	ch <- c.firstMessageID
	ch <- c.nextMessageID
	ch <- c.checkpointAge
	ch <- c.evictionCount
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.buf.Stats()

	ch <- prometheus.MustNewConstMetric(c.segmentCount, prometheus.GaugeValue, float64(stats.SegmentCount))
	ch <- prometheus.MustNewConstMetric(c.totalBytes, prometheus.GaugeValue, float64(stats.TotalBytes))
	ch <- prometheus.MustNewConstMetric(c.firstMessageID, prometheus.GaugeValue, float64(stats.FirstMessageID))
	ch <- prometheus.MustNewConstMetric(c.nextMessageID, prometheus.GaugeValue, float64(stats.NextMessageID))
	ch <- prometheus.MustNewConstMetric(c.evictionCount, prometheus.CounterValue, float64(stats.EvictionCount))

	if !stats.LastCheckpoint.IsZero() {
		ch <- prometheus.MustNewConstMetric(
			c.checkpointAge, prometheus.GaugeValue, time.Since(stats.LastCheckpoint).Seconds(),
		)
	}
}

var _ prometheus.Collector = (*Collector)(nil)
