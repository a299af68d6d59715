//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package monitoring

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusMetrics struct {
	Registerer prometheus.Registerer

	// segment lifecycle, labeled by data root
	SegmentsOpening *prometheus.GaugeVec
	SegmentsOpen    *prometheus.GaugeVec
	SegmentsClosing *prometheus.GaugeVec
	SegmentsFailed  *prometheus.GaugeVec

	SegmentOperations    *prometheus.CounterVec
	MaintenanceDurations *prometheus.HistogramVec
	CacheKeys            *prometheus.GaugeVec
	ActiveVersion        *prometheus.GaugeVec
	BloomFilterSkips     *prometheus.CounterVec
	ChunksWritten        *prometheus.CounterVec
}

var (
	msOnce           sync.Once
	msMetrics        *PrometheusMetrics
	defaultDurations = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60}
)

// GetMetrics returns the process wide metrics registered with the default
// prometheus registerer.
func GetMetrics() *PrometheusMetrics {
	msOnce.Do(func() {
		msMetrics = NewPrometheusMetrics(prometheus.DefaultRegisterer)
	})
	return msMetrics
}

// NewPrometheusMetrics registers all vectors with reg. Pass
// NoopPrometheusRegistry() to collect without exposing anything.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = noop
	}
	f := promauto.With(reg)

	return &PrometheusMetrics{
		Registerer: reg,

		SegmentsOpening: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "segmentkv_segments_opening",
			Help: "Number of segments that are running their consistency check",
		}, []string{"root"}),
		SegmentsOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "segmentkv_segments_open",
			Help: "Number of open segments",
		}, []string{"root"}),
		SegmentsClosing: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "segmentkv_segments_closing",
			Help: "Number of segments waiting for exclusive access to close",
		}, []string{"root"}),
		SegmentsFailed: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "segmentkv_segments_failed",
			Help: "Number of segments in the terminal error state",
		}, []string{"root"}),

		SegmentOperations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "segmentkv_segment_operations_total",
			Help: "Segment operations by result status",
		}, []string{"root", "operation", "status"}),
		MaintenanceDurations: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "segmentkv_maintenance_duration_seconds",
			Help:    "Duration of flushes, compactions, splits and imports",
			Buckets: defaultDurations,
		}, []string{"root", "operation"}),
		CacheKeys: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "segmentkv_cache_keys",
			Help: "Number of keys per cache layer",
		}, []string{"root", "segment", "layer"}),
		ActiveVersion: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "segmentkv_active_version",
			Help: "Active file version of a segment",
		}, []string{"root", "segment"}),
		BloomFilterSkips: f.NewCounterVec(prometheus.CounterOpts{
			Name: "segmentkv_bloom_filter_skips_total",
			Help: "Lookups answered by the bloom filter without reading the index",
		}, []string{"root"}),
		ChunksWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "segmentkv_chunks_written_total",
			Help: "Chunks written to index and delta files",
		}, []string{"root", "file_type"}),
	}
}
