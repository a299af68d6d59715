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

package segment

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/weaviate/segmentkv/entities/segmentkv"
	"github.com/weaviate/segmentkv/usecases/monitoring"
)

// Metrics is the view of the engine metrics for the segments below one data
// root. A nil *Metrics is valid and records nothing.
type Metrics struct {
	prom *monitoring.PrometheusMetrics
	root string

	operations    *prometheus.CounterVec
	maintenance   prometheus.ObserverVec
	cacheKeys     *prometheus.GaugeVec
	activeVersion *prometheus.GaugeVec
	bloomSkips    prometheus.Counter
	chunks        *prometheus.CounterVec
}

func NewMetrics(promMetrics *monitoring.PrometheusMetrics, root string) *Metrics {
	if promMetrics == nil {
		return nil
	}

	labels := prometheus.Labels{"root": root}
	return &Metrics{
		prom:          promMetrics,
		root:          root,
		operations:    promMetrics.SegmentOperations.MustCurryWith(labels),
		maintenance:   promMetrics.MaintenanceDurations.MustCurryWith(labels),
		cacheKeys:     promMetrics.CacheKeys.MustCurryWith(labels),
		activeVersion: promMetrics.ActiveVersion.MustCurryWith(labels),
		bloomSkips:    promMetrics.BloomFilterSkips.With(labels),
		chunks:        promMetrics.ChunksWritten.MustCurryWith(labels),
	}
}

func (m *Metrics) Operation(op string, status segmentkv.Status) {
	if m == nil {
		return
	}

	m.operations.With(prometheus.Labels{
		"operation": op,
		"status":    status.String(),
	}).Inc()
}

func (m *Metrics) Maintenance(op string, start time.Time) {
	if m == nil {
		return
	}

	m.maintenance.With(prometheus.Labels{"operation": op}).
		Observe(time.Since(start).Seconds())
}

func (m *Metrics) CacheSizes(id int, write, frozen, delta int) {
	if m == nil {
		return
	}

	segment := strconv.Itoa(id)
	for layer, n := range map[string]int{
		"write":  write,
		"frozen": frozen,
		"delta":  delta,
	} {
		m.cacheKeys.With(prometheus.Labels{
			"segment": segment,
			"layer":   layer,
		}).Set(float64(n))
	}
}

func (m *Metrics) ActiveVersion(id int, version uint32) {
	if m == nil {
		return
	}

	m.activeVersion.With(prometheus.Labels{"segment": strconv.Itoa(id)}).
		Set(float64(version))
}

func (m *Metrics) BloomFilterSkip() {
	if m == nil {
		return
	}

	m.bloomSkips.Inc()
}

func (m *Metrics) ChunksWritten(fileType string, n int) {
	if m == nil {
		return
	}

	m.chunks.With(prometheus.Labels{"file_type": fileType}).Add(float64(n))
}

func (m *Metrics) startOpening() {
	if m == nil {
		return
	}
	m.prom.StartOpeningSegment(m.root)
}

func (m *Metrics) finishOpening(opened bool) {
	if m == nil {
		return
	}
	m.prom.FinishOpeningSegment(m.root, opened)
}

func (m *Metrics) startClosing() {
	if m == nil {
		return
	}
	m.prom.StartClosingSegment(m.root)
}

func (m *Metrics) finishClosing(closed bool) {
	if m == nil {
		return
	}
	m.prom.FinishClosingSegment(m.root, closed)
}

func (m *Metrics) failed() {
	if m == nil {
		return
	}
	m.prom.FailedSegment(m.root)
}

// forget drops the per segment series, e.g. after the segment was closed.
func (m *Metrics) forget(id int) {
	if m == nil {
		return
	}

	segment := prometheus.Labels{"segment": strconv.Itoa(id)}
	m.cacheKeys.DeletePartialMatch(segment)
	m.activeVersion.DeletePartialMatch(segment)
}
