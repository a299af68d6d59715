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

import "github.com/prometheus/client_golang/prometheus"

// Register a segment whose consistency check is running
func (pm *PrometheusMetrics) StartOpeningSegment(root string) error {
	if pm == nil {
		return nil
	}

	opening, err := pm.SegmentsOpening.GetMetricWith(prometheus.Labels{"root": root})
	if err != nil {
		return err
	}
	opening.Inc()
	return nil
}

// Move the segment from opening to open, or drop it if opening failed
func (pm *PrometheusMetrics) FinishOpeningSegment(root string, opened bool) error {
	if pm == nil {
		return nil
	}

	labels := prometheus.Labels{"root": root}
	opening, err := pm.SegmentsOpening.GetMetricWith(labels)
	if err != nil {
		return err
	}
	opening.Dec()

	if !opened {
		return nil
	}
	open, err := pm.SegmentsOpen.GetMetricWith(labels)
	if err != nil {
		return err
	}
	open.Inc()
	return nil
}

// Move the segment from open to closing
func (pm *PrometheusMetrics) StartClosingSegment(root string) error {
	if pm == nil {
		return nil
	}

	labels := prometheus.Labels{"root": root}
	open, err := pm.SegmentsOpen.GetMetricWith(labels)
	if err != nil {
		return err
	}
	closing, err := pm.SegmentsClosing.GetMetricWith(labels)
	if err != nil {
		return err
	}

	open.Dec()
	closing.Inc()
	return nil
}

// Remove the segment from closing. A segment that could not be closed goes
// back to open.
func (pm *PrometheusMetrics) FinishClosingSegment(root string, closed bool) error {
	if pm == nil {
		return nil
	}

	labels := prometheus.Labels{"root": root}
	closing, err := pm.SegmentsClosing.GetMetricWith(labels)
	if err != nil {
		return err
	}
	closing.Dec()

	if closed {
		return nil
	}
	open, err := pm.SegmentsOpen.GetMetricWith(labels)
	if err != nil {
		return err
	}
	open.Inc()
	return nil
}

// Move an open segment into the error state
func (pm *PrometheusMetrics) FailedSegment(root string) error {
	if pm == nil {
		return nil
	}

	labels := prometheus.Labels{"root": root}
	open, err := pm.SegmentsOpen.GetMetricWith(labels)
	if err != nil {
		return err
	}
	failed, err := pm.SegmentsFailed.GetMetricWith(labels)
	if err != nil {
		return err
	}

	open.Dec()
	failed.Inc()
	return nil
}
